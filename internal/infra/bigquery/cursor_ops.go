package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// cursorConflictMessage is raised by the swap statements when the stored
// cursor does not match the expected value.
const cursorConflictMessage = "cursor conflict"

// cursorSwapStatements must run inside a transaction. A missing cursor is
// created at 0 so the swap is a single conditional update.
const cursorSwapStatements = `
  MERGE {{cursors}} AS c
  USING (SELECT @cursor_name AS name) AS s
  ON c.name = s.name
  WHEN NOT MATCHED THEN
    INSERT (name, last_seq, updated_at) VALUES (s.name, 0, CURRENT_TIMESTAMP());
  UPDATE {{cursors}}
  SET last_seq = @cursor_to, updated_at = CURRENT_TIMESTAMP()
  WHERE name = @cursor_name AND last_seq = @cursor_from;
  IF @@row_count = 0 THEN
    RAISE USING MESSAGE = '` + cursorConflictMessage + `';
  END IF;
`

// wrapInTransaction runs statements in a transaction that is rolled back and
// re-raised on any error.
func wrapInTransaction(statements string) string {
	return `
BEGIN
  BEGIN TRANSACTION;
` + statements + `
  COMMIT TRANSACTION;
EXCEPTION WHEN ERROR THEN
  ROLLBACK TRANSACTION;
  RAISE USING MESSAGE = @@error.message;
END;
`
}

func cursorParams(name string, from, to int64) []bigquery.QueryParameter {
	return []bigquery.QueryParameter{
		{Name: "cursor_name", Value: name},
		{Name: "cursor_from", Value: from},
		{Name: "cursor_to", Value: to},
	}
}

func isCursorConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), cursorConflictMessage)
}

// LoadCursorWithClient returns the stored cursor, or 0 when none is stored.
func LoadCursorWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, name string) (int64, error) {
	q := client.Query(ds.expand(`
		SELECT last_seq
		FROM {{cursors}}
		WHERE name = @cursor_name
	`))
	q.Parameters = []bigquery.QueryParameter{{Name: "cursor_name", Value: name}}

	rows, err := read[struct {
		LastSeq int64 `bigquery:"last_seq"`
	}](ctx, q)
	if err != nil {
		return 0, fmt.Errorf("LoadCursor: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].LastSeq, nil
}

// CompareAndSwapCursorWithClient moves the cursor from from to to in its own
// transaction using the provided BigQuery client.
func CompareAndSwapCursorWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, name string, from, to int64) error {
	if to < from {
		return fmt.Errorf("CompareAndSwapCursor: cursor %q cannot move backwards from %d to %d", name, from, to)
	}

	q := client.Query(ds.expand(wrapInTransaction(cursorSwapStatements)))
	q.Parameters = cursorParams(name, from, to)

	if _, _, err := runAndWait(ctx, q); err != nil {
		if isCursorConflict(err) {
			return fmt.Errorf("CompareAndSwapCursor: cursor %q is not at %d: %w", name, from, warehouse.ErrCursorConflict)
		}
		return fmt.Errorf("CompareAndSwapCursor: %w", err)
	}
	return nil
}
