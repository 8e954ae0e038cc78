package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// rawFieldsParam wraps one row because BigQuery has no arrays of arrays.
type rawFieldsParam struct {
	Fields []string `bigquery:"fields"`
}

// appendRawScript numbers the new rows after the current maximum inside a
// transaction and returns that maximum.
const appendRawScript = `
DECLARE base INT64 DEFAULT 0;
BEGIN
  BEGIN TRANSACTION;
  SET base = (SELECT COALESCE(MAX(seq_id), 0) FROM {{raw_records}});
  INSERT INTO {{raw_records}} (seq_id, source_file, fields, ingested_at)
  SELECT base + pos + 1, @source_file, r.fields, @ingested_at
  FROM UNNEST(@rows) AS r WITH OFFSET AS pos;
  COMMIT TRANSACTION;
EXCEPTION WHEN ERROR THEN
  ROLLBACK TRANSACTION;
  RAISE USING MESSAGE = @@error.message;
END;
SELECT base;
`

// AppendRawWithClient lands rows into raw_records and returns their sequence
// ids using the provided BigQuery client.
func AppendRawWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, sourceFile string, rows [][]string) ([]int64, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	params := make([]rawFieldsParam, len(rows))
	for i, r := range rows {
		params[i] = rawFieldsParam{Fields: append([]string{}, r...)}
	}

	q := client.Query(ds.expand(appendRawScript))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "source_file", Value: sourceFile},
		{Name: "ingested_at", Value: time.Now().UTC()},
		{Name: "rows", Value: params},
	}

	job, _, err := runAndWait(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("AppendRaw: %w", err)
	}

	it, err := job.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("AppendRaw: reading base sequence: %w", err)
	}
	var result []bigquery.Value
	if err := it.Next(&result); err != nil {
		return nil, fmt.Errorf("AppendRaw: reading base sequence: %w", err)
	}
	base, ok := result[0].(int64)
	if !ok {
		return nil, fmt.Errorf("AppendRaw: unexpected base sequence %v", result[0])
	}

	ids := make([]int64, len(rows))
	for i := range rows {
		ids[i] = base + int64(i) + 1
	}
	return ids, nil
}

// ScanRawWithClient returns raw records after sinceSeq using the provided BigQuery client.
func ScanRawWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, sinceSeq int64, limit int) ([]domain.RawRecord, error) {
	sql := `
		SELECT seq_id, source_file, fields, ingested_at
		FROM {{raw_records}}
		WHERE seq_id > @since_seq
		ORDER BY seq_id`
	params := []bigquery.QueryParameter{{Name: "since_seq", Value: sinceSeq}}
	if limit > 0 {
		sql += ` LIMIT @limit`
		params = append(params, bigquery.QueryParameter{Name: "limit", Value: limit})
	}

	q := client.Query(ds.expand(sql))
	q.Parameters = params

	rows, err := read[RawRow](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ScanRaw: %w", err)
	}

	records := make([]domain.RawRecord, len(rows))
	for i, r := range rows {
		records[i] = domain.RawRecord{
			SeqID:      r.SeqID,
			Fields:     r.Fields,
			IngestedAt: r.IngestedAt,
			SourceFile: r.SourceFile,
		}
	}
	return records, nil
}

// FindLandedFileWithClient looks up the load history by checksum. It returns
// nil when the file has not landed.
func FindLandedFileWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, checksum string) (*warehouse.LandedFile, error) {
	q := client.Query(ds.expand(`
		SELECT checksum, uri, row_count, rejected_count, first_seq, last_seq, landed_at
		FROM {{landed_files}}
		WHERE checksum = @checksum
		LIMIT 1
	`))
	q.Parameters = []bigquery.QueryParameter{{Name: "checksum", Value: checksum}}

	rows, err := read[LandedFileRow](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("FindLandedFile: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	r := rows[0]
	return &warehouse.LandedFile{
		URI:      r.URI,
		Checksum: r.Checksum,
		Rows:     int(r.Rows),
		Rejected: int(r.Rejected),
		FirstSeq: r.FirstSeq,
		LastSeq:  r.LastSeq,
		LandedAt: r.LandedAt,
	}, nil
}

// RecordLandedFileWithClient appends a load history entry unless the
// checksum is already recorded.
func RecordLandedFileWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, f warehouse.LandedFile) error {
	if f.LandedAt.IsZero() {
		f.LandedAt = time.Now().UTC()
	}

	q := client.Query(ds.expand(`
		INSERT INTO {{landed_files}} (checksum, uri, row_count, rejected_count, first_seq, last_seq, landed_at)
		SELECT @checksum, @uri, @row_count, @rejected_count, @first_seq, @last_seq, @landed_at
		FROM UNNEST([1])
		WHERE NOT EXISTS (SELECT 1 FROM {{landed_files}} WHERE checksum = @checksum)
	`))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "checksum", Value: f.Checksum},
		{Name: "uri", Value: f.URI},
		{Name: "row_count", Value: f.Rows},
		{Name: "rejected_count", Value: f.Rejected},
		{Name: "first_seq", Value: f.FirstSeq},
		{Name: "last_seq", Value: f.LastSeq},
		{Name: "landed_at", Value: f.LandedAt},
	}

	if _, _, err := runAndWait(ctx, q); err != nil {
		return fmt.Errorf("RecordLandedFile: %w", err)
	}
	return nil
}
