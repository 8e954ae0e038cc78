package bigquery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/logger"
	"github.com/dvloznov/finance-pipeline/internal/runs"
)

const runColumns = `run_id, pipeline, status, cursor_from, cursor_to, counts, started_at, finished_at, error`

func (r RunRow) toDomain() (domain.Run, error) {
	run := domain.Run{
		RunID:      r.RunID,
		Pipeline:   r.Pipeline,
		Status:     domain.RunStatus(r.Status),
		CursorFrom: r.CursorFrom,
		CursorTo:   r.CursorTo,
		StartedAt:  r.StartedAt,
	}
	if r.Counts.Valid {
		if err := json.Unmarshal([]byte(r.Counts.JSONVal), &run.Counts); err != nil {
			return domain.Run{}, fmt.Errorf("decoding counts of run %s: %w", r.RunID, err)
		}
	}
	if r.FinishedAt.Valid {
		finished := r.FinishedAt.Timestamp
		run.FinishedAt = &finished
	}
	if r.Error.Valid {
		run.Error = r.Error.StringVal
	}
	return run, nil
}

func countsJSON(c domain.RowCounts) string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// StartRunWithClient inserts a new row into pipeline_runs with status=running
// using the provided BigQuery client.
func StartRunWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, run domain.Run) error {
	if run.RunID == "" {
		return fmt.Errorf("StartRun: run ID is required")
	}

	q := client.Query(ds.expand(`
		INSERT INTO {{pipeline_runs}} (
			run_id,
			pipeline,
			status,
			cursor_from,
			cursor_to,
			counts,
			started_at
		)
		VALUES (
			@run_id,
			@pipeline,
			@status,
			@cursor_from,
			@cursor_from,
			PARSE_JSON(@counts),
			@started_at
		)
	`))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: run.RunID},
		{Name: "pipeline", Value: run.Pipeline},
		{Name: "status", Value: string(domain.RunStatusRunning)},
		{Name: "cursor_from", Value: run.CursorFrom},
		{Name: "counts", Value: countsJSON(run.Counts)},
		{Name: "started_at", Value: run.StartedAt},
	}

	if _, _, err := runAndWait(ctx, q); err != nil {
		return fmt.Errorf("StartRun: %w", err)
	}
	return nil
}

// MarkRunSucceededWithClient sets status=succeeded, the cursor reached and
// finished_at, and clears the error.
func MarkRunSucceededWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, run domain.Run) error {
	q := client.Query(ds.expand(`
		UPDATE {{pipeline_runs}}
		SET status = @status,
		    cursor_to = @cursor_to,
		    counts = PARSE_JSON(@counts),
		    finished_at = @finished_at,
		    error = ""
		WHERE run_id = @run_id
	`))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: string(domain.RunStatusSucceeded)},
		{Name: "cursor_to", Value: run.CursorTo},
		{Name: "counts", Value: countsJSON(run.Counts)},
		{Name: "finished_at", Value: time.Now().UTC()},
		{Name: "run_id", Value: run.RunID},
	}

	_, status, err := runAndWait(ctx, q)
	if err != nil {
		return fmt.Errorf("MarkRunSucceeded: %w", err)
	}
	if affectedRows(status) == 0 {
		return fmt.Errorf("MarkRunSucceeded: %w: %s", runs.ErrRunNotFound, run.RunID)
	}
	return nil
}

// MarkRunFailedWithClient sets status=failed, finished_at and error. Failures
// to record are logged.
func MarkRunFailedWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, run domain.Run, runErr error) {
	log := logger.FromContext(ctx)

	q := client.Query(ds.expand(`
		UPDATE {{pipeline_runs}}
		SET status = @status,
		    counts = PARSE_JSON(@counts),
		    finished_at = @finished_at,
		    error = @error
		WHERE run_id = @run_id
	`))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: string(domain.RunStatusFailed)},
		{Name: "counts", Value: countsJSON(run.Counts)},
		{Name: "finished_at", Value: time.Now().UTC()},
		{Name: "error", Value: runs.ErrorMessage(runErr)},
		{Name: "run_id", Value: run.RunID},
	}

	if _, _, err := runAndWait(ctx, q); err != nil {
		log.Error().
			Err(err).
			Str("run_id", run.RunID).
			Msg("MarkRunFailed: running update query")
	}
}

// GetRunWithClient returns one run by id.
func GetRunWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, runID string) (domain.Run, error) {
	q := client.Query(ds.expand(`
		SELECT ` + runColumns + `
		FROM {{pipeline_runs}}
		WHERE run_id = @run_id
	`))
	q.Parameters = []bigquery.QueryParameter{{Name: "run_id", Value: runID}}

	rows, err := read[RunRow](ctx, q)
	if err != nil {
		return domain.Run{}, fmt.Errorf("GetRun: %w", err)
	}
	if len(rows) == 0 {
		return domain.Run{}, fmt.Errorf("GetRun: %w: %s", runs.ErrRunNotFound, runID)
	}

	run, err := rows[0].toDomain()
	if err != nil {
		return domain.Run{}, fmt.Errorf("GetRun: %w", err)
	}
	return run, nil
}

// listRunsQuery builds the run history query for filter.
func listRunsQuery(filter runs.Filter) (string, []bigquery.QueryParameter) {
	var (
		conditions []string
		params     []bigquery.QueryParameter
	)
	if filter.Pipeline != "" {
		conditions = append(conditions, "pipeline = @pipeline")
		params = append(params, bigquery.QueryParameter{Name: "pipeline", Value: filter.Pipeline})
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = @status")
		params = append(params, bigquery.QueryParameter{Name: "status", Value: string(filter.Status)})
	}

	sql := `SELECT ` + runColumns + ` FROM {{pipeline_runs}}`
	if len(conditions) > 0 {
		sql += " WHERE " + strings.Join(conditions, " AND ")
	}
	sql += " ORDER BY started_at DESC, run_id DESC"
	if filter.Limit > 0 {
		sql += " LIMIT @limit"
		params = append(params, bigquery.QueryParameter{Name: "limit", Value: filter.Limit})
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			// BigQuery requires LIMIT before OFFSET.
			sql += " LIMIT 9223372036854775807"
		}
		sql += " OFFSET @offset"
		params = append(params, bigquery.QueryParameter{Name: "offset", Value: filter.Offset})
	}
	return sql, params
}

// ListRunsWithClient returns runs newest first using the provided BigQuery client.
func ListRunsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, filter runs.Filter) ([]domain.Run, error) {
	sql, params := listRunsQuery(filter)
	q := client.Query(ds.expand(sql))
	q.Parameters = params

	rows, err := read[RunRow](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListRuns: %w", err)
	}

	result := make([]domain.Run, 0, len(rows))
	for _, r := range rows {
		run, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListRuns: %w", err)
		}
		result = append(result, run)
	}
	return result, nil
}
