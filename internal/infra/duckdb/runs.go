package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/logger"
	"github.com/dvloznov/finance-pipeline/internal/runs"
)

type runRow struct {
	RunID      string       `db:"run_id"`
	Pipeline   string       `db:"pipeline"`
	Status     string       `db:"status"`
	CursorFrom int64        `db:"cursor_from"`
	CursorTo   int64        `db:"cursor_to"`
	Counts     string       `db:"counts"`
	StartedAt  time.Time    `db:"started_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
	Error      string       `db:"error"`
}

func (r runRow) toDomain() (domain.Run, error) {
	run := domain.Run{
		RunID:      r.RunID,
		Pipeline:   r.Pipeline,
		Status:     domain.RunStatus(r.Status),
		CursorFrom: r.CursorFrom,
		CursorTo:   r.CursorTo,
		StartedAt:  r.StartedAt,
		Error:      r.Error,
	}
	if r.Counts != "" {
		if err := json.Unmarshal([]byte(r.Counts), &run.Counts); err != nil {
			return domain.Run{}, fmt.Errorf("decoding counts of run %s: %w", r.RunID, err)
		}
	}
	if r.FinishedAt.Valid {
		finished := r.FinishedAt.Time
		run.FinishedAt = &finished
	}
	return run, nil
}

func encodeCounts(c domain.RowCounts) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// StartRun implements runs.Log.
func (s *Store) StartRun(ctx context.Context, run domain.Run) error {
	if run.RunID == "" {
		return fmt.Errorf("StartRun: run ID is required")
	}
	counts, err := encodeCounts(run.Counts)
	if err != nil {
		return fmt.Errorf("StartRun: encoding counts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (run_id, pipeline, status, cursor_from, cursor_to, counts, started_at, finished_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, '')
	`, run.RunID, run.Pipeline, string(domain.RunStatusRunning), run.CursorFrom, run.CursorFrom, counts, run.StartedAt)
	if err != nil {
		return fmt.Errorf("StartRun: inserting run %s: %w", run.RunID, err)
	}
	return nil
}

// MarkRunSucceeded implements runs.Log.
func (s *Store) MarkRunSucceeded(ctx context.Context, run domain.Run) error {
	counts, err := encodeCounts(run.Counts)
	if err != nil {
		return fmt.Errorf("MarkRunSucceeded: encoding counts: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = ?, cursor_to = ?, counts = ?, finished_at = ?, error = ''
		WHERE run_id = ?
	`, string(domain.RunStatusSucceeded), run.CursorTo, counts, time.Now().UTC(), run.RunID)
	if err != nil {
		return fmt.Errorf("MarkRunSucceeded: updating run %s: %w", run.RunID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkRunSucceeded: updating run %s: %w", run.RunID, err)
	}
	if n == 0 {
		return fmt.Errorf("MarkRunSucceeded: %w: %s", runs.ErrRunNotFound, run.RunID)
	}
	return nil
}

// MarkRunFailed implements runs.Log. Failures to record are logged.
func (s *Store) MarkRunFailed(ctx context.Context, run domain.Run, runErr error) {
	log := logger.FromContext(ctx)

	counts, err := encodeCounts(run.Counts)
	if err != nil {
		counts = "{}"
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = ?, counts = ?, finished_at = ?, error = ?
		WHERE run_id = ?
	`, string(domain.RunStatusFailed), counts, time.Now().UTC(), runs.ErrorMessage(runErr), run.RunID)
	if err != nil {
		log.Error().
			Err(err).
			Str("run_id", run.RunID).
			Msg("MarkRunFailed: running update query")
	}
}

// GetRun implements runs.Log.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		SELECT run_id, pipeline, status, cursor_from, cursor_to, counts, started_at, finished_at, error
		FROM pipeline_runs
		WHERE run_id = ?
	`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, fmt.Errorf("GetRun: %w: %s", runs.ErrRunNotFound, runID)
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("GetRun: querying run %s: %w", runID, err)
	}

	run, err := row.toDomain()
	if err != nil {
		return domain.Run{}, fmt.Errorf("GetRun: %w", err)
	}
	return run, nil
}

// ListRuns implements runs.Log.
func (s *Store) ListRuns(ctx context.Context, filter runs.Filter) ([]domain.Run, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.Pipeline != "" {
		conditions = append(conditions, "pipeline = ?")
		args = append(args, filter.Pipeline)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `
		SELECT run_id, pipeline, status, cursor_from, cursor_to, counts, started_at, finished_at, error
		FROM pipeline_runs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, run_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("ListRuns: querying runs: %w", err)
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
