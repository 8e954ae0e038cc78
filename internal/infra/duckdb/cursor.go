package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// LoadCursor implements warehouse.CursorStore.
func (s *Store) LoadCursor(ctx context.Context, name string) (int64, error) {
	var position int64
	err := s.db.GetContext(ctx, &position, `SELECT last_seq FROM cursors WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("LoadCursor: querying cursor %q: %w", name, err)
	}
	return position, nil
}

// CompareAndSwapCursor implements warehouse.CursorStore.
func (s *Store) CompareAndSwapCursor(ctx context.Context, name string, from, to int64) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("CompareAndSwapCursor: beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = casCursor(ctx, tx, name, from, to); err != nil {
		return fmt.Errorf("CompareAndSwapCursor: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("CompareAndSwapCursor: committing: %w", err)
	}
	return nil
}

// casCursor moves the cursor inside tx. A cursor that has never been stored
// is created at 0 first so the swap is a single conditional update.
func casCursor(ctx context.Context, tx *sqlx.Tx, name string, from, to int64) error {
	if to < from {
		return fmt.Errorf("cursor %q cannot move backwards from %d to %d", name, from, to)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cursors (name, last_seq, updated_at)
		VALUES (?, 0, ?)
		ON CONFLICT (name) DO NOTHING
	`, name, now); err != nil {
		return fmt.Errorf("initializing cursor %q: %w", name, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE cursors
		SET last_seq = ?, updated_at = ?
		WHERE name = ? AND last_seq = ?
	`, to, now, name, from)
	if err != nil {
		return fmt.Errorf("updating cursor %q: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating cursor %q: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("cursor %q is not at %d: %w", name, from, warehouse.ErrCursorConflict)
	}
	return nil
}
