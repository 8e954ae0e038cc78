package changetracker

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/model"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// Delta is the set of raw records landed since the last committed cursor.
type Delta struct {
	Base    int64 // cursor value the delta was read from
	Max     int64 // highest SeqID in Records, or Base when empty
	Records []domain.RawRecord
}

// Empty reports whether there is nothing new to process.
func (d Delta) Empty() bool {
	return len(d.Records) == 0
}

// Tracker exposes raw rows not yet consumed by a named pipeline.
type Tracker struct {
	log        warehouse.RawLog
	cursors    warehouse.CursorStore
	name       string
	batchLimit int
}

// New creates a tracker for the pipeline name. batchLimit caps the rows in a
// single delta; 0 means no cap.
func New(log warehouse.RawLog, cursors warehouse.CursorStore, name string, batchLimit int) *Tracker {
	return &Tracker{
		log:        log,
		cursors:    cursors,
		name:       name,
		batchLimit: batchLimit,
	}
}

// Name returns the cursor name.
func (t *Tracker) Name() string {
	return t.name
}

// Cursor returns the committed cursor value.
func (t *Tracker) Cursor(ctx context.Context) (int64, error) {
	cursor, err := t.cursors.LoadCursor(ctx, t.name)
	if err != nil {
		return 0, fmt.Errorf("Cursor: loading cursor %q: %w", t.name, err)
	}
	return cursor, nil
}

// Delta returns raw records with SeqID greater than the committed cursor, in
// ascending order. Reading a delta does not move the cursor.
func (t *Tracker) Delta(ctx context.Context) (Delta, error) {
	cursor, err := t.Cursor(ctx)
	if err != nil {
		return Delta{}, fmt.Errorf("Delta: %w", err)
	}

	records, err := t.log.Scan(ctx, cursor, t.batchLimit)
	if err != nil {
		return Delta{}, fmt.Errorf("Delta: scanning raw log after %d: %w", cursor, err)
	}

	d := Delta{Base: cursor, Max: cursor, Records: records}
	for _, r := range records {
		if r.SeqID <= cursor {
			return Delta{}, fmt.Errorf("Delta: raw log returned seq %d at or below cursor %d", r.SeqID, cursor)
		}
		if r.SeqID > d.Max {
			d.Max = r.SeqID
		}
	}
	return d, nil
}

// CursorAdvance describes the cursor move that commits d, for use inside a
// model batch transaction.
func (t *Tracker) CursorAdvance(d Delta) model.CursorAdvance {
	return model.CursorAdvance{Name: t.name, From: d.Base, To: d.Max}
}

// Advance moves the cursor past d on its own. It fails with
// warehouse.ErrCursorConflict when another run has moved the cursor since d
// was read.
func (t *Tracker) Advance(ctx context.Context, d Delta) error {
	if d.Max < d.Base {
		return fmt.Errorf("Advance: cursor %q cannot move backwards from %d to %d", t.name, d.Base, d.Max)
	}
	if d.Max == d.Base {
		return nil
	}
	if err := t.cursors.CompareAndSwapCursor(ctx, t.name, d.Base, d.Max); err != nil {
		return fmt.Errorf("Advance: %w", err)
	}
	return nil
}
