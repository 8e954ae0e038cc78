package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/model"
	"github.com/dvloznov/finance-pipeline/internal/rules"
	"github.com/dvloznov/finance-pipeline/internal/runs"
)

// ErrCursorConflict is returned when the stored cursor no longer matches the
// value a run started from. Nothing is written when it is returned.
var ErrCursorConflict = errors.New("cursor conflict")

// WriteError wraps a failure of the transactional model write. The whole
// batch, including the cursor advance, has been rolled back.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("warehouse write failed during %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// RawLog is the append-only landing table.
type RawLog interface {
	// Append lands rows from sourceFile and returns the assigned sequence
	// ids, strictly increasing and greater than any id already landed.
	Append(ctx context.Context, sourceFile string, rows [][]string) ([]int64, error)

	// Scan returns raw records with SeqID > sinceSeq in ascending order,
	// at most limit rows when limit > 0.
	Scan(ctx context.Context, sinceSeq int64, limit int) ([]domain.RawRecord, error)
}

// LandedFile is the load history entry of one landed object.
type LandedFile struct {
	URI      string
	Checksum string // hex SHA-256 of the object bytes
	Rows     int
	Rejected int
	FirstSeq int64
	LastSeq  int64
	LandedAt time.Time
}

// LandedFiles keeps the load history used to skip objects that already landed.
type LandedFiles interface {
	// FindLandedFile returns nil, nil when no file with checksum has landed.
	FindLandedFile(ctx context.Context, checksum string) (*LandedFile, error)

	RecordLandedFile(ctx context.Context, f LandedFile) error
}

// CursorStore persists the high-water mark of each named pipeline.
type CursorStore interface {
	// LoadCursor returns 0 for a pipeline that has never committed.
	LoadCursor(ctx context.Context, name string) (int64, error)

	// CompareAndSwapCursor sets the cursor to to only if it currently equals
	// from, and returns ErrCursorConflict otherwise.
	CompareAndSwapCursor(ctx context.Context, name string, from, to int64) error
}

// ModelWriter commits a model batch atomically: staging rows, dimension
// upserts, fact appends, quarantined rows and the cursor advance either all
// become visible or none do.
type ModelWriter interface {
	CommitBatch(ctx context.Context, batch model.Batch) error
}

// ModelReader exposes the committed model.
type ModelReader interface {
	ListStaging(ctx context.Context) ([]domain.StagingRecord, error)
	ListAccounts(ctx context.Context) ([]domain.DimensionAccount, error)
	ListMerchants(ctx context.Context) ([]domain.DimensionMerchant, error)
	ListFacts(ctx context.Context) ([]domain.FactTransaction, error)
	ListRejected(ctx context.Context) ([]domain.RejectedFact, error)
}

// RunLog records pipeline run history.
type RunLog = runs.Log

// RuleSource provides category patterns maintained in the warehouse.
type RuleSource interface {
	// ListCategoryRules returns active patterns in priority order. An empty
	// result means the configured patterns apply.
	ListCategoryRules(ctx context.Context) ([]rules.Pattern, error)
}

// ReapplyResult counts rows touched by a catch-up rule pass.
type ReapplyResult struct {
	Deleted     int64
	Normalized  int64
	Categorized int64
}

// RuleReapplier re-applies the business rules to facts already committed.
type RuleReapplier interface {
	// ReapplyRules runs the business rules over committed facts. With
	// quarantine set, filtered facts move to the quarantine table.
	ReapplyRules(ctx context.Context, patterns []rules.Pattern, quarantine bool) (ReapplyResult, error)
}

// Warehouse is a complete storage engine.
type Warehouse interface {
	RawLog
	LandedFiles
	CursorStore
	ModelWriter
	ModelReader
	RunLog
	RuleSource
	RuleReapplier

	Close() error
}
