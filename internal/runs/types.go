package runs

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-pipeline/internal/domain"
)

// maxErrorLen bounds the error message stored with a failed run.
const maxErrorLen = 2000

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Log records the lifecycle of pipeline runs.
type Log interface {
	// StartRun records a new run with status=running.
	StartRun(ctx context.Context, run domain.Run) error

	// MarkRunSucceeded sets status=succeeded, finished time, cursor range and row counts.
	MarkRunSucceeded(ctx context.Context, run domain.Run) error

	// MarkRunFailed sets status=failed, finished time and error message.
	// Failures to record are logged, not returned, so they never mask runErr.
	MarkRunFailed(ctx context.Context, run domain.Run, runErr error)

	// GetRun retrieves a run by id.
	GetRun(ctx context.Context, runID string) (domain.Run, error)

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter Filter) ([]domain.Run, error)
}

// Filter defines filtering criteria for listing runs.
type Filter struct {
	// Pipeline filters runs by pipeline (cursor) name.
	Pipeline string

	// Status filters runs by status.
	Status domain.RunStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}

// NewRun returns a running run with a fresh id.
func NewRun(pipeline string, cursorFrom int64) domain.Run {
	return domain.Run{
		RunID:      uuid.NewString(),
		Pipeline:   pipeline,
		Status:     domain.RunStatusRunning,
		CursorFrom: cursorFrom,
		CursorTo:   cursorFrom,
		StartedAt:  time.Now().UTC(),
	}
}

// ErrorMessage renders err for storage, truncated to a bounded length.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		cut := maxErrorLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
