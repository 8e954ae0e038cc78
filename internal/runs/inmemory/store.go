package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/logger"
	"github.com/dvloznov/finance-pipeline/internal/runs"
)

// Store is an in-memory implementation of runs.Log.
// It is safe for concurrent use. Data is lost on restart.
type Store struct {
	mu   sync.RWMutex
	runs map[string]domain.Run
}

// NewStore creates a new in-memory run store.
func NewStore() *Store {
	return &Store{
		runs: make(map[string]domain.Run),
	}
}

// StartRun implements the runs.Log interface.
func (s *Store) StartRun(ctx context.Context, run domain.Run) error {
	if run.RunID == "" {
		return fmt.Errorf("StartRun: run ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return fmt.Errorf("StartRun: run %s already exists", run.RunID)
	}
	run.Status = domain.RunStatusRunning
	run.FinishedAt = nil
	s.runs[run.RunID] = run
	return nil
}

// MarkRunSucceeded implements the runs.Log interface.
func (s *Store) MarkRunSucceeded(ctx context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.runs[run.RunID]
	if !exists {
		return fmt.Errorf("MarkRunSucceeded: %w: %s", runs.ErrRunNotFound, run.RunID)
	}

	finished := time.Now().UTC()
	stored.Status = domain.RunStatusSucceeded
	stored.FinishedAt = &finished
	stored.CursorTo = run.CursorTo
	stored.Counts = run.Counts
	stored.Error = ""
	s.runs[run.RunID] = stored
	return nil
}

// MarkRunFailed implements the runs.Log interface.
func (s *Store) MarkRunFailed(ctx context.Context, run domain.Run, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.runs[run.RunID]
	if !exists {
		log := logger.FromContext(ctx)
		log.Error().
			Str("run_id", run.RunID).
			Msg("MarkRunFailed: run not found")
		return
	}

	finished := time.Now().UTC()
	stored.Status = domain.RunStatusFailed
	stored.FinishedAt = &finished
	stored.Counts = run.Counts
	stored.Error = runs.ErrorMessage(runErr)
	s.runs[run.RunID] = stored
}

// GetRun implements the runs.Log interface.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return domain.Run{}, fmt.Errorf("GetRun: %w: %s", runs.ErrRunNotFound, runID)
	}
	return copyRun(run), nil
}

// ListRuns implements the runs.Log interface.
func (s *Store) ListRuns(ctx context.Context, filter runs.Filter) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Pipeline != "" && run.Pipeline != filter.Pipeline {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		result = append(result, copyRun(run))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].RunID > result[j].RunID
		}
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []domain.Run{}, nil
		}
		result = result[filter.Offset:]
	}

	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

// copyRun detaches the FinishedAt pointer from the stored value.
func copyRun(run domain.Run) domain.Run {
	if run.FinishedAt != nil {
		finished := *run.FinishedAt
		run.FinishedAt = &finished
	}
	return run
}

// Ensure Store implements runs.Log interface.
var _ runs.Log = (*Store)(nil)
