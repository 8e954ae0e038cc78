package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// blockingRunner runs until release is closed, counting invocations.
type blockingRunner struct {
	name    string
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
	err     error
}

func newBlockingRunner(name string) *blockingRunner {
	return &blockingRunner{
		name:    name,
		started: make(chan struct{}, 10),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) Name() string { return r.name }

func (r *blockingRunner) Run(ctx context.Context) (domain.Run, error) {
	n := r.calls.Add(1)
	r.started <- struct{}{}
	<-r.release

	run := domain.Run{RunID: "run", Pipeline: r.name, CursorTo: int64(n) * 10}
	if r.err != nil {
		run.Status = domain.RunStatusFailed
		run.Error = r.err.Error()
		return run, r.err
	}
	run.Status = domain.RunStatusSucceeded
	return run, nil
}

type countingReapplier struct {
	calls atomic.Int32
}

func (c *countingReapplier) ReapplyRules(ctx context.Context) (warehouse.ReapplyResult, error) {
	c.calls.Add(1)
	return warehouse.ReapplyResult{}, nil
}

func quietLogger() zerolog.Logger {
	var buf bytes.Buffer
	return zerolog.New(&buf)
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(newBlockingRunner("invalid"), Options{Schedule: "every hour"}, quietLogger())
	assert.Error(t, err)

	_, err = New(newBlockingRunner("invalid"), Options{Schedule: "@every 1h", RulesSchedule: "@daily"}, quietLogger())
	assert.ErrorContains(t, err, "reapplier")
}

func TestTriggerNow_RecordsLastRun(t *testing.T) {
	runner := newBlockingRunner("trigger-last-run")
	close(runner.release)
	s, err := New(runner, Options{Schedule: "@every 1h"}, quietLogger())
	require.NoError(t, err)

	run, err := s.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)

	st := s.Status()
	assert.Equal(t, domain.RunStatusIdle, st.State)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, int64(10), st.LastRun.CursorTo)
	assert.Equal(t, int64(10), st.Cursor)
	assert.Equal(t, "trigger-last-run", st.Pipeline)
}

func TestTriggerNow_RejectsOverlappingRun(t *testing.T) {
	runner := newBlockingRunner("trigger-overlap")
	s, err := New(runner, Options{Schedule: "@every 1h"}, quietLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.TriggerNow(context.Background())
	}()
	<-runner.started

	assert.Equal(t, domain.RunStatusRunning, s.Status().State)
	_, err = s.TriggerNow(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(runner.release)
	wg.Wait()
	assert.Equal(t, int32(1), runner.calls.Load())
	assert.Equal(t, domain.RunStatusIdle, s.Status().State)
}

func TestTick_SkipsWhileRunning(t *testing.T) {
	runner := newBlockingRunner("tick-skip")
	s, err := New(runner, Options{Schedule: "@every 1h"}, quietLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.TriggerNow(context.Background())
	}()
	<-runner.started

	s.tick()
	s.tick()
	assert.Equal(t, 2, s.Status().SkippedTicks)

	close(runner.release)
	wg.Wait()
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestSchedulersShareLockPerCursor(t *testing.T) {
	runner := newBlockingRunner("shared-cursor")
	a, err := New(runner, Options{Schedule: "@every 1h"}, quietLogger())
	require.NoError(t, err)
	b, err := New(runner, Options{Schedule: "@every 1h"}, quietLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = a.TriggerNow(context.Background())
	}()
	<-runner.started

	_, err = b.TriggerNow(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(runner.release)
	wg.Wait()
}

func TestFailedRunReturnsToIdle(t *testing.T) {
	runner := newBlockingRunner("failed-run")
	runner.err = errors.New("storage unavailable")
	close(runner.release)
	s, err := New(runner, Options{Schedule: "@every 1h"}, quietLogger())
	require.NoError(t, err)

	_, err = s.TriggerNow(context.Background())
	require.Error(t, err)

	st := s.Status()
	assert.Equal(t, domain.RunStatusIdle, st.State)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, domain.RunStatusFailed, st.LastRun.Status)
	assert.Equal(t, int64(0), st.Cursor)

	// The next trigger retries.
	runner.err = nil
	_, err = s.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), s.Status().Cursor)
}

func TestStart_RunsOnSchedule(t *testing.T) {
	runner := newBlockingRunner("scheduled")
	close(runner.release)
	reapplier := &countingReapplier{}
	s, err := New(runner, Options{
		Schedule:      "@every 1s",
		RulesSchedule: "@every 1s",
		Reapplier:     reapplier,
	}, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() { <-s.Stop().Done() }()

	require.NotNil(t, s.Status().NextRun)
	require.Eventually(t, func() bool { return runner.calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return reapplier.calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
}
