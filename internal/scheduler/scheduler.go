package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/logger"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// ErrRunInProgress is returned by TriggerNow while another run holds the lock.
var ErrRunInProgress = errors.New("a run is already in progress")

// Runner executes one pipeline run.
type Runner interface {
	Name() string
	Run(ctx context.Context) (domain.Run, error)
}

// Reapplier runs the catch-up rule pass over committed facts.
type Reapplier interface {
	ReapplyRules(ctx context.Context) (warehouse.ReapplyResult, error)
}

// Options configures a Scheduler.
type Options struct {
	// Schedule is a cron expression or "@every <duration>".
	Schedule string
	// RulesSchedule, when set, schedules the catch-up rule pass.
	RulesSchedule string
	// Reapplier is required when RulesSchedule is set.
	Reapplier Reapplier
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Pipeline     string           `json:"pipeline"`
	State        domain.RunStatus `json:"state"`
	Schedule     string           `json:"schedule"`
	Cursor       int64            `json:"cursor"`
	LastRun      *domain.Run      `json:"last_run,omitempty"`
	NextRun      *time.Time       `json:"next_run,omitempty"`
	SkippedTicks int              `json:"skipped_ticks"`
}

// locks holds one run lock per cursor name, shared by every scheduler in the process.
var locks sync.Map

func lockFor(name string) *sync.Mutex {
	mu, _ := locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Scheduler triggers pipeline runs on a cron schedule with at most one
// active run per cursor. State moves Idle → Running → Idle; a failed run is
// recorded in LastRun and retried on the next tick.
type Scheduler struct {
	runner  Runner
	opts    Options
	cron    *cron.Cron
	runLock *sync.Mutex
	entry   cron.EntryID

	mu      sync.RWMutex
	baseCtx context.Context
	state   domain.RunStatus
	lastRun *domain.Run
	cursor  int64
	skipped int
}

// New validates the schedules and registers the jobs. Nothing runs until Start.
func New(runner Runner, opts Options, log zerolog.Logger) (*Scheduler, error) {
	cronLog := NewCronLogger(log)
	s := &Scheduler{
		runner:  runner,
		opts:    opts,
		runLock: lockFor(runner.Name()),
		baseCtx: context.Background(),
		state:   domain.RunStatusIdle,
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
	}

	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("New: parsing schedule %q: %w", opts.Schedule, err)
	}
	entry, err := s.cron.AddFunc(opts.Schedule, s.tick)
	if err != nil {
		return nil, fmt.Errorf("New: scheduling run: %w", err)
	}
	s.entry = entry

	if opts.RulesSchedule != "" {
		if opts.Reapplier == nil {
			return nil, fmt.Errorf("New: rules schedule set without a reapplier")
		}
		if _, err := s.cron.AddFunc(opts.RulesSchedule, s.reapplyTick); err != nil {
			return nil, fmt.Errorf("New: scheduling rule re-application %q: %w", opts.RulesSchedule, err)
		}
	}

	return s, nil
}

// Start begins scheduling. Scheduled runs use ctx for logging and values.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	log := logger.FromContext(ctx)
	log.Info().
		Str("pipeline", s.runner.Name()).
		Str("schedule", s.opts.Schedule).
		Str("rules_schedule", s.opts.RulesSchedule).
		Msg("Scheduler started")

	s.cron.Start()
}

// Stop stops scheduling new runs. The returned context is done once any
// running job has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// TriggerNow runs the pipeline immediately and waits for it to finish. It
// returns ErrRunInProgress without running when a run is active.
func (s *Scheduler) TriggerNow(ctx context.Context) (domain.Run, error) {
	if !s.runLock.TryLock() {
		return domain.Run{}, ErrRunInProgress
	}
	defer s.runLock.Unlock()

	return s.execute(ctx)
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Pipeline:     s.runner.Name(),
		State:        s.state,
		Schedule:     s.opts.Schedule,
		Cursor:       s.cursor,
		SkippedTicks: s.skipped,
	}
	if s.lastRun != nil {
		last := *s.lastRun
		st.LastRun = &last
	}
	if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
		st.NextRun = &next
	}
	return st
}

func (s *Scheduler) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseCtx
}

func (s *Scheduler) tick() {
	ctx := s.runContext()
	if ctx.Err() != nil {
		return
	}

	if !s.runLock.TryLock() {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()

		log := logger.FromContext(ctx)
		log.Warn().Str("pipeline", s.runner.Name()).Msg("Run already in progress, skipping tick")
		return
	}
	defer s.runLock.Unlock()

	// Failures are recorded in the run and retried on the next tick.
	_, _ = s.execute(ctx)
}

func (s *Scheduler) execute(ctx context.Context) (domain.Run, error) {
	s.mu.Lock()
	s.state = domain.RunStatusRunning
	s.mu.Unlock()

	run, err := s.runner.Run(ctx)

	s.mu.Lock()
	s.state = domain.RunStatusIdle
	s.lastRun = &run
	if err == nil {
		s.cursor = run.CursorTo
	}
	s.mu.Unlock()

	return run, err
}

func (s *Scheduler) reapplyTick() {
	ctx := s.runContext()
	log := logger.FromContext(ctx)
	if ctx.Err() != nil {
		return
	}

	// Waits for an active run rather than skipping; overlapping passes of
	// this job are already skipped by the cron chain.
	s.runLock.Lock()
	defer s.runLock.Unlock()

	if _, err := s.opts.Reapplier.ReapplyRules(ctx); err != nil {
		log.Error().Err(err).Msg("Rule re-application failed")
	}
}
