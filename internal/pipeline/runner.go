package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-pipeline/internal/changetracker"
	"github.com/dvloznov/finance-pipeline/internal/config"
	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/landing"
	"github.com/dvloznov/finance-pipeline/internal/logger"
	"github.com/dvloznov/finance-pipeline/internal/rules"
	"github.com/dvloznov/finance-pipeline/internal/runs"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// Store is the part of the warehouse a run needs.
type Store interface {
	warehouse.RawLog
	warehouse.CursorStore
	warehouse.ModelWriter
	warehouse.RuleSource
	warehouse.RuleReapplier
	warehouse.RunLog
}

// Options configures a Runner.
type Options struct {
	Name       string
	BatchLimit int
	Workers    int
	Quarantine bool
	// Patterns are used when the warehouse holds no category rules.
	Patterns []rules.Pattern
	// Loader and SourceURI, when both set, land new files at the start of every run.
	Loader    *landing.Loader
	SourceURI string
}

// OptionsFromConfig builds runner options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	patterns := make([]rules.Pattern, len(cfg.Rules.CategoryPatterns))
	for i, p := range cfg.Rules.CategoryPatterns {
		patterns[i] = rules.Pattern{Pattern: p.Pattern, Category: p.Category}
	}
	return Options{
		Name:       cfg.Pipeline.Name,
		BatchLimit: cfg.Pipeline.BatchLimit,
		Workers:    cfg.Pipeline.Workers,
		Quarantine: cfg.Rules.Quarantine,
		Patterns:   patterns,
	}
}

// Runner executes pipeline runs and records them in the run log.
type Runner struct {
	store   Store
	opts    Options
	tracker *changetracker.Tracker
}

// NewRunner creates a runner over store.
func NewRunner(store Store, opts Options) *Runner {
	if opts.Name == "" {
		opts.Name = config.DefaultPipelineName
	}
	return &Runner{
		store:   store,
		opts:    opts,
		tracker: changetracker.New(store, store, opts.Name, opts.BatchLimit),
	}
}

// Name returns the pipeline (cursor) name.
func (r *Runner) Name() string {
	return r.opts.Name
}

// Tracker returns the change tracker of the pipeline.
func (r *Runner) Tracker() *changetracker.Tracker {
	return r.tracker
}

func (r *Runner) newPipeline() *Pipeline {
	var steps []PipelineStep
	if r.opts.Loader != nil && r.opts.SourceURI != "" {
		steps = append(steps, &LandStep{Loader: r.opts.Loader, URI: r.opts.SourceURI})
	}
	steps = append(steps,
		&LoadRulesStep{Source: r.store, Defaults: r.opts.Patterns},
		&ComputeDeltaStep{Tracker: r.tracker},
		&StageStep{Workers: r.opts.Workers},
		&BuildModelStep{},
		&ApplyRulesStep{Quarantine: r.opts.Quarantine},
		&CommitStep{Writer: r.store, Tracker: r.tracker},
	)
	return NewPipeline(steps...)
}

// Run executes one incremental run: compute the delta, stage it, build the
// model, apply rules and commit atomically with the cursor advance. A failed
// run leaves the cursor unchanged and returns the run with status failed.
func (r *Runner) Run(ctx context.Context) (domain.Run, error) {
	started := time.Now()

	run := runs.NewRun(r.opts.Name, 0)
	if cursor, err := r.tracker.Cursor(ctx); err == nil {
		run.CursorFrom = cursor
		run.CursorTo = cursor
	}

	log := logger.WithFields(logger.FromContext(ctx), map[string]interface{}{
		"run_id":   run.RunID,
		"pipeline": r.opts.Name,
	})
	ctx = logger.WithContext(ctx, log)

	if err := r.store.StartRun(ctx, run); err != nil {
		return run, fmt.Errorf("Run: starting run: %w", err)
	}
	log.Info().Int64("cursor", run.CursorFrom).Msg("Run started")

	state := &PipelineState{}
	err := r.newPipeline().Execute(ctx, state)

	run.Counts = state.Counts
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	runDuration.WithLabelValues(r.opts.Name).Observe(time.Since(started).Seconds())

	// Bookkeeping outlives a cancelled run so the run row never stays running.
	bookCtx := context.WithoutCancel(ctx)

	if err != nil {
		run.Status = domain.RunStatusFailed
		run.Error = runs.ErrorMessage(err)
		r.store.MarkRunFailed(bookCtx, run, err)
		runsTotal.WithLabelValues(r.opts.Name, string(domain.RunStatusFailed)).Inc()

		log.Error().Err(err).Msg("Run failed")
		return run, fmt.Errorf("Run: %w", err)
	}

	run.CursorFrom = state.Delta.Base
	run.CursorTo = state.Delta.Max
	run.Status = domain.RunStatusSucceeded
	if err := r.store.MarkRunSucceeded(bookCtx, run); err != nil {
		// The batch is committed; only the bookkeeping is missing.
		log.Error().Err(err).Msg("Run: marking run succeeded")
	}

	runsTotal.WithLabelValues(r.opts.Name, string(domain.RunStatusSucceeded)).Inc()
	cursorGauge.WithLabelValues(r.opts.Name).Set(float64(run.CursorTo))
	recordRows(r.opts.Name, state)

	log.Info().
		Int64("cursor_from", run.CursorFrom).
		Int64("cursor_to", run.CursorTo).
		Int("raw", run.Counts.Raw).
		Int("facts", run.Counts.Facts).
		Int("filtered", run.Counts.Filtered).
		Int("malformed_fields", run.Counts.Malformed).
		Int("files_landed", state.Landing.FilesLanded).
		Msg("Run succeeded")

	return run, nil
}

func recordRows(name string, state *PipelineState) {
	rowsTotal.WithLabelValues(name, "landed").Add(float64(state.Landing.RowsLanded))
	rowsTotal.WithLabelValues(name, "landing_rejected").Add(float64(state.Landing.RowsRejected))
	rowsTotal.WithLabelValues(name, "raw").Add(float64(state.Counts.Raw))
	rowsTotal.WithLabelValues(name, "staged").Add(float64(state.Counts.Staged))
	rowsTotal.WithLabelValues(name, "malformed_fields").Add(float64(state.Counts.Malformed))
	rowsTotal.WithLabelValues(name, "facts").Add(float64(state.Counts.Facts))
	rowsTotal.WithLabelValues(name, "filtered").Add(float64(state.Counts.Filtered))
}

// ReapplyRules runs the catch-up rule pass over committed facts using the
// same patterns and quarantine setting a run would use.
func (r *Runner) ReapplyRules(ctx context.Context) (warehouse.ReapplyResult, error) {
	log := logger.FromContext(ctx)

	patterns, err := loadPatterns(ctx, r.store, r.opts.Patterns)
	if err != nil {
		return warehouse.ReapplyResult{}, fmt.Errorf("ReapplyRules: %w", err)
	}

	result, err := r.store.ReapplyRules(ctx, patterns, r.opts.Quarantine)
	if err != nil {
		return result, fmt.Errorf("ReapplyRules: %w", err)
	}

	reappliedRowsTotal.WithLabelValues(r.opts.Name, rules.RuleFilterNonPositive).Add(float64(result.Deleted))
	reappliedRowsTotal.WithLabelValues(r.opts.Name, rules.RuleNormalizeType).Add(float64(result.Normalized))
	reappliedRowsTotal.WithLabelValues(r.opts.Name, rules.RuleClassifyMerchant).Add(float64(result.Categorized))

	log.Info().
		Int64("deleted", result.Deleted).
		Int64("normalized", result.Normalized).
		Int64("categorized", result.Categorized).
		Msg("Rules re-applied to historical facts")
	return result, nil
}
