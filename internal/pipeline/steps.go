package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-pipeline/internal/changetracker"
	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/landing"
	"github.com/dvloznov/finance-pipeline/internal/logger"
	"github.com/dvloznov/finance-pipeline/internal/model"
	"github.com/dvloznov/finance-pipeline/internal/rules"
	"github.com/dvloznov/finance-pipeline/internal/staging"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// PipelineStep represents a single step of a run.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Landing  landing.Report
	Patterns []rules.Pattern
	Delta    changetracker.Delta
	Staged   staging.Result
	Batch    model.Batch
	Outcome  rules.Outcome
	Counts   domain.RowCounts
}

// LandStep lands new source files before the delta is computed.
type LandStep struct {
	Loader *landing.Loader
	URI    string
}

func (s *LandStep) Execute(ctx context.Context, state *PipelineState) error {
	report, err := s.Loader.LandPrefix(ctx, s.URI)
	if err != nil {
		return fmt.Errorf("LandStep: %w", err)
	}
	state.Landing = report
	return nil
}

// LoadRulesStep picks the category patterns for this run. Patterns stored in
// the warehouse take precedence over the configured defaults.
type LoadRulesStep struct {
	Source   warehouse.RuleSource
	Defaults []rules.Pattern
}

func (s *LoadRulesStep) Execute(ctx context.Context, state *PipelineState) error {
	patterns, err := loadPatterns(ctx, s.Source, s.Defaults)
	if err != nil {
		return fmt.Errorf("LoadRulesStep: %w", err)
	}
	state.Patterns = patterns
	return nil
}

func loadPatterns(ctx context.Context, source warehouse.RuleSource, defaults []rules.Pattern) ([]rules.Pattern, error) {
	if source == nil {
		return defaults, nil
	}
	stored, err := source.ListCategoryRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing category rules: %w", err)
	}
	if len(stored) == 0 {
		return defaults, nil
	}
	return stored, nil
}

// ComputeDeltaStep reads the raw rows beyond the committed cursor.
type ComputeDeltaStep struct {
	Tracker *changetracker.Tracker
}

func (s *ComputeDeltaStep) Execute(ctx context.Context, state *PipelineState) error {
	delta, err := s.Tracker.Delta(ctx)
	if err != nil {
		return fmt.Errorf("ComputeDeltaStep: %w", err)
	}
	state.Delta = delta
	state.Counts.Raw = len(delta.Records)
	return nil
}

// StageStep coerces the delta into typed staging records.
type StageStep struct {
	Workers int
}

func (s *StageStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)

	state.Staged = staging.TransformAll(state.Delta.Records, s.Workers)
	state.Counts.Staged = len(state.Staged.Records)
	state.Counts.Malformed = len(state.Staged.FieldErrors)

	for _, fe := range state.Staged.FieldErrors {
		log.Debug().
			Int64("seq_id", fe.SeqID).
			Str("field", fe.Field).
			Str("value", fe.Value).
			Msg("Malformed field set to null")
	}
	return nil
}

// BuildModelStep derives dimension and fact rows from the staging records.
type BuildModelStep struct{}

func (s *BuildModelStep) Execute(ctx context.Context, state *PipelineState) error {
	state.Batch = model.Build(state.Staged.Records)
	state.Counts.Accounts = len(state.Batch.Accounts)
	state.Counts.Merchants = len(state.Batch.Merchants)
	return nil
}

// ApplyRulesStep runs the business rules over the batch facts. With
// Quarantine set, filtered facts are kept in the batch's rejected rows.
type ApplyRulesStep struct {
	Quarantine bool
}

func (s *ApplyRulesStep) Execute(ctx context.Context, state *PipelineState) error {
	outcome := rules.NewEngine(state.Patterns).Apply(state.Batch.Facts)
	state.Outcome = outcome
	state.Batch.Facts = outcome.Kept
	if s.Quarantine {
		state.Batch.Rejected = outcome.Rejected
	}

	state.Counts.Facts = len(outcome.Kept)
	state.Counts.Filtered = outcome.Changed[rules.RuleFilterNonPositive]
	state.Counts.Normalized = outcome.Changed[rules.RuleNormalizeType]
	state.Counts.Categorized = outcome.Changed[rules.RuleClassifyMerchant]
	return nil
}

// CommitStep writes the batch and advances the cursor in one transaction.
// An empty delta commits nothing and leaves the cursor where it is.
type CommitStep struct {
	Writer  warehouse.ModelWriter
	Tracker *changetracker.Tracker
}

func (s *CommitStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.Delta.Empty() {
		return nil
	}

	state.Batch.Cursor = s.Tracker.CursorAdvance(state.Delta)
	if err := s.Writer.CommitBatch(ctx, state.Batch); err != nil {
		return fmt.Errorf("CommitStep: %w", err)
	}
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline cancelled before step %d: %w", i+1, err)
		}
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}
