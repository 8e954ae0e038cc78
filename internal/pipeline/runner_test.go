package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/infra/memory"
	"github.com/dvloznov/finance-pipeline/internal/landing"
	"github.com/dvloznov/finance-pipeline/internal/logger"
	"github.com/dvloznov/finance-pipeline/internal/model"
	"github.com/dvloznov/finance-pipeline/internal/objectstore"
	"github.com/dvloznov/finance-pipeline/internal/pipeline"
	"github.com/dvloznov/finance-pipeline/internal/rules"
	"github.com/dvloznov/finance-pipeline/internal/runs"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

var testPatterns = []rules.Pattern{{Pattern: "amazon", Category: "ONLINE_SHOPPING"}}

func testContext() context.Context {
	var buf bytes.Buffer
	return logger.WithContext(context.Background(), logger.NewWithWriter(&buf))
}

func row(date, account, amount, txType, merchant string) []string {
	return []string{date, account, amount, txType, "", "", merchant, "NY", "USD", "OK", "web", ""}
}

func newRunner(store *memory.Store) *pipeline.Runner {
	return pipeline.NewRunner(store, pipeline.Options{
		Name:     "transactions",
		Workers:  4,
		Patterns: testPatterns,
	})
}

func TestRunner_ExamplePurchase(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	_, err := store.Append(ctx, "batch.csv", [][]string{row("2024-01-05", "A1", "100.50", "purchase", "Amazon")})
	require.NoError(t, err)

	run, err := newRunner(store).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.Equal(t, int64(0), run.CursorFrom)
	assert.Equal(t, int64(1), run.CursorTo)
	assert.Equal(t, 1, run.Counts.Facts)

	stagingRows, err := store.ListStaging(ctx)
	require.NoError(t, err)
	require.Len(t, stagingRows, 1)
	assert.Equal(t, "100.5", stagingRows[0].Amount.Decimal.String())
	assert.Equal(t, "purchase", stagingRows[0].TransactionType)

	facts, err := store.ListFacts(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "PURCHASE", facts[0].TransactionType)
	assert.Equal(t, "ONLINE_SHOPPING", facts[0].Category)

	cursor, err := store.LoadCursor(ctx, "transactions")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)
}

func TestRunner_NegativeAmountIsFiltered(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	runner := newRunner(store)

	_, err := store.Append(ctx, "a.csv", [][]string{row("2024-01-05", "A1", "10.00", "purchase", "Shop")})
	require.NoError(t, err)
	_, err = runner.Run(ctx)
	require.NoError(t, err)

	_, err = store.Append(ctx, "b.csv", [][]string{row("2024-01-06", "A1", "-5.00", "refund", "Shop")})
	require.NoError(t, err)
	run, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.Filtered)
	assert.Equal(t, 0, run.Counts.Facts)

	stagingRows, err := store.ListStaging(ctx)
	require.NoError(t, err)
	require.Len(t, stagingRows, 2)
	assert.True(t, stagingRows[1].Amount.Decimal.IsNegative())

	facts, err := store.ListFacts(ctx)
	require.NoError(t, err)
	assert.Len(t, facts, 1)

	rejected, err := store.ListRejected(ctx)
	require.NoError(t, err)
	assert.Empty(t, rejected)
}

func TestRunner_QuarantineKeepsFilteredRows(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	runner := pipeline.NewRunner(store, pipeline.Options{Name: "transactions", Quarantine: true})

	_, err := store.Append(ctx, "a.csv", [][]string{row("2024-01-06", "A1", "-5.00", "refund", "Shop")})
	require.NoError(t, err)
	_, err = runner.Run(ctx)
	require.NoError(t, err)

	rejected, err := store.ListRejected(ctx)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, rules.RuleFilterNonPositive, rejected[0].Rule)
	assert.Equal(t, int64(1), rejected[0].Fact.SeqID)
}

func TestRunner_UnparseableDateStillFlows(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	_, err := store.Append(ctx, "a.csv", [][]string{row("not-a-date", "A1", "12.00", "purchase", "Shop")})
	require.NoError(t, err)

	run, err := newRunner(store).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.Malformed)

	facts, err := store.ListFacts(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.False(t, facts[0].TransactionDate.Valid)
}

func TestRunner_OutOfRangeAmountDoesNotBlockCommit(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	_, err := store.Append(ctx, "a.csv", [][]string{
		row("2024-01-05", "A1", "100.50", "purchase", "Amazon"),
		row("2024-01-05", "A1", "1e40", "purchase", "Amazon"),
	})
	require.NoError(t, err)

	run, err := newRunner(store).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.Equal(t, int64(2), run.CursorTo)
	assert.Equal(t, 1, run.Counts.Malformed)

	facts, err := store.ListFacts(ctx)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "100.5", facts[0].Amount.Decimal.String())
	assert.False(t, facts[1].Amount.Valid)
}

func TestRunner_EmptyDeltaSucceeds(t *testing.T) {
	ctx := testContext()
	store := memory.New()

	run, err := newRunner(store).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.Equal(t, domain.RowCounts{}, run.Counts)
	assert.Equal(t, int64(0), run.CursorTo)

	recorded, err := store.ListRuns(ctx, runs.Filter{})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, domain.RunStatusSucceeded, recorded[0].Status)
}

func TestRunner_NoRowProcessedTwice(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	runner := newRunner(store)

	_, err := store.Append(ctx, "a.csv", [][]string{
		row("2024-01-05", "A1", "1", "purchase", "Amazon"),
		row("2024-01-05", "A2", "2", "purchase", "Tesco"),
	})
	require.NoError(t, err)
	first, err := runner.Run(ctx)
	require.NoError(t, err)

	_, err = store.Append(ctx, "b.csv", [][]string{row("2024-01-06", "A1", "3", "purchase", "Amazon")})
	require.NoError(t, err)
	second, err := runner.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, first.Counts.Raw)
	assert.Equal(t, 1, second.Counts.Raw)
	assert.Equal(t, first.CursorTo, second.CursorFrom)

	facts, err := store.ListFacts(ctx)
	require.NoError(t, err)
	assert.Len(t, facts, 3)

	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}

func TestRunner_ReferentialIntegrity(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	_, err := store.Append(ctx, "a.csv", [][]string{
		row("2024-01-05", "A1", "1", "purchase", "Amazon"),
		row("2024-01-05", "", "2", "purchase", ""),
		{"2024-01-05", "A3", "4"},
	})
	require.NoError(t, err)

	_, err = newRunner(store).Run(ctx)
	require.NoError(t, err)

	accounts, _ := store.ListAccounts(ctx)
	merchants, _ := store.ListMerchants(ctx)
	facts, _ := store.ListFacts(ctx)

	accountIDs := make(map[string]bool)
	for _, a := range accounts {
		accountIDs[a.AccountID] = true
	}
	merchantKeys := make(map[domain.MerchantKey]bool)
	for _, m := range merchants {
		merchantKeys[m.Key()] = true
	}
	require.Len(t, facts, 3)
	for _, f := range facts {
		assert.True(t, accountIDs[f.AccountID], "account %q", f.AccountID)
		assert.True(t, merchantKeys[f.MerchantKey()], "merchant %+v", f.MerchantKey())
	}
}

func TestRunner_FailureAfterDimensionsIsAtomic(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	runner := newRunner(store)

	_, err := store.Append(ctx, "a.csv", [][]string{row("2024-01-05", "A1", "1", "purchase", "Amazon")})
	require.NoError(t, err)

	store.FailCommitAt(memory.StepMerchants, errors.New("storage unavailable"))
	run, err := runner.Run(ctx)
	require.Error(t, err)
	var writeErr *warehouse.WriteError
	assert.ErrorAs(t, err, &writeErr)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "storage unavailable")

	accounts, _ := store.ListAccounts(ctx)
	assert.Empty(t, accounts)
	facts, _ := store.ListFacts(ctx)
	assert.Empty(t, facts)
	cursor, _ := store.LoadCursor(ctx, "transactions")
	assert.Equal(t, int64(0), cursor)

	recorded, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, recorded.Status)

	// The next run retries the same delta.
	store.FailCommitAt("", nil)
	retry, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Counts.Raw)
	facts, _ = store.ListFacts(ctx)
	assert.Len(t, facts, 1)
}

func TestRunner_CursorConflictWritesNothing(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	runner := newRunner(store)

	_, err := store.Append(ctx, "a.csv", [][]string{row("2024-01-05", "A1", "1", "purchase", "Amazon")})
	require.NoError(t, err)

	conflicting := &cursorMover{Store: store}
	_, err = pipeline.NewRunner(conflicting, pipeline.Options{Name: "transactions"}).Run(ctx)
	assert.ErrorIs(t, err, warehouse.ErrCursorConflict)

	facts, _ := store.ListFacts(ctx)
	assert.Empty(t, facts)

	// A normal run from the moved cursor sees nothing new.
	run, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Counts.Raw)
}

func TestRunner_CancelledRunIsStillMarkedFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext())
	store := &failureRecorder{Store: memory.New()}
	_, err := store.Append(ctx, "a.csv", [][]string{row("2024-01-05", "A1", "1", "purchase", "Amazon")})
	require.NoError(t, err)

	store.FailCommitAt(memory.StepFacts, errors.New("shutting down"))
	cancel()
	run, err := pipeline.NewRunner(store, pipeline.Options{Name: "transactions"}).Run(ctx)
	require.Error(t, err)

	require.True(t, store.called)
	assert.NoError(t, store.ctxErr)

	recorded, err := store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, recorded.Status)
}

// failureRecorder captures the context the failure bookkeeping runs with.
type failureRecorder struct {
	*memory.Store
	called bool
	ctxErr error
}

func (f *failureRecorder) MarkRunFailed(ctx context.Context, run domain.Run, runErr error) {
	f.called = true
	f.ctxErr = ctx.Err()
	f.Store.MarkRunFailed(ctx, run, runErr)
}

// cursorMover simulates another run committing between delta and commit.
type cursorMover struct {
	*memory.Store
}

func (c *cursorMover) Scan(ctx context.Context, sinceSeq int64, limit int) ([]domain.RawRecord, error) {
	recs, err := c.Store.Scan(ctx, sinceSeq, limit)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		last := recs[len(recs)-1].SeqID
		if err := c.Store.CompareAndSwapCursor(ctx, "transactions", sinceSeq, last); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func TestRunner_WarehouseRulesOverrideConfigured(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	store.SetCategoryRules([]rules.Pattern{{Pattern: "amazon", Category: "MARKETPLACE"}})

	_, err := store.Append(ctx, "a.csv", [][]string{row("2024-01-05", "A1", "1", "purchase", "Amazon EU")})
	require.NoError(t, err)
	_, err = newRunner(store).Run(ctx)
	require.NoError(t, err)

	facts, _ := store.ListFacts(ctx)
	require.Len(t, facts, 1)
	assert.Equal(t, "MARKETPLACE", facts[0].Category)
}

func TestRunner_LandsSourceFilesOnRun(t *testing.T) {
	ctx := testContext()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/landing/a.csv", []byte(
		"2024-01-05,A1,100.50,purchase,,,Amazon,NY,USD,OK,web,\n"), 0o644))

	store := memory.New()
	format := landing.DefaultFileFormat
	format.SkipHeader = 0
	runner := pipeline.NewRunner(store, pipeline.Options{
		Name:      "transactions",
		Patterns:  testPatterns,
		Loader:    landing.NewLoader(objectstore.NewLocalSource(fs), store, format),
		SourceURI: "/landing",
	})

	run, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.Facts)

	// The same file is not landed twice.
	run, err = runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Counts.Raw)
}

func TestRunner_ReapplyRulesQuarantine(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	runner := pipeline.NewRunner(store, pipeline.Options{Name: "transactions", Quarantine: true})

	batch := model.Build([]domain.StagingRecord{{
		SeqID:           1,
		AccountID:       "A1",
		Amount:          decimal.NewNullDecimal(decimal.NewFromInt(-2)),
		TransactionType: "REFUND",
		Merchant:        "Shop",
	}})
	require.NoError(t, store.CommitBatch(ctx, batch))

	result, err := runner.ReapplyRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Deleted)

	rejected, err := store.ListRejected(ctx)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, rules.RuleFilterNonPositive, rejected[0].Rule)
}

func TestRunner_ReapplyRules(t *testing.T) {
	ctx := testContext()
	store := memory.New()
	runner := newRunner(store)

	_, err := store.Append(ctx, "a.csv", [][]string{row("2024-01-05", "A1", "1", "purchase", "Amazon")})
	require.NoError(t, err)
	_, err = runner.Run(ctx)
	require.NoError(t, err)

	store.SetCategoryRules([]rules.Pattern{{Pattern: "amazon", Category: "MARKETPLACE"}})
	result, err := runner.ReapplyRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Categorized)

	facts, _ := store.ListFacts(ctx)
	require.Len(t, facts, 1)
	assert.Equal(t, "MARKETPLACE", facts[0].Category)
}
