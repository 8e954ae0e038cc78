package bigquery

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/model"
	"github.com/dvloznov/finance-pipeline/internal/rules"
	"github.com/dvloznov/finance-pipeline/internal/runs"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// Table names inside the dataset.
const (
	rawRecordsTable   = "raw_records"
	landedFilesTable  = "landed_files"
	cursorsTable      = "cursors"
	stagingTable      = "staging"
	dimAccountTable   = "dim_account"
	dimMerchantTable  = "dim_merchant"
	factsTable        = "fact_transactions"
	rejectedTable     = "fact_transactions_rejected"
	pipelineRunsTable = "pipeline_runs"
	categoryRuleTable = "category_rules"
)

// Dataset locates the warehouse tables.
type Dataset struct {
	ProjectID string
	DatasetID string
}

// Table returns the fully qualified, quoted name of a table.
func (d Dataset) Table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", d.ProjectID, d.DatasetID, name)
}

// expand replaces {{table}} placeholders in sql with qualified table names.
func (d Dataset) expand(sql string) string {
	return strings.NewReplacer(
		"{{raw_records}}", d.Table(rawRecordsTable),
		"{{landed_files}}", d.Table(landedFilesTable),
		"{{cursors}}", d.Table(cursorsTable),
		"{{staging}}", d.Table(stagingTable),
		"{{dim_account}}", d.Table(dimAccountTable),
		"{{dim_merchant}}", d.Table(dimMerchantTable),
		"{{fact_transactions}}", d.Table(factsTable),
		"{{fact_transactions_rejected}}", d.Table(rejectedTable),
		"{{pipeline_runs}}", d.Table(pipelineRunsTable),
		"{{category_rules}}", d.Table(categoryRuleTable),
	).Replace(sql)
}

// Store is the BigQuery warehouse. It holds a shared BigQuery client to
// avoid creating a new connection for each operation.
type Store struct {
	client *bigquery.Client
	ds     Dataset

	// appendMu serializes raw appends from this process; concurrent
	// appends from other processes abort on the transaction conflict.
	appendMu sync.Mutex
}

// NewStore creates a Store with its own client.
func NewStore(ctx context.Context, ds Dataset) (*Store, error) {
	client, err := bigquery.NewClient(ctx, ds.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("NewStore: creating client: %w", err)
	}
	return NewStoreWithClient(client, ds), nil
}

// NewStoreWithClient creates a Store on an existing client.
func NewStoreWithClient(client *bigquery.Client, ds Dataset) *Store {
	return &Store{client: client, ds: ds}
}

// Close closes the BigQuery client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Append delegates to AppendRawWithClient with the shared client.
func (s *Store) Append(ctx context.Context, sourceFile string, rows [][]string) ([]int64, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	return AppendRawWithClient(ctx, s.client, s.ds, sourceFile, rows)
}

// Scan delegates to ScanRawWithClient with the shared client.
func (s *Store) Scan(ctx context.Context, sinceSeq int64, limit int) ([]domain.RawRecord, error) {
	return ScanRawWithClient(ctx, s.client, s.ds, sinceSeq, limit)
}

// FindLandedFile delegates to FindLandedFileWithClient with the shared client.
func (s *Store) FindLandedFile(ctx context.Context, checksum string) (*warehouse.LandedFile, error) {
	return FindLandedFileWithClient(ctx, s.client, s.ds, checksum)
}

// RecordLandedFile delegates to RecordLandedFileWithClient with the shared client.
func (s *Store) RecordLandedFile(ctx context.Context, f warehouse.LandedFile) error {
	return RecordLandedFileWithClient(ctx, s.client, s.ds, f)
}

// LoadCursor delegates to LoadCursorWithClient with the shared client.
func (s *Store) LoadCursor(ctx context.Context, name string) (int64, error) {
	return LoadCursorWithClient(ctx, s.client, s.ds, name)
}

// CompareAndSwapCursor delegates to CompareAndSwapCursorWithClient with the shared client.
func (s *Store) CompareAndSwapCursor(ctx context.Context, name string, from, to int64) error {
	return CompareAndSwapCursorWithClient(ctx, s.client, s.ds, name, from, to)
}

// CommitBatch delegates to CommitBatchWithClient with the shared client.
func (s *Store) CommitBatch(ctx context.Context, batch model.Batch) error {
	return CommitBatchWithClient(ctx, s.client, s.ds, batch)
}

// ListStaging delegates to ListStagingWithClient with the shared client.
func (s *Store) ListStaging(ctx context.Context) ([]domain.StagingRecord, error) {
	return ListStagingWithClient(ctx, s.client, s.ds)
}

// ListAccounts delegates to ListAccountsWithClient with the shared client.
func (s *Store) ListAccounts(ctx context.Context) ([]domain.DimensionAccount, error) {
	return ListAccountsWithClient(ctx, s.client, s.ds)
}

// ListMerchants delegates to ListMerchantsWithClient with the shared client.
func (s *Store) ListMerchants(ctx context.Context) ([]domain.DimensionMerchant, error) {
	return ListMerchantsWithClient(ctx, s.client, s.ds)
}

// ListFacts delegates to ListFactsWithClient with the shared client.
func (s *Store) ListFacts(ctx context.Context) ([]domain.FactTransaction, error) {
	return ListFactsWithClient(ctx, s.client, s.ds)
}

// ListRejected delegates to ListRejectedWithClient with the shared client.
func (s *Store) ListRejected(ctx context.Context) ([]domain.RejectedFact, error) {
	return ListRejectedWithClient(ctx, s.client, s.ds)
}

// StartRun delegates to StartRunWithClient with the shared client.
func (s *Store) StartRun(ctx context.Context, run domain.Run) error {
	return StartRunWithClient(ctx, s.client, s.ds, run)
}

// MarkRunSucceeded delegates to MarkRunSucceededWithClient with the shared client.
func (s *Store) MarkRunSucceeded(ctx context.Context, run domain.Run) error {
	return MarkRunSucceededWithClient(ctx, s.client, s.ds, run)
}

// MarkRunFailed delegates to MarkRunFailedWithClient with the shared client.
func (s *Store) MarkRunFailed(ctx context.Context, run domain.Run, runErr error) {
	MarkRunFailedWithClient(ctx, s.client, s.ds, run, runErr)
}

// GetRun delegates to GetRunWithClient with the shared client.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return GetRunWithClient(ctx, s.client, s.ds, runID)
}

// ListRuns delegates to ListRunsWithClient with the shared client.
func (s *Store) ListRuns(ctx context.Context, filter runs.Filter) ([]domain.Run, error) {
	return ListRunsWithClient(ctx, s.client, s.ds, filter)
}

// ListCategoryRules delegates to ListCategoryRulesWithClient with the shared client.
func (s *Store) ListCategoryRules(ctx context.Context) ([]rules.Pattern, error) {
	return ListCategoryRulesWithClient(ctx, s.client, s.ds)
}

// ReapplyRules delegates to ReapplyRulesWithClient with the shared client.
func (s *Store) ReapplyRules(ctx context.Context, patterns []rules.Pattern, quarantine bool) (warehouse.ReapplyResult, error) {
	return ReapplyRulesWithClient(ctx, s.client, s.ds, patterns, quarantine)
}

// Ensure Store implements warehouse.Warehouse interface.
var _ warehouse.Warehouse = (*Store)(nil)
