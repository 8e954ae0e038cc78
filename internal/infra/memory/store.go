package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/model"
	"github.com/dvloznov/finance-pipeline/internal/rules"
	runsmem "github.com/dvloznov/finance-pipeline/internal/runs/inmemory"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// Commit steps, in the order CommitBatch applies them.
const (
	StepCursor    = "cursor"
	StepStaging   = "staging"
	StepAccounts  = "accounts"
	StepMerchants = "merchants"
	StepFacts     = "facts"
	StepRejected  = "rejected"
)

// Store is an in-process warehouse. Commits build a private copy of the
// model tables and publish it only when every step succeeded, so readers
// never observe a partial batch. It is safe for concurrent use.
type Store struct {
	*runsmem.Store

	mu      sync.RWMutex
	raw     []domain.RawRecord
	nextSeq int64
	landed  map[string]warehouse.LandedFile
	cursors map[string]int64
	tables  *tables
	rules   []rules.Pattern

	// failAt, when set, is consulted after every commit step.
	failAt func(step string) error
}

type tables struct {
	staging   []domain.StagingRecord
	stagedSeq map[int64]struct{}
	accounts  []domain.DimensionAccount
	accountID map[string]struct{}
	merchants []domain.DimensionMerchant
	merchant  map[domain.MerchantKey]struct{}
	facts     []domain.FactTransaction
	factSeq   map[int64]struct{}
	rejected  []domain.RejectedFact
	rejectSeq map[int64]struct{}
}

func newTables() *tables {
	return &tables{
		stagedSeq: make(map[int64]struct{}),
		accountID: make(map[string]struct{}),
		merchant:  make(map[domain.MerchantKey]struct{}),
		factSeq:   make(map[int64]struct{}),
		rejectSeq: make(map[int64]struct{}),
	}
}

func (t *tables) clone() *tables {
	c := &tables{
		staging:   append([]domain.StagingRecord(nil), t.staging...),
		stagedSeq: make(map[int64]struct{}, len(t.stagedSeq)),
		accounts:  append([]domain.DimensionAccount(nil), t.accounts...),
		accountID: make(map[string]struct{}, len(t.accountID)),
		merchants: append([]domain.DimensionMerchant(nil), t.merchants...),
		merchant:  make(map[domain.MerchantKey]struct{}, len(t.merchant)),
		facts:     append([]domain.FactTransaction(nil), t.facts...),
		factSeq:   make(map[int64]struct{}, len(t.factSeq)),
		rejected:  append([]domain.RejectedFact(nil), t.rejected...),
		rejectSeq: make(map[int64]struct{}, len(t.rejectSeq)),
	}
	for k := range t.stagedSeq {
		c.stagedSeq[k] = struct{}{}
	}
	for k := range t.accountID {
		c.accountID[k] = struct{}{}
	}
	for k := range t.merchant {
		c.merchant[k] = struct{}{}
	}
	for k := range t.factSeq {
		c.factSeq[k] = struct{}{}
	}
	for k := range t.rejectSeq {
		c.rejectSeq[k] = struct{}{}
	}
	return c
}

// New creates an empty store.
func New() *Store {
	return &Store{
		Store:   runsmem.NewStore(),
		landed:  make(map[string]warehouse.LandedFile),
		cursors: make(map[string]int64),
		tables:  newTables(),
	}
}

// FailCommitAt makes the next commits fail with err right after step has
// been applied to the private copy. A nil err clears the hook.
func (s *Store) FailCommitAt(step string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.failAt = nil
		return
	}
	s.failAt = func(current string) error {
		if current == step {
			return err
		}
		return nil
	}
}

// SetCategoryRules replaces the warehouse-maintained category patterns.
func (s *Store) SetCategoryRules(patterns []rules.Pattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append([]rules.Pattern(nil), patterns...)
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Append implements warehouse.RawLog.
func (s *Store) Append(ctx context.Context, sourceFile string, rows [][]string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("Append: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	ids := make([]int64, len(rows))
	for i, row := range rows {
		s.nextSeq++
		ids[i] = s.nextSeq
		s.raw = append(s.raw, domain.RawRecord{
			SeqID:      s.nextSeq,
			Fields:     append([]string(nil), row...),
			IngestedAt: now,
			SourceFile: sourceFile,
		})
	}
	return ids, nil
}

// Scan implements warehouse.RawLog.
func (s *Store) Scan(ctx context.Context, sinceSeq int64, limit int) ([]domain.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("Scan: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// raw is ordered by SeqID.
	start := sort.Search(len(s.raw), func(i int) bool { return s.raw[i].SeqID > sinceSeq })
	end := len(s.raw)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]domain.RawRecord, 0, end-start)
	for _, r := range s.raw[start:end] {
		r.Fields = append([]string(nil), r.Fields...)
		out = append(out, r)
	}
	return out, nil
}

// FindLandedFile implements warehouse.LandedFiles.
func (s *Store) FindLandedFile(ctx context.Context, checksum string) (*warehouse.LandedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.landed[checksum]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

// RecordLandedFile implements warehouse.LandedFiles.
func (s *Store) RecordLandedFile(ctx context.Context, f warehouse.LandedFile) error {
	if f.Checksum == "" {
		return fmt.Errorf("RecordLandedFile: checksum is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.landed[f.Checksum] = f
	return nil
}

// LoadCursor implements warehouse.CursorStore.
func (s *Store) LoadCursor(ctx context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[name], nil
}

// CompareAndSwapCursor implements warehouse.CursorStore.
func (s *Store) CompareAndSwapCursor(ctx context.Context, name string, from, to int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return casCursor(s.cursors, name, from, to)
}

func casCursor(cursors map[string]int64, name string, from, to int64) error {
	if to < from {
		return fmt.Errorf("cursor %q cannot move backwards from %d to %d", name, from, to)
	}
	if current := cursors[name]; current != from {
		return fmt.Errorf("cursor %q is %d, expected %d: %w", name, current, from, warehouse.ErrCursorConflict)
	}
	cursors[name] = to
	return nil
}

// CommitBatch implements warehouse.ModelWriter.
func (s *Store) CommitBatch(ctx context.Context, batch model.Batch) error {
	if err := ctx.Err(); err != nil {
		return &warehouse.WriteError{Op: "begin", Err: err}
	}
	if err := batch.Validate(); err != nil {
		return &warehouse.WriteError{Op: "validate", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cursors := make(map[string]int64, len(s.cursors))
	for k, v := range s.cursors {
		cursors[k] = v
	}
	if batch.Cursor.Name != "" {
		if err := casCursor(cursors, batch.Cursor.Name, batch.Cursor.From, batch.Cursor.To); err != nil {
			return fmt.Errorf("CommitBatch: %w", err)
		}
	}
	if err := s.checkStep(StepCursor); err != nil {
		return err
	}

	next := s.tables.clone()

	for _, r := range batch.Staging {
		if _, seen := next.stagedSeq[r.SeqID]; seen {
			continue
		}
		next.stagedSeq[r.SeqID] = struct{}{}
		next.staging = append(next.staging, r)
	}
	if err := s.checkStep(StepStaging); err != nil {
		return err
	}

	for _, a := range batch.Accounts {
		if _, seen := next.accountID[a.AccountID]; seen {
			continue
		}
		next.accountID[a.AccountID] = struct{}{}
		next.accounts = append(next.accounts, a)
	}
	if err := s.checkStep(StepAccounts); err != nil {
		return err
	}

	for _, m := range batch.Merchants {
		if _, seen := next.merchant[m.Key()]; seen {
			continue
		}
		next.merchant[m.Key()] = struct{}{}
		next.merchants = append(next.merchants, m)
	}
	if err := s.checkStep(StepMerchants); err != nil {
		return err
	}

	for _, f := range batch.Facts {
		if _, seen := next.factSeq[f.SeqID]; seen {
			continue
		}
		next.factSeq[f.SeqID] = struct{}{}
		next.facts = append(next.facts, f)
	}
	if err := s.checkStep(StepFacts); err != nil {
		return err
	}

	for _, r := range batch.Rejected {
		if _, seen := next.rejectSeq[r.Fact.SeqID]; seen {
			continue
		}
		next.rejectSeq[r.Fact.SeqID] = struct{}{}
		next.rejected = append(next.rejected, r)
	}
	if err := s.checkStep(StepRejected); err != nil {
		return err
	}

	s.tables = next
	s.cursors = cursors
	return nil
}

func (s *Store) checkStep(step string) error {
	if s.failAt == nil {
		return nil
	}
	if err := s.failAt(step); err != nil {
		return &warehouse.WriteError{Op: step, Err: err}
	}
	return nil
}

// ListStaging implements warehouse.ModelReader.
func (s *Store) ListStaging(ctx context.Context) ([]domain.StagingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.StagingRecord(nil), s.tables.staging...), nil
}

// ListAccounts implements warehouse.ModelReader.
func (s *Store) ListAccounts(ctx context.Context) ([]domain.DimensionAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.DimensionAccount(nil), s.tables.accounts...), nil
}

// ListMerchants implements warehouse.ModelReader.
func (s *Store) ListMerchants(ctx context.Context) ([]domain.DimensionMerchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.DimensionMerchant(nil), s.tables.merchants...), nil
}

// ListFacts implements warehouse.ModelReader.
func (s *Store) ListFacts(ctx context.Context) ([]domain.FactTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.FactTransaction(nil), s.tables.facts...), nil
}

// ListRejected implements warehouse.ModelReader.
func (s *Store) ListRejected(ctx context.Context) ([]domain.RejectedFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.RejectedFact(nil), s.tables.rejected...), nil
}

// ListCategoryRules implements warehouse.RuleSource.
func (s *Store) ListCategoryRules(ctx context.Context) ([]rules.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]rules.Pattern(nil), s.rules...), nil
}

// ReapplyRules implements warehouse.RuleReapplier. Filtered facts are removed
// from the fact table, and kept in the quarantine table when quarantine is set.
func (s *Store) ReapplyRules(ctx context.Context, patterns []rules.Pattern, quarantine bool) (warehouse.ReapplyResult, error) {
	if err := ctx.Err(); err != nil {
		return warehouse.ReapplyResult{}, fmt.Errorf("ReapplyRules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	outcome := rules.NewEngine(patterns).Apply(s.tables.facts)

	next := s.tables.clone()
	next.facts = outcome.Kept
	for _, r := range outcome.Rejected {
		delete(next.factSeq, r.Fact.SeqID)
		if !quarantine {
			continue
		}
		if _, seen := next.rejectSeq[r.Fact.SeqID]; seen {
			continue
		}
		next.rejectSeq[r.Fact.SeqID] = struct{}{}
		next.rejected = append(next.rejected, r)
	}
	s.tables = next

	return warehouse.ReapplyResult{
		Deleted:     int64(outcome.Changed[rules.RuleFilterNonPositive]),
		Normalized:  int64(outcome.Changed[rules.RuleNormalizeType]),
		Categorized: int64(outcome.Changed[rules.RuleClassifyMerchant]),
	}, nil
}

// Ensure Store implements warehouse.Warehouse interface.
var _ warehouse.Warehouse = (*Store)(nil)
