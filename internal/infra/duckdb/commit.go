package duckdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/model"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// CommitBatch implements warehouse.ModelWriter. The cursor swap and every
// table write share one transaction; staging, facts and rejected rows are
// keyed by seq_id and dimensions by their natural key, so a replayed batch
// writes nothing new.
func (s *Store) CommitBatch(ctx context.Context, batch model.Batch) (err error) {
	if err := batch.Validate(); err != nil {
		return &warehouse.WriteError{Op: "validate", Err: err}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &warehouse.WriteError{Op: "begin", Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if batch.Cursor.Name != "" {
		if err = casCursor(ctx, tx, batch.Cursor.Name, batch.Cursor.From, batch.Cursor.To); err != nil {
			if errors.Is(err, warehouse.ErrCursorConflict) {
				return fmt.Errorf("CommitBatch: %w", err)
			}
			return &warehouse.WriteError{Op: "cursor", Err: err}
		}
	}

	if err = insertStaging(ctx, tx, batch.Staging); err != nil {
		return &warehouse.WriteError{Op: "staging", Err: err}
	}
	if err = upsertAccounts(ctx, tx, batch.Accounts); err != nil {
		return &warehouse.WriteError{Op: "accounts", Err: err}
	}
	if err = upsertMerchants(ctx, tx, batch.Merchants); err != nil {
		return &warehouse.WriteError{Op: "merchants", Err: err}
	}
	if err = insertFacts(ctx, tx, batch.Facts); err != nil {
		return &warehouse.WriteError{Op: "facts", Err: err}
	}
	if err = insertRejected(ctx, tx, batch.Rejected); err != nil {
		return &warehouse.WriteError{Op: "rejected", Err: err}
	}

	if err = tx.Commit(); err != nil {
		return &warehouse.WriteError{Op: "commit", Err: err}
	}
	return nil
}

// dateParam renders a nullable date as a bind parameter.
func dateParam(d domain.NullDate) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Date.String()
}

func insertStaging(ctx context.Context, tx *sqlx.Tx, records []domain.StagingRecord) error {
	for _, r := range records {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO staging (
				seq_id, transaction_date, account_id, amount, transaction_type, description,
				category, merchant, location, currency, status, channel, remarks
			)
			VALUES (?, CAST(? AS DATE), ?, CAST(? AS DECIMAL(38, 10)), ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (seq_id) DO NOTHING
		`,
			r.SeqID, dateParam(r.TransactionDate), r.AccountID, r.Amount, r.TransactionType, r.Description,
			r.Category, r.Merchant, r.Location, r.Currency, r.Status, r.Channel, r.Remarks,
		)
		if err != nil {
			return fmt.Errorf("inserting staging seq %d: %w", r.SeqID, err)
		}
	}
	return nil
}

func upsertAccounts(ctx context.Context, tx *sqlx.Tx, accounts []domain.DimensionAccount) error {
	for _, a := range accounts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dim_account (account_id) VALUES (?)
			ON CONFLICT (account_id) DO NOTHING
		`, a.AccountID)
		if err != nil {
			return fmt.Errorf("upserting account %q: %w", a.AccountID, err)
		}
	}
	return nil
}

func upsertMerchants(ctx context.Context, tx *sqlx.Tx, merchants []domain.DimensionMerchant) error {
	for _, m := range merchants {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dim_merchant (merchant_name, location, currency) VALUES (?, ?, ?)
			ON CONFLICT (merchant_name, location, currency) DO NOTHING
		`, m.MerchantName, m.Location, m.Currency)
		if err != nil {
			return fmt.Errorf("upserting merchant %+v: %w", m.Key(), err)
		}
	}
	return nil
}

func insertFacts(ctx context.Context, tx *sqlx.Tx, facts []domain.FactTransaction) error {
	for _, f := range facts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fact_transactions (
				seq_id, transaction_date, account_id, amount, transaction_type, category,
				merchant_name, location, currency, status, channel
			)
			VALUES (?, CAST(? AS DATE), ?, CAST(? AS DECIMAL(38, 10)), ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (seq_id) DO NOTHING
		`,
			f.SeqID, dateParam(f.TransactionDate), f.AccountID, f.Amount, f.TransactionType, f.Category,
			f.MerchantName, f.Location, f.Currency, f.Status, f.Channel,
		)
		if err != nil {
			return fmt.Errorf("inserting fact seq %d: %w", f.SeqID, err)
		}
	}
	return nil
}

func insertRejected(ctx context.Context, tx *sqlx.Tx, rejected []domain.RejectedFact) error {
	for _, r := range rejected {
		f := r.Fact
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fact_transactions_rejected (
				seq_id, transaction_date, account_id, amount, transaction_type, category,
				merchant_name, location, currency, status, channel, rule, reason
			)
			VALUES (?, CAST(? AS DATE), ?, CAST(? AS DECIMAL(38, 10)), ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (seq_id) DO NOTHING
		`,
			f.SeqID, dateParam(f.TransactionDate), f.AccountID, f.Amount, f.TransactionType, f.Category,
			f.MerchantName, f.Location, f.Currency, f.Status, f.Channel, r.Rule, r.Reason,
		)
		if err != nil {
			return fmt.Errorf("inserting rejected seq %d: %w", f.SeqID, err)
		}
	}
	return nil
}
