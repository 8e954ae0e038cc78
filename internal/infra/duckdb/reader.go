package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-pipeline/internal/domain"
)

// Dates and amounts are read back as text so they decode the same way the
// staging transform produced them.
const factColumns = `
	seq_id,
	CAST(transaction_date AS VARCHAR) AS transaction_date,
	account_id,
	CAST(amount AS VARCHAR) AS amount,
	transaction_type, category, merchant_name, location, currency, status, channel`

type stagingRow struct {
	SeqID           int64               `db:"seq_id"`
	TransactionDate sql.NullString      `db:"transaction_date"`
	AccountID       string              `db:"account_id"`
	Amount          decimal.NullDecimal `db:"amount"`
	TransactionType string              `db:"transaction_type"`
	Description     string              `db:"description"`
	Category        string              `db:"category"`
	Merchant        string              `db:"merchant"`
	Location        string              `db:"location"`
	Currency        string              `db:"currency"`
	Status          string              `db:"status"`
	Channel         string              `db:"channel"`
	Remarks         string              `db:"remarks"`
}

type factRow struct {
	SeqID           int64               `db:"seq_id"`
	TransactionDate sql.NullString      `db:"transaction_date"`
	AccountID       string              `db:"account_id"`
	Amount          decimal.NullDecimal `db:"amount"`
	TransactionType string              `db:"transaction_type"`
	Category        string              `db:"category"`
	MerchantName    string              `db:"merchant_name"`
	Location        string              `db:"location"`
	Currency        string              `db:"currency"`
	Status          string              `db:"status"`
	Channel         string              `db:"channel"`
}

type rejectedRow struct {
	factRow
	Rule   string `db:"rule"`
	Reason string `db:"reason"`
}

func parseNullDate(s sql.NullString) (domain.NullDate, error) {
	if !s.Valid || s.String == "" {
		return domain.NullDate{}, nil
	}
	d, err := civil.ParseDate(s.String)
	if err != nil {
		return domain.NullDate{}, err
	}
	return domain.NullDate{Date: d, Valid: true}, nil
}

func (r factRow) toDomain() (domain.FactTransaction, error) {
	date, err := parseNullDate(r.TransactionDate)
	if err != nil {
		return domain.FactTransaction{}, fmt.Errorf("fact seq %d: %w", r.SeqID, err)
	}
	return domain.FactTransaction{
		SeqID:           r.SeqID,
		TransactionDate: date,
		AccountID:       r.AccountID,
		Amount:          r.Amount,
		TransactionType: r.TransactionType,
		Category:        r.Category,
		MerchantName:    r.MerchantName,
		Location:        r.Location,
		Currency:        r.Currency,
		Status:          r.Status,
		Channel:         r.Channel,
	}, nil
}

// ListStaging implements warehouse.ModelReader.
func (s *Store) ListStaging(ctx context.Context) ([]domain.StagingRecord, error) {
	var rows []stagingRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT
			seq_id,
			CAST(transaction_date AS VARCHAR) AS transaction_date,
			account_id,
			CAST(amount AS VARCHAR) AS amount,
			transaction_type, description, category, merchant, location,
			currency, status, channel, remarks
		FROM staging
		ORDER BY seq_id
	`)
	if err != nil {
		return nil, fmt.Errorf("ListStaging: querying staging: %w", err)
	}

	records := make([]domain.StagingRecord, 0, len(rows))
	for _, r := range rows {
		date, err := parseNullDate(r.TransactionDate)
		if err != nil {
			return nil, fmt.Errorf("ListStaging: staging seq %d: %w", r.SeqID, err)
		}
		records = append(records, domain.StagingRecord{
			SeqID:           r.SeqID,
			TransactionDate: date,
			AccountID:       r.AccountID,
			Amount:          r.Amount,
			TransactionType: r.TransactionType,
			Description:     r.Description,
			Category:        r.Category,
			Merchant:        r.Merchant,
			Location:        r.Location,
			Currency:        r.Currency,
			Status:          r.Status,
			Channel:         r.Channel,
			Remarks:         r.Remarks,
		})
	}
	return records, nil
}

// ListAccounts implements warehouse.ModelReader.
func (s *Store) ListAccounts(ctx context.Context) ([]domain.DimensionAccount, error) {
	var accounts []domain.DimensionAccount
	err := s.db.SelectContext(ctx, &accounts, `SELECT account_id AS accountid FROM dim_account ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("ListAccounts: querying dim_account: %w", err)
	}
	return accounts, nil
}

// ListMerchants implements warehouse.ModelReader.
func (s *Store) ListMerchants(ctx context.Context) ([]domain.DimensionMerchant, error) {
	var merchants []domain.DimensionMerchant
	err := s.db.SelectContext(ctx, &merchants, `
		SELECT merchant_name AS merchantname, location, currency
		FROM dim_merchant
		ORDER BY merchant_name, location, currency
	`)
	if err != nil {
		return nil, fmt.Errorf("ListMerchants: querying dim_merchant: %w", err)
	}
	return merchants, nil
}

// ListFacts implements warehouse.ModelReader.
func (s *Store) ListFacts(ctx context.Context) ([]domain.FactTransaction, error) {
	var rows []factRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+factColumns+` FROM fact_transactions ORDER BY seq_id`); err != nil {
		return nil, fmt.Errorf("ListFacts: querying fact_transactions: %w", err)
	}

	facts := make([]domain.FactTransaction, 0, len(rows))
	for _, r := range rows {
		f, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListFacts: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, nil
}

// ListRejected implements warehouse.ModelReader.
func (s *Store) ListRejected(ctx context.Context) ([]domain.RejectedFact, error) {
	var rows []rejectedRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+factColumns+`, rule, reason FROM fact_transactions_rejected ORDER BY seq_id`)
	if err != nil {
		return nil, fmt.Errorf("ListRejected: querying fact_transactions_rejected: %w", err)
	}

	rejected := make([]domain.RejectedFact, 0, len(rows))
	for _, r := range rows {
		f, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListRejected: %w", err)
		}
		rejected = append(rejected, domain.RejectedFact{Fact: f, Rule: r.Rule, Reason: r.Reason})
	}
	return rejected, nil
}
