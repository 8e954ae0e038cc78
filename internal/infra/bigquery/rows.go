package bigquery

import (
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-pipeline/internal/domain"
)

type RawRow struct {
	SeqID      int64     `bigquery:"seq_id"`      // REQUIRED
	SourceFile string    `bigquery:"source_file"` // REQUIRED
	Fields     []string  `bigquery:"fields"`      // REPEATED STRING
	IngestedAt time.Time `bigquery:"ingested_at"` // REQUIRED
}

type LandedFileRow struct {
	Checksum string    `bigquery:"checksum"`       // REQUIRED
	URI      string    `bigquery:"uri"`            // REQUIRED
	Rows     int64     `bigquery:"row_count"`      // REQUIRED
	Rejected int64     `bigquery:"rejected_count"` // REQUIRED
	FirstSeq int64     `bigquery:"first_seq"`      // REQUIRED
	LastSeq  int64     `bigquery:"last_seq"`       // REQUIRED
	LandedAt time.Time `bigquery:"landed_at"`      // REQUIRED
}

type RunRow struct {
	RunID      string                 `bigquery:"run_id"`      // REQUIRED
	Pipeline   string                 `bigquery:"pipeline"`    // REQUIRED
	Status     string                 `bigquery:"status"`      // REQUIRED
	CursorFrom int64                  `bigquery:"cursor_from"` // REQUIRED
	CursorTo   int64                  `bigquery:"cursor_to"`   // REQUIRED
	Counts     bigquery.NullJSON      `bigquery:"counts"`      // NULLABLE JSON
	StartedAt  time.Time              `bigquery:"started_at"`  // REQUIRED
	FinishedAt bigquery.NullTimestamp `bigquery:"finished_at"` // NULLABLE
	Error      bigquery.NullString    `bigquery:"error"`       // NULLABLE
}

type CategoryRuleRow struct {
	Pattern  string `bigquery:"pattern"`
	Category string `bigquery:"category"`
}

// Date and amount columns travel as strings in both directions: query
// parameters are cast in SQL and reads cast back to STRING, so NULL and
// NUMERIC precision survive without float conversion.

type stagingParam struct {
	SeqID           int64  `bigquery:"seq_id"`
	TransactionDate string `bigquery:"transaction_date"`
	AccountID       string `bigquery:"account_id"`
	Amount          string `bigquery:"amount"`
	TransactionType string `bigquery:"transaction_type"`
	Description     string `bigquery:"description"`
	Category        string `bigquery:"category"`
	Merchant        string `bigquery:"merchant"`
	Location        string `bigquery:"location"`
	Currency        string `bigquery:"currency"`
	Status          string `bigquery:"status"`
	Channel         string `bigquery:"channel"`
	Remarks         string `bigquery:"remarks"`
}

type accountParam struct {
	AccountID string `bigquery:"account_id"`
}

type merchantParam struct {
	MerchantName string `bigquery:"merchant_name"`
	Location     string `bigquery:"location"`
	Currency     string `bigquery:"currency"`
}

type factParam struct {
	SeqID           int64  `bigquery:"seq_id"`
	TransactionDate string `bigquery:"transaction_date"`
	AccountID       string `bigquery:"account_id"`
	Amount          string `bigquery:"amount"`
	TransactionType string `bigquery:"transaction_type"`
	Category        string `bigquery:"category"`
	MerchantName    string `bigquery:"merchant_name"`
	Location        string `bigquery:"location"`
	Currency        string `bigquery:"currency"`
	Status          string `bigquery:"status"`
	Channel         string `bigquery:"channel"`
	Rule            string `bigquery:"rule"`
	Reason          string `bigquery:"reason"`
}

type StagingRow struct {
	SeqID           int64               `bigquery:"seq_id"`
	TransactionDate bigquery.NullString `bigquery:"transaction_date"`
	AccountID       string              `bigquery:"account_id"`
	Amount          bigquery.NullString `bigquery:"amount"`
	TransactionType string              `bigquery:"transaction_type"`
	Description     string              `bigquery:"description"`
	Category        string              `bigquery:"category"`
	Merchant        string              `bigquery:"merchant"`
	Location        string              `bigquery:"location"`
	Currency        string              `bigquery:"currency"`
	Status          string              `bigquery:"status"`
	Channel         string              `bigquery:"channel"`
	Remarks         string              `bigquery:"remarks"`
}

type FactRow struct {
	SeqID           int64               `bigquery:"seq_id"`
	TransactionDate bigquery.NullString `bigquery:"transaction_date"`
	AccountID       string              `bigquery:"account_id"`
	Amount          bigquery.NullString `bigquery:"amount"`
	TransactionType string              `bigquery:"transaction_type"`
	Category        string              `bigquery:"category"`
	MerchantName    string              `bigquery:"merchant_name"`
	Location        string              `bigquery:"location"`
	Currency        string              `bigquery:"currency"`
	Status          string              `bigquery:"status"`
	Channel         string              `bigquery:"channel"`
	Rule            bigquery.NullString `bigquery:"rule"`
	Reason          bigquery.NullString `bigquery:"reason"`
}

func amountString(a decimal.NullDecimal) string {
	if !a.Valid {
		return ""
	}
	return a.Decimal.String()
}

func toStagingParam(r domain.StagingRecord) stagingParam {
	return stagingParam{
		SeqID:           r.SeqID,
		TransactionDate: r.TransactionDate.String(),
		AccountID:       r.AccountID,
		Amount:          amountString(r.Amount),
		TransactionType: r.TransactionType,
		Description:     r.Description,
		Category:        r.Category,
		Merchant:        r.Merchant,
		Location:        r.Location,
		Currency:        r.Currency,
		Status:          r.Status,
		Channel:         r.Channel,
		Remarks:         r.Remarks,
	}
}

func toFactParam(f domain.FactTransaction) factParam {
	return factParam{
		SeqID:           f.SeqID,
		TransactionDate: f.TransactionDate.String(),
		AccountID:       f.AccountID,
		Amount:          amountString(f.Amount),
		TransactionType: f.TransactionType,
		Category:        f.Category,
		MerchantName:    f.MerchantName,
		Location:        f.Location,
		Currency:        f.Currency,
		Status:          f.Status,
		Channel:         f.Channel,
	}
}

func toRejectedParam(r domain.RejectedFact) factParam {
	p := toFactParam(r.Fact)
	p.Rule = r.Rule
	p.Reason = r.Reason
	return p
}

func parseNullDate(s bigquery.NullString) (domain.NullDate, error) {
	if !s.Valid || s.StringVal == "" {
		return domain.NullDate{}, nil
	}
	d, err := civil.ParseDate(s.StringVal)
	if err != nil {
		return domain.NullDate{}, err
	}
	return domain.NullDate{Date: d, Valid: true}, nil
}

func parseNullAmount(s bigquery.NullString) (decimal.NullDecimal, error) {
	if !s.Valid || s.StringVal == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.StringVal)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func (r StagingRow) toDomain() (domain.StagingRecord, error) {
	date, err := parseNullDate(r.TransactionDate)
	if err != nil {
		return domain.StagingRecord{}, fmt.Errorf("staging seq %d: %w", r.SeqID, err)
	}
	amount, err := parseNullAmount(r.Amount)
	if err != nil {
		return domain.StagingRecord{}, fmt.Errorf("staging seq %d: %w", r.SeqID, err)
	}
	return domain.StagingRecord{
		SeqID:           r.SeqID,
		TransactionDate: date,
		AccountID:       r.AccountID,
		Amount:          amount,
		TransactionType: r.TransactionType,
		Description:     r.Description,
		Category:        r.Category,
		Merchant:        r.Merchant,
		Location:        r.Location,
		Currency:        r.Currency,
		Status:          r.Status,
		Channel:         r.Channel,
		Remarks:         r.Remarks,
	}, nil
}

func (r FactRow) toDomain() (domain.FactTransaction, error) {
	date, err := parseNullDate(r.TransactionDate)
	if err != nil {
		return domain.FactTransaction{}, fmt.Errorf("fact seq %d: %w", r.SeqID, err)
	}
	amount, err := parseNullAmount(r.Amount)
	if err != nil {
		return domain.FactTransaction{}, fmt.Errorf("fact seq %d: %w", r.SeqID, err)
	}
	return domain.FactTransaction{
		SeqID:           r.SeqID,
		TransactionDate: date,
		AccountID:       r.AccountID,
		Amount:          amount,
		TransactionType: r.TransactionType,
		Category:        r.Category,
		MerchantName:    r.MerchantName,
		Location:        r.Location,
		Currency:        r.Currency,
		Status:          r.Status,
		Channel:         r.Channel,
	}, nil
}
