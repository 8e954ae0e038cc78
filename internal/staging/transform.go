package staging

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/iter"

	"github.com/dvloznov/finance-pipeline/internal/domain"
)

// Accepted transaction date layouts, tried in order.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02-01-2006",
	"01/02/2006",
	time.RFC3339,
}

// Amounts are stored as DECIMAL(38, 10) in DuckDB and NUMERIC in BigQuery.
// Values are rounded to the smaller scale and must stay below the smaller
// integer range, so every backend stores exactly what the rules saw.
const AmountScale = 9

var maxAmount = decimal.New(1, 28)

// FieldError describes a field that failed type coercion. The field is set
// to null in the staging record; the record itself is kept.
type FieldError struct {
	SeqID int64
	Field string
	Value string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("seq %d: cannot coerce %s %q", e.SeqID, e.Field, e.Value)
}

// Transform converts a raw record into a staging record. It never fails:
// every coercion falls back to null independently, and the same input always
// yields the same output.
func Transform(raw domain.RawRecord) (domain.StagingRecord, []FieldError) {
	var errs []FieldError

	rec := domain.StagingRecord{
		SeqID:           raw.SeqID,
		AccountID:       text(raw, domain.FieldAccountID),
		TransactionType: text(raw, domain.FieldTransactionType),
		Description:     text(raw, domain.FieldDescription),
		Category:        text(raw, domain.FieldCategory),
		Merchant:        text(raw, domain.FieldMerchant),
		Location:        text(raw, domain.FieldLocation),
		Currency:        text(raw, domain.FieldCurrency),
		Status:          text(raw, domain.FieldStatus),
		Channel:         text(raw, domain.FieldChannel),
		Remarks:         text(raw, domain.FieldRemarks),
	}

	dateStr := text(raw, domain.FieldTransactionDate)
	if date, ok := parseDate(dateStr); ok {
		rec.TransactionDate = domain.NullDate{Date: date, Valid: true}
	} else if dateStr != "" {
		errs = append(errs, FieldError{SeqID: raw.SeqID, Field: "transaction_date", Value: dateStr})
	}

	amountStr := text(raw, domain.FieldAmount)
	if amt, ok := parseAmount(amountStr); ok {
		rec.Amount = decimal.NewNullDecimal(amt)
	} else if amountStr != "" {
		errs = append(errs, FieldError{SeqID: raw.SeqID, Field: "amount", Value: amountStr})
	}

	return rec, errs
}

func text(raw domain.RawRecord, i int) string {
	return strings.TrimSpace(raw.Field(i))
}

func parseDate(s string) (civil.Date, bool) {
	if s == "" {
		return civil.Date{}, false
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return civil.DateOf(t), true
		}
	}
	return civil.Date{}, false
}

func parseAmount(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Decimal{}, false
	}
	s = strings.TrimPrefix(strings.ReplaceAll(s, ",", ""), "+")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	d = d.Round(AmountScale)
	if d.Abs().GreaterThanOrEqual(maxAmount) {
		return decimal.Decimal{}, false
	}
	return d, true
}

// Result is the outcome of transforming a delta.
type Result struct {
	Records     []domain.StagingRecord
	FieldErrors []FieldError
}

// TransformAll applies Transform to every record, in parallel when workers > 1,
// preserving input order.
func TransformAll(raws []domain.RawRecord, workers int) Result {
	type transformed struct {
		rec  domain.StagingRecord
		errs []FieldError
	}

	if workers < 1 {
		workers = 1
	}
	mapper := iter.Mapper[domain.RawRecord, transformed]{MaxGoroutines: workers}
	outs := mapper.Map(raws, func(raw *domain.RawRecord) transformed {
		rec, errs := Transform(*raw)
		return transformed{rec: rec, errs: errs}
	})

	result := Result{Records: make([]domain.StagingRecord, len(outs))}
	for i, out := range outs {
		result.Records[i] = out.rec
		result.FieldErrors = append(result.FieldErrors, out.errs...)
	}
	return result
}
