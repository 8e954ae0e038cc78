package domain

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Raw field positions for source schema version 1.
const (
	FieldTransactionDate = iota
	FieldAccountID
	FieldAmount
	FieldTransactionType
	FieldDescription
	FieldCategory
	FieldMerchant
	FieldLocation
	FieldCurrency
	FieldStatus
	FieldChannel
	FieldRemarks

	// RawFieldCount is the arity of a raw record.
	RawFieldCount
)

// RawRecord is one landed row exactly as received. It is never mutated.
type RawRecord struct {
	SeqID      int64     // assigned at landing, strictly increasing
	Fields     []string  // untyped text, null tokens normalized to ""
	IngestedAt time.Time // landing time
	SourceFile string    // object the row was landed from
}

// Field returns the i-th raw field, or "" when the row is shorter than the
// current schema version.
func (r RawRecord) Field(i int) string {
	if i < 0 || i >= len(r.Fields) {
		return ""
	}
	return r.Fields[i]
}

// NullDate is a calendar date that may be missing.
type NullDate struct {
	Date  civil.Date
	Valid bool
}

// String renders the date as YYYY-MM-DD, or "" when null.
func (d NullDate) String() string {
	if !d.Valid {
		return ""
	}
	return d.Date.String()
}

// StagingRecord is the typed projection of a RawRecord. Fields that failed
// coercion are null rather than causing the record to be dropped.
type StagingRecord struct {
	SeqID           int64
	TransactionDate NullDate
	AccountID       string
	Amount          decimal.NullDecimal
	TransactionType string
	Description     string
	Category        string
	Merchant        string
	Location        string
	Currency        string
	Status          string
	Channel         string
	Remarks         string
}

// DimensionAccount is keyed by account id.
type DimensionAccount struct {
	AccountID string
}

// DimensionMerchant is keyed by the (merchant, location, currency) tuple.
type DimensionMerchant struct {
	MerchantName string
	Location     string
	Currency     string
}

// MerchantKey is the natural key of DimensionMerchant.
type MerchantKey struct {
	MerchantName string
	Location     string
	Currency     string
}

// Key returns the natural key of the merchant.
func (m DimensionMerchant) Key() MerchantKey {
	return MerchantKey(m)
}

// FactTransaction is one transaction in the star schema. SeqID points back to
// the raw record it was derived from and makes appends idempotent.
type FactTransaction struct {
	SeqID           int64
	TransactionDate NullDate
	AccountID       string
	Amount          decimal.NullDecimal
	TransactionType string
	Category        string
	MerchantName    string
	Location        string
	Currency        string
	Status          string
	Channel         string
}

// MerchantKey returns the key of the merchant dimension row this fact references.
func (f FactTransaction) MerchantKey() MerchantKey {
	return MerchantKey{MerchantName: f.MerchantName, Location: f.Location, Currency: f.Currency}
}

// RejectedFact is a fact row removed by a filter rule, kept for audit when
// quarantine is enabled.
type RejectedFact struct {
	Fact   FactTransaction
	Rule   string
	Reason string
}
