package rules

import (
	"fmt"
	"strings"

	"github.com/dvloznov/finance-pipeline/internal/domain"
)

// Rule names, also used as the quarantine reason code.
const (
	RuleFilterNonPositive = "filter_non_positive_amount"
	RuleNormalizeType     = "normalize_transaction_type"
	RuleClassifyMerchant  = "classify_merchant"
)

// Rule transforms or filters a single fact row. Apply returns the (possibly
// modified) fact, whether it is kept, and a reason when it is dropped.
// Rules must be deterministic and idempotent.
type Rule interface {
	Name() string
	Apply(f domain.FactTransaction) (out domain.FactTransaction, keep bool, reason string)
}

// FilterNonPositive drops facts whose amount is zero or negative. A null
// amount is kept, matching SQL semantics where NULL <= 0 is not true.
type FilterNonPositive struct{}

func (FilterNonPositive) Name() string { return RuleFilterNonPositive }

func (FilterNonPositive) Apply(f domain.FactTransaction) (domain.FactTransaction, bool, string) {
	if f.Amount.Valid && !f.Amount.Decimal.IsPositive() {
		return f, false, fmt.Sprintf("amount %s <= 0", f.Amount.Decimal.String())
	}
	return f, true, ""
}

// NormalizeType upper-cases the transaction type.
type NormalizeType struct{}

func (NormalizeType) Name() string { return RuleNormalizeType }

func (NormalizeType) Apply(f domain.FactTransaction) (domain.FactTransaction, bool, string) {
	f.TransactionType = strings.ToUpper(f.TransactionType)
	return f, true, ""
}

// Pattern maps a case-insensitive merchant-name substring to a category.
type Pattern struct {
	Pattern  string
	Category string
}

// Classify sets the category of facts whose merchant name contains one of the
// configured patterns. The first matching pattern wins.
type Classify struct {
	patterns []Pattern
}

// NewClassify lower-cases patterns once; patterns with an empty substring are ignored.
func NewClassify(patterns []Pattern) *Classify {
	c := &Classify{patterns: make([]Pattern, 0, len(patterns))}
	for _, p := range patterns {
		needle := strings.ToLower(strings.TrimSpace(p.Pattern))
		if needle == "" {
			continue
		}
		c.patterns = append(c.patterns, Pattern{Pattern: needle, Category: p.Category})
	}
	return c
}

func (*Classify) Name() string { return RuleClassifyMerchant }

func (c *Classify) Apply(f domain.FactTransaction) (domain.FactTransaction, bool, string) {
	if category, ok := c.Match(f.MerchantName); ok {
		f.Category = category
	}
	return f, true, ""
}

// Match returns the category of the first pattern contained in merchant.
func (c *Classify) Match(merchant string) (string, bool) {
	name := strings.ToLower(merchant)
	for _, p := range c.patterns {
		if strings.Contains(name, p.Pattern) {
			return p.Category, true
		}
	}
	return "", false
}

// Patterns returns the normalized pattern table.
func (c *Classify) Patterns() []Pattern {
	return append([]Pattern(nil), c.patterns...)
}
