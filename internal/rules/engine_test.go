package rules

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-pipeline/internal/domain"
)

var testPatterns = []Pattern{
	{Pattern: "Amazon", Category: "ONLINE_SHOPPING"},
	{Pattern: "uber", Category: "TRANSPORT"},
	{Pattern: "uber eats", Category: "FOOD_DELIVERY"},
}

func amount(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func fact(seq int64, amt, txType, merchant, category string) domain.FactTransaction {
	f := domain.FactTransaction{
		SeqID:           seq,
		AccountID:       "A1",
		TransactionType: txType,
		MerchantName:    merchant,
		Category:        category,
		Currency:        "USD",
	}
	if amt != "" {
		f.Amount = amount(amt)
	}
	return f
}

func TestFilterNonPositive(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		keep   bool
	}{
		{name: "positive", amount: "100.50", keep: true},
		{name: "zero", amount: "0.00", keep: false},
		{name: "negative", amount: "-5.00", keep: false},
		{name: "null amount is kept", amount: "", keep: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, keep, reason := FilterNonPositive{}.Apply(fact(1, tt.amount, "purchase", "", ""))
			assert.Equal(t, tt.keep, keep)
			if !tt.keep {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	c := NewClassify(testPatterns)

	category, ok := c.Match("UBER EATS London")
	require.True(t, ok)
	assert.Equal(t, "TRANSPORT", category)

	_, ok = c.Match("Local Bakery")
	assert.False(t, ok)
}

func TestClassify_IgnoresEmptyPatterns(t *testing.T) {
	c := NewClassify([]Pattern{{Pattern: "  ", Category: "X"}, {Pattern: "Tesco", Category: "GROCERIES"}})
	assert.Equal(t, []Pattern{{Pattern: "tesco", Category: "GROCERIES"}}, c.Patterns())
}

func TestEngine_ExampleScenario(t *testing.T) {
	engine := NewEngine(testPatterns)

	out := engine.Apply([]domain.FactTransaction{fact(1, "100.50", "purchase", "Amazon", "")})

	require.Len(t, out.Kept, 1)
	assert.Empty(t, out.Rejected)
	assert.Equal(t, "PURCHASE", out.Kept[0].TransactionType)
	assert.Equal(t, "ONLINE_SHOPPING", out.Kept[0].Category)
	assert.Equal(t, 1, out.Changed[RuleNormalizeType])
	assert.Equal(t, 1, out.Changed[RuleClassifyMerchant])
}

func TestEngine_FiltersNegativeAmount(t *testing.T) {
	engine := NewEngine(testPatterns)

	out := engine.Apply([]domain.FactTransaction{
		fact(1, "-5.00", "refund", "Amazon", ""),
		fact(2, "12.00", "purchase", "Corner shop", "GROCERIES"),
	})

	require.Len(t, out.Kept, 1)
	assert.Equal(t, int64(2), out.Kept[0].SeqID)
	assert.Equal(t, "GROCERIES", out.Kept[0].Category)

	require.Len(t, out.Rejected, 1)
	assert.Equal(t, int64(1), out.Rejected[0].Fact.SeqID)
	assert.Equal(t, RuleFilterNonPositive, out.Rejected[0].Rule)
	// Filtered before normalization ran.
	assert.Equal(t, "refund", out.Rejected[0].Fact.TransactionType)
}

func TestEngine_Idempotent(t *testing.T) {
	engine := NewEngine(testPatterns)
	facts := []domain.FactTransaction{
		fact(1, "100.50", "purchase", "Amazon", ""),
		fact(2, "-1", "purchase", "Uber", ""),
		fact(3, "", "Transfer", "", "BILLS"),
		fact(4, "3.20", "PURCHASE", "uber eats", "TRANSPORT"),
	}

	first := engine.Apply(facts)
	second := engine.Apply(first.Kept)

	assert.Equal(t, first.Kept, second.Kept)
	assert.Empty(t, second.Rejected)
	for rule, n := range second.Changed {
		assert.Zerof(t, n, "rule %s changed rows on re-application", rule)
	}
}

func TestEngine_RuleOrder(t *testing.T) {
	assert.Equal(t,
		[]string{RuleFilterNonPositive, RuleNormalizeType, RuleClassifyMerchant},
		NewEngine(nil).Rules(),
	)
}
