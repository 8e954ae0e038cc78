package rules

import (
	"github.com/dvloznov/finance-pipeline/internal/domain"
)

// Outcome is the result of applying the rule set to a batch of facts.
type Outcome struct {
	Kept     []domain.FactTransaction
	Rejected []domain.RejectedFact
	// Changed counts modified rows per rule name.
	Changed map[string]int
}

// Engine applies an ordered list of rules; each rule's output feeds the next.
type Engine struct {
	rules []Rule
}

// NewEngine builds the standard rule order: filter, normalize, classify.
func NewEngine(patterns []Pattern) *Engine {
	return NewEngineWithRules(FilterNonPositive{}, NormalizeType{}, NewClassify(patterns))
}

// NewEngineWithRules builds an engine from an explicit rule order.
func NewEngineWithRules(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// Rules returns the rule names in execution order.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Apply runs every rule over every fact. Applying the engine to its own
// output produces no further changes.
func (e *Engine) Apply(facts []domain.FactTransaction) Outcome {
	out := Outcome{
		Kept:    make([]domain.FactTransaction, 0, len(facts)),
		Changed: make(map[string]int, len(e.rules)),
	}

	for _, fact := range facts {
		current := fact
		kept := true
		for _, rule := range e.rules {
			next, keep, reason := rule.Apply(current)
			if !keep {
				out.Rejected = append(out.Rejected, domain.RejectedFact{Fact: current, Rule: rule.Name(), Reason: reason})
				out.Changed[rule.Name()]++
				kept = false
				break
			}
			if !factsEqual(current, next) {
				out.Changed[rule.Name()]++
			}
			current = next
		}
		if kept {
			out.Kept = append(out.Kept, current)
		}
	}

	return out
}

func factsEqual(a, b domain.FactTransaction) bool {
	return a.SeqID == b.SeqID &&
		a.TransactionDate == b.TransactionDate &&
		a.AccountID == b.AccountID &&
		a.Amount.Valid == b.Amount.Valid &&
		a.Amount.Decimal.Equal(b.Amount.Decimal) &&
		a.TransactionType == b.TransactionType &&
		a.Category == b.Category &&
		a.MerchantName == b.MerchantName &&
		a.Location == b.Location &&
		a.Currency == b.Currency &&
		a.Status == b.Status &&
		a.Channel == b.Channel
}
