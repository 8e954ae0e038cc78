package duckdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-pipeline/internal/rules"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// ListCategoryRules implements warehouse.RuleSource.
func (s *Store) ListCategoryRules(ctx context.Context) ([]rules.Pattern, error) {
	var patterns []rules.Pattern
	err := s.db.SelectContext(ctx, &patterns, `
		SELECT pattern, category
		FROM category_rules
		WHERE active
		ORDER BY priority, pattern
	`)
	if err != nil {
		return nil, fmt.Errorf("ListCategoryRules: querying category_rules: %w", err)
	}
	return patterns, nil
}

// categoryCase builds a CASE expression returning the category of the first
// pattern contained in the lower-cased merchant name, or NULL.
func categoryCase(patterns []rules.Pattern) (string, []interface{}) {
	var b strings.Builder
	args := make([]interface{}, 0, 2*len(patterns))
	b.WriteString("CASE")
	for _, p := range patterns {
		b.WriteString(" WHEN contains(lower(merchant_name), ?) THEN ?")
		args = append(args, p.Pattern, p.Category)
	}
	b.WriteString(" END")
	return b.String(), args
}

// quarantineFiltered copies facts the positivity filter is about to delete
// into the quarantine table.
const quarantineFiltered = `
	INSERT INTO fact_transactions_rejected (
		seq_id, transaction_date, account_id, amount, transaction_type, category,
		merchant_name, location, currency, status, channel, rule, reason
	)
	SELECT
		seq_id, transaction_date, account_id, amount, transaction_type, category,
		merchant_name, location, currency, status, channel,
		?, 'amount ' || CAST(amount AS VARCHAR) || ' <= 0'
	FROM fact_transactions
	WHERE amount <= 0
	ON CONFLICT (seq_id) DO NOTHING`

// ReapplyRules implements warehouse.RuleReapplier. The three rules run in
// one transaction, in the same order the pipeline applies them.
func (s *Store) ReapplyRules(ctx context.Context, patterns []rules.Pattern, quarantine bool) (result warehouse.ReapplyResult, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("ReapplyRules: beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if quarantine {
		if _, err = tx.ExecContext(ctx, quarantineFiltered, rules.RuleFilterNonPositive); err != nil {
			return result, fmt.Errorf("ReapplyRules: quarantining non-positive amounts: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM fact_transactions WHERE amount <= 0`)
	if err != nil {
		return result, fmt.Errorf("ReapplyRules: filtering non-positive amounts: %w", err)
	}
	if result.Deleted, err = res.RowsAffected(); err != nil {
		return result, fmt.Errorf("ReapplyRules: filtering non-positive amounts: %w", err)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE fact_transactions
		SET transaction_type = upper(transaction_type)
		WHERE transaction_type <> upper(transaction_type)
	`)
	if err != nil {
		return result, fmt.Errorf("ReapplyRules: normalizing transaction types: %w", err)
	}
	if result.Normalized, err = res.RowsAffected(); err != nil {
		return result, fmt.Errorf("ReapplyRules: normalizing transaction types: %w", err)
	}

	normalized := rules.NewClassify(patterns).Patterns()
	if len(normalized) > 0 {
		expr, args := categoryCase(normalized)
		query := fmt.Sprintf(`
			UPDATE fact_transactions
			SET category = %[1]s
			WHERE %[1]s IS NOT NULL AND category <> %[1]s
		`, expr)
		all := make([]interface{}, 0, 3*len(args))
		for i := 0; i < 3; i++ {
			all = append(all, args...)
		}

		res, err = tx.ExecContext(ctx, query, all...)
		if err != nil {
			return result, fmt.Errorf("ReapplyRules: classifying merchants: %w", err)
		}
		if result.Categorized, err = res.RowsAffected(); err != nil {
			return result, fmt.Errorf("ReapplyRules: classifying merchants: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return result, fmt.Errorf("ReapplyRules: committing: %w", err)
	}
	return result, nil
}
