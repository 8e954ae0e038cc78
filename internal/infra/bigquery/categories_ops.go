package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/finance-pipeline/internal/rules"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// ListCategoryRulesWithClient returns all active category rules in priority
// order using the provided BigQuery client.
func ListCategoryRulesWithClient(ctx context.Context, client *bigquery.Client, ds Dataset) ([]rules.Pattern, error) {
	q := client.Query(ds.expand(`
		SELECT
		  pattern,
		  category
		FROM {{category_rules}}
		WHERE is_active = TRUE
		ORDER BY priority, pattern
	`))

	rows, err := read[CategoryRuleRow](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListCategoryRules: %w", err)
	}

	patterns := make([]rules.Pattern, len(rows))
	for i, r := range rows {
		patterns[i] = rules.Pattern{Pattern: r.Pattern, Category: r.Category}
	}
	return patterns, nil
}

// quarantineFilteredStatement copies facts the positivity filter is about to
// delete into the quarantine table.
const quarantineFilteredStatement = `
  INSERT INTO {{fact_transactions_rejected}} (
    seq_id, transaction_date, account_id, amount, transaction_type, category,
    merchant_name, location, currency, status, channel, rule, reason
  )
  SELECT
    seq_id, transaction_date, account_id, amount, transaction_type, category,
    merchant_name, location, currency, status, channel,
    @filter_rule, CONCAT('amount ', CAST(amount AS STRING), ' <= 0')
  FROM {{fact_transactions}}
  WHERE amount <= 0
    AND seq_id NOT IN (SELECT seq_id FROM {{fact_transactions_rejected}});
`

// reapplyScript runs the three business rules over committed facts in one
// transaction and returns the rows each rule changed.
func reapplyScript(patterns []rules.Pattern, quarantine bool) (string, []bigquery.QueryParameter) {
	normalized := rules.NewClassify(patterns).Patterns()

	var classify, quarantined string
	var params []bigquery.QueryParameter
	if quarantine {
		quarantined = quarantineFilteredStatement
		params = append(params, bigquery.QueryParameter{Name: "filter_rule", Value: rules.RuleFilterNonPositive})
	}
	if len(normalized) > 0 {
		var expr strings.Builder
		expr.WriteString("CASE")
		for i, p := range normalized {
			fmt.Fprintf(&expr, " WHEN STRPOS(LOWER(merchant_name), @pattern_%d) > 0 THEN @category_%d", i, i)
			params = append(params,
				bigquery.QueryParameter{Name: fmt.Sprintf("pattern_%d", i), Value: p.Pattern},
				bigquery.QueryParameter{Name: fmt.Sprintf("category_%d", i), Value: p.Category},
			)
		}
		expr.WriteString(" END")

		classify = fmt.Sprintf(`
  UPDATE {{fact_transactions}}
  SET category = %[1]s
  WHERE %[1]s IS NOT NULL AND category != %[1]s;
  SET categorized = @@row_count;
`, expr.String())
	}

	script := `
DECLARE deleted INT64 DEFAULT 0;
DECLARE normalized INT64 DEFAULT 0;
DECLARE categorized INT64 DEFAULT 0;
` + wrapInTransaction(quarantined+`
  DELETE FROM {{fact_transactions}} WHERE amount <= 0;
  SET deleted = @@row_count;
  UPDATE {{fact_transactions}}
  SET transaction_type = UPPER(transaction_type)
  WHERE transaction_type != UPPER(transaction_type);
  SET normalized = @@row_count;
`+classify) + `
SELECT deleted, normalized, categorized;
`
	return script, params
}

// ReapplyRulesWithClient re-applies the business rules to committed facts
// using the provided BigQuery client.
func ReapplyRulesWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, patterns []rules.Pattern, quarantine bool) (warehouse.ReapplyResult, error) {
	script, params := reapplyScript(patterns, quarantine)
	q := client.Query(ds.expand(script))
	q.Parameters = params

	job, _, err := runAndWait(ctx, q)
	if err != nil {
		return warehouse.ReapplyResult{}, fmt.Errorf("ReapplyRules: %w", err)
	}

	it, err := job.Read(ctx)
	if err != nil {
		return warehouse.ReapplyResult{}, fmt.Errorf("ReapplyRules: reading counts: %w", err)
	}
	counts, err := readAll[struct {
		Deleted     int64 `bigquery:"deleted"`
		Normalized  int64 `bigquery:"normalized"`
		Categorized int64 `bigquery:"categorized"`
	}](it)
	if err != nil {
		return warehouse.ReapplyResult{}, fmt.Errorf("ReapplyRules: %w", err)
	}
	if len(counts) == 0 {
		return warehouse.ReapplyResult{}, nil
	}

	return warehouse.ReapplyResult{
		Deleted:     counts[0].Deleted,
		Normalized:  counts[0].Normalized,
		Categorized: counts[0].Categorized,
	}, nil
}
