package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/samber/lo"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/model"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// Model writes. Rows keyed by seq_id or by natural key are skipped when
// already present, so a replayed batch adds nothing.
const modelWriteStatements = `
  INSERT INTO {{staging}} (
    seq_id, transaction_date, account_id, amount, transaction_type, description,
    category, merchant, location, currency, status, channel, remarks
  )
  SELECT
    s.seq_id, CAST(NULLIF(s.transaction_date, '') AS DATE), s.account_id,
    CAST(NULLIF(s.amount, '') AS NUMERIC), s.transaction_type, s.description,
    s.category, s.merchant, s.location, s.currency, s.status, s.channel, s.remarks
  FROM UNNEST(@staging) AS s
  WHERE s.seq_id NOT IN (SELECT seq_id FROM {{staging}});

  INSERT INTO {{dim_account}} (account_id)
  SELECT DISTINCT a.account_id
  FROM UNNEST(@accounts) AS a
  WHERE a.account_id NOT IN (SELECT account_id FROM {{dim_account}});

  INSERT INTO {{dim_merchant}} (merchant_name, location, currency)
  SELECT DISTINCT m.merchant_name, m.location, m.currency
  FROM UNNEST(@merchants) AS m
  WHERE NOT EXISTS (
    SELECT 1 FROM {{dim_merchant}} AS d
    WHERE d.merchant_name = m.merchant_name
      AND d.location = m.location
      AND d.currency = m.currency
  );

  INSERT INTO {{fact_transactions}} (
    seq_id, transaction_date, account_id, amount, transaction_type, category,
    merchant_name, location, currency, status, channel
  )
  SELECT
    f.seq_id, CAST(NULLIF(f.transaction_date, '') AS DATE), f.account_id,
    CAST(NULLIF(f.amount, '') AS NUMERIC), f.transaction_type, f.category,
    f.merchant_name, f.location, f.currency, f.status, f.channel
  FROM UNNEST(@facts) AS f
  WHERE f.seq_id NOT IN (SELECT seq_id FROM {{fact_transactions}});

  INSERT INTO {{fact_transactions_rejected}} (
    seq_id, transaction_date, account_id, amount, transaction_type, category,
    merchant_name, location, currency, status, channel, rule, reason
  )
  SELECT
    f.seq_id, CAST(NULLIF(f.transaction_date, '') AS DATE), f.account_id,
    CAST(NULLIF(f.amount, '') AS NUMERIC), f.transaction_type, f.category,
    f.merchant_name, f.location, f.currency, f.status, f.channel, f.rule, f.reason
  FROM UNNEST(@rejected) AS f
  WHERE f.seq_id NOT IN (SELECT seq_id FROM {{fact_transactions_rejected}});
`

// commitScript builds the multi-statement transaction for a batch: the
// cursor swap first, then every model write.
func commitScript(ds Dataset, batch model.Batch) (string, []bigquery.QueryParameter) {
	statements := modelWriteStatements
	params := []bigquery.QueryParameter{
		{Name: "staging", Value: lo.Map(batch.Staging, func(r domain.StagingRecord, _ int) stagingParam {
			return toStagingParam(r)
		})},
		{Name: "accounts", Value: lo.Map(batch.Accounts, func(a domain.DimensionAccount, _ int) accountParam {
			return accountParam{AccountID: a.AccountID}
		})},
		{Name: "merchants", Value: lo.Map(batch.Merchants, func(m domain.DimensionMerchant, _ int) merchantParam {
			return merchantParam{MerchantName: m.MerchantName, Location: m.Location, Currency: m.Currency}
		})},
		{Name: "facts", Value: lo.Map(batch.Facts, func(f domain.FactTransaction, _ int) factParam {
			return toFactParam(f)
		})},
		{Name: "rejected", Value: lo.Map(batch.Rejected, func(r domain.RejectedFact, _ int) factParam {
			return toRejectedParam(r)
		})},
	}

	if batch.Cursor.Name != "" {
		statements = cursorSwapStatements + statements
		params = append(params, cursorParams(batch.Cursor.Name, batch.Cursor.From, batch.Cursor.To)...)
	}

	return ds.expand(wrapInTransaction(statements)), params
}

// CommitBatchWithClient writes a model batch and advances its cursor in one
// BigQuery transaction using the provided client.
func CommitBatchWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, batch model.Batch) error {
	if err := batch.Validate(); err != nil {
		return &warehouse.WriteError{Op: "validate", Err: err}
	}

	sql, params := commitScript(ds, batch)
	q := client.Query(sql)
	q.Parameters = params

	if _, _, err := runAndWait(ctx, q); err != nil {
		if isCursorConflict(err) {
			return fmt.Errorf("CommitBatch: cursor %q is not at %d: %w", batch.Cursor.Name, batch.Cursor.From, warehouse.ErrCursorConflict)
		}
		return &warehouse.WriteError{Op: "commit", Err: err}
	}
	return nil
}
