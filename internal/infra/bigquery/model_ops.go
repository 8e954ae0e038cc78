package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/finance-pipeline/internal/domain"
)

const factSelect = `
		  seq_id,
		  CAST(transaction_date AS STRING) AS transaction_date,
		  account_id,
		  CAST(amount AS STRING) AS amount,
		  transaction_type,
		  category,
		  merchant_name,
		  location,
		  currency,
		  status,
		  channel`

// ListStagingWithClient returns the staging table ordered by seq_id.
func ListStagingWithClient(ctx context.Context, client *bigquery.Client, ds Dataset) ([]domain.StagingRecord, error) {
	q := client.Query(ds.expand(`
		SELECT
		  seq_id,
		  CAST(transaction_date AS STRING) AS transaction_date,
		  account_id,
		  CAST(amount AS STRING) AS amount,
		  transaction_type,
		  description,
		  category,
		  merchant,
		  location,
		  currency,
		  status,
		  channel,
		  remarks
		FROM {{staging}}
		ORDER BY seq_id
	`))

	rows, err := read[StagingRow](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListStaging: %w", err)
	}

	records := make([]domain.StagingRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListStaging: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListAccountsWithClient returns the account dimension.
func ListAccountsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset) ([]domain.DimensionAccount, error) {
	q := client.Query(ds.expand(`SELECT account_id FROM {{dim_account}} ORDER BY account_id`))

	rows, err := read[accountParam](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListAccounts: %w", err)
	}

	accounts := make([]domain.DimensionAccount, len(rows))
	for i, r := range rows {
		accounts[i] = domain.DimensionAccount{AccountID: r.AccountID}
	}
	return accounts, nil
}

// ListMerchantsWithClient returns the merchant dimension.
func ListMerchantsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset) ([]domain.DimensionMerchant, error) {
	q := client.Query(ds.expand(`
		SELECT merchant_name, location, currency
		FROM {{dim_merchant}}
		ORDER BY merchant_name, location, currency
	`))

	rows, err := read[merchantParam](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListMerchants: %w", err)
	}

	merchants := make([]domain.DimensionMerchant, len(rows))
	for i, r := range rows {
		merchants[i] = domain.DimensionMerchant{MerchantName: r.MerchantName, Location: r.Location, Currency: r.Currency}
	}
	return merchants, nil
}

// ListFactsWithClient returns the fact table ordered by seq_id.
func ListFactsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset) ([]domain.FactTransaction, error) {
	q := client.Query(ds.expand(`
		SELECT` + factSelect + `
		FROM {{fact_transactions}}
		ORDER BY seq_id
	`))

	rows, err := read[FactRow](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListFacts: %w", err)
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

// ListRejectedWithClient returns quarantined facts ordered by seq_id.
func ListRejectedWithClient(ctx context.Context, client *bigquery.Client, ds Dataset) ([]domain.RejectedFact, error) {
	q := client.Query(ds.expand(`
		SELECT` + factSelect + `,
		  rule,
		  reason
		FROM {{fact_transactions_rejected}}
		ORDER BY seq_id
	`))

	rows, err := read[FactRow](ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListRejected: %w", err)
	}

	rejected := make([]domain.RejectedFact, 0, len(rows))
	for _, r := range rows {
		f, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListRejected: %w", err)
		}
		rejected = append(rejected, domain.RejectedFact{Fact: f, Rule: r.Rule.StringVal, Reason: r.Reason.StringVal})
	}
	return rejected, nil
}
