package model

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/dvloznov/finance-pipeline/internal/domain"
)

// CursorAdvance moves a named cursor from From to To. It is applied as a
// compare-and-swap in the same transaction as the batch writes.
type CursorAdvance struct {
	Name string
	From int64
	To   int64
}

// Batch is everything one run writes to the warehouse.
type Batch struct {
	Staging   []domain.StagingRecord
	Accounts  []domain.DimensionAccount
	Merchants []domain.DimensionMerchant
	Facts     []domain.FactTransaction
	Rejected  []domain.RejectedFact
	Cursor    CursorAdvance
}

// Build derives the dimensions and facts for a set of staging records.
// Dimension rows keep first-seen order. Every fact has a matching dimension
// row, including rows whose key is empty.
func Build(staging []domain.StagingRecord) Batch {
	accounts := lo.Map(lo.UniqBy(staging, func(r domain.StagingRecord) string {
		return r.AccountID
	}), func(r domain.StagingRecord, _ int) domain.DimensionAccount {
		return domain.DimensionAccount{AccountID: r.AccountID}
	})

	merchants := lo.Uniq(lo.Map(staging, func(r domain.StagingRecord, _ int) domain.DimensionMerchant {
		return merchantOf(r)
	}))

	facts := lo.Map(staging, func(r domain.StagingRecord, _ int) domain.FactTransaction {
		return factOf(r)
	})

	return Batch{
		Staging:   staging,
		Accounts:  accounts,
		Merchants: merchants,
		Facts:     facts,
	}
}

func merchantOf(r domain.StagingRecord) domain.DimensionMerchant {
	return domain.DimensionMerchant{
		MerchantName: r.Merchant,
		Location:     r.Location,
		Currency:     r.Currency,
	}
}

func factOf(r domain.StagingRecord) domain.FactTransaction {
	return domain.FactTransaction{
		SeqID:           r.SeqID,
		TransactionDate: r.TransactionDate,
		AccountID:       r.AccountID,
		Amount:          r.Amount,
		TransactionType: r.TransactionType,
		Category:        r.Category,
		MerchantName:    r.Merchant,
		Location:        r.Location,
		Currency:        r.Currency,
		Status:          r.Status,
		Channel:         r.Channel,
	}
}

// Validate checks that the cursor does not move backwards and that every
// fact and quarantined fact references a dimension row of the batch.
func (b Batch) Validate() error {
	if b.Cursor.To < b.Cursor.From {
		return fmt.Errorf("Validate: cursor %q moves backwards from %d to %d", b.Cursor.Name, b.Cursor.From, b.Cursor.To)
	}

	accounts := lo.SliceToMap(b.Accounts, func(a domain.DimensionAccount) (string, struct{}) {
		return a.AccountID, struct{}{}
	})
	merchants := lo.SliceToMap(b.Merchants, func(m domain.DimensionMerchant) (domain.MerchantKey, struct{}) {
		return m.Key(), struct{}{}
	})

	check := func(f domain.FactTransaction) error {
		if _, ok := accounts[f.AccountID]; !ok {
			return fmt.Errorf("Validate: fact %d references unknown account %q", f.SeqID, f.AccountID)
		}
		if _, ok := merchants[f.MerchantKey()]; !ok {
			return fmt.Errorf("Validate: fact %d references unknown merchant %+v", f.SeqID, f.MerchantKey())
		}
		return nil
	}

	for _, f := range b.Facts {
		if err := check(f); err != nil {
			return err
		}
	}
	for _, r := range b.Rejected {
		if err := check(r.Fact); err != nil {
			return err
		}
	}
	return nil
}

// Empty reports whether the batch carries no rows.
func (b Batch) Empty() bool {
	return len(b.Staging) == 0 && len(b.Facts) == 0 && len(b.Rejected) == 0
}
