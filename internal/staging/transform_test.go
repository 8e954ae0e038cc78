package staging

import (
	"fmt"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-pipeline/internal/domain"
)

func rawRecord(seq int64, date, amount string) domain.RawRecord {
	return domain.RawRecord{
		SeqID: seq,
		Fields: []string{
			date, "ACC-1", amount, "purchase", "Order #1", "", "Amazon", "Seattle", "USD", "completed", "online", "",
		},
	}
}

func TestTransform_ValidRecord(t *testing.T) {
	rec, errs := Transform(rawRecord(7, "2024-01-15", "100.50"))

	assert.Empty(t, errs)
	assert.Equal(t, int64(7), rec.SeqID)
	assert.Equal(t, domain.NullDate{Date: civil.Date{Year: 2024, Month: 1, Day: 15}, Valid: true}, rec.TransactionDate)
	require.True(t, rec.Amount.Valid)
	assert.Equal(t, "100.5", rec.Amount.Decimal.String())
	assert.Equal(t, "ACC-1", rec.AccountID)
	assert.Equal(t, "purchase", rec.TransactionType)
	assert.Equal(t, "Amazon", rec.Merchant)
	assert.Equal(t, "Seattle", rec.Location)
	assert.Equal(t, "USD", rec.Currency)
}

func TestTransform_MalformedDate(t *testing.T) {
	rec, errs := Transform(rawRecord(1, "not-a-date", "42.00"))

	assert.False(t, rec.TransactionDate.Valid)
	require.True(t, rec.Amount.Valid)
	assert.Equal(t, "42", rec.Amount.Decimal.String())
	require.Len(t, errs, 1)
	assert.Equal(t, "transaction_date", errs[0].Field)
	assert.Equal(t, "not-a-date", errs[0].Value)
}

func TestTransform_FieldsFallBackIndependently(t *testing.T) {
	rec, errs := Transform(rawRecord(1, "2024-02-30", "12,3x"))

	assert.False(t, rec.TransactionDate.Valid)
	assert.False(t, rec.Amount.Valid)
	assert.Len(t, errs, 2)
	assert.Equal(t, "ACC-1", rec.AccountID)
}

func TestTransform_NegativeAmountIsStaged(t *testing.T) {
	rec, errs := Transform(rawRecord(1, "2024-01-15", "-5.00"))

	assert.Empty(t, errs)
	require.True(t, rec.Amount.Valid)
	assert.True(t, rec.Amount.Decimal.IsNegative())
}

func TestTransform_NullFieldsAreNotErrors(t *testing.T) {
	rec, errs := Transform(rawRecord(1, "", ""))

	assert.Empty(t, errs)
	assert.False(t, rec.TransactionDate.Valid)
	assert.False(t, rec.Amount.Valid)
}

func TestTransform_DateLayouts(t *testing.T) {
	want := civil.Date{Year: 2024, Month: 3, Day: 5}
	for _, in := range []string{"2024-03-05", "2024/03/05", "05-03-2024", "03/05/2024", "2024-03-05T10:30:00Z"} {
		t.Run(in, func(t *testing.T) {
			rec, errs := Transform(rawRecord(1, in, "1"))
			assert.Empty(t, errs)
			assert.Equal(t, want, rec.TransactionDate.Date)
		})
	}
}

func TestTransform_AmountFormats(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: " 100.50 ", want: "100.5"},
		{in: "1,234.56", want: "1234.56"},
		{in: "+7", want: "7"},
		{in: "-0.01", want: "-0.01"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			rec, errs := Transform(rawRecord(1, "2024-01-01", tt.in))
			assert.Empty(t, errs)
			require.True(t, rec.Amount.Valid)
			assert.Equal(t, tt.want, rec.Amount.Decimal.String())
		})
	}
}

func TestTransform_AmountOutsideStorageRange(t *testing.T) {
	for _, in := range []string{"1e40", "123456789012345678901234567890", "-10000000000000000000000000000"} {
		t.Run(in, func(t *testing.T) {
			rec, errs := Transform(rawRecord(4, "2024-01-01", in))
			assert.False(t, rec.Amount.Valid)
			require.Len(t, errs, 1)
			assert.Equal(t, "amount", errs[0].Field)
			assert.Equal(t, in, errs[0].Value)
		})
	}

	rec, errs := Transform(rawRecord(4, "2024-01-01", "9999999999999999999999999999.5"))
	assert.Len(t, errs, 1, "rounding up reaches the bound")
	assert.False(t, rec.Amount.Valid)

	rec, errs = Transform(rawRecord(4, "2024-01-01", "9999999999999999999999999999"))
	assert.Empty(t, errs)
	assert.True(t, rec.Amount.Valid)
}

func TestTransform_AmountRoundedToStorageScale(t *testing.T) {
	rec, errs := Transform(rawRecord(1, "2024-01-01", "0.00000000001"))
	assert.Empty(t, errs)
	require.True(t, rec.Amount.Valid)
	assert.True(t, rec.Amount.Decimal.IsZero())

	rec, _ = Transform(rawRecord(1, "2024-01-01", "1.1234567895"))
	assert.Equal(t, "1.12345679", rec.Amount.Decimal.String())
}

func TestTransform_ShortRowReadsMissingFieldsAsEmpty(t *testing.T) {
	rec, errs := Transform(domain.RawRecord{SeqID: 3, Fields: []string{"2024-01-01", "ACC-9", "5"}})

	assert.Empty(t, errs)
	assert.Equal(t, "ACC-9", rec.AccountID)
	assert.Empty(t, rec.Merchant)
	assert.Empty(t, rec.Remarks)
}

func TestTransform_Deterministic(t *testing.T) {
	raw := rawRecord(9, "not-a-date", "1,000.25")

	first, firstErrs := Transform(raw)
	second, secondErrs := Transform(raw)

	assert.Equal(t, first, second)
	assert.Equal(t, firstErrs, secondErrs)
}

func TestTransformAll_PreservesOrder(t *testing.T) {
	raws := make([]domain.RawRecord, 50)
	for i := range raws {
		date := "2024-01-01"
		if i%10 == 0 {
			date = "bad"
		}
		raws[i] = rawRecord(int64(i+1), date, fmt.Sprintf("%d.00", i))
	}

	result := TransformAll(raws, 8)

	require.Len(t, result.Records, len(raws))
	for i, rec := range result.Records {
		assert.Equal(t, int64(i+1), rec.SeqID)
	}
	assert.Len(t, result.FieldErrors, 5)
}

func TestTransformAll_Empty(t *testing.T) {
	result := TransformAll(nil, 0)
	assert.Empty(t, result.Records)
	assert.Empty(t, result.FieldErrors)
}
