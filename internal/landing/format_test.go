package landing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-pipeline/internal/config"
)

const header = "transaction_date,account_id,amount,transaction_type,description,category,merchant,location,currency,status,channel,remarks\n"

func TestParse_AcceptsWellFormedRows(t *testing.T) {
	input := header +
		"2024-01-15,ACC-1,100.50,purchase,Order,,Amazon,Seattle,USD,completed,online,\n" +
		"2024-01-16,ACC-2,\"1,200.00\",purchase,\"Desk, oak\",,IKEA,Berlin,EUR,completed,store,note\n"

	result, err := Parse(strings.NewReader(input), DefaultFileFormat)
	require.NoError(t, err)
	assert.Empty(t, result.Rejected)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "Amazon", result.Rows[0][6])
	assert.Equal(t, "1,200.00", result.Rows[1][2])
	assert.Equal(t, "Desk, oak", result.Rows[1][4])
}

func TestParse_RejectsWrongArity(t *testing.T) {
	input := header +
		"2024-01-15,ACC-1,100.50,purchase,Order,,Amazon,Seattle,USD,completed,online,\n" +
		"2024-01-15,ACC-1,100.50\n" +
		"2024-01-17,ACC-3,7.00,purchase,Coffee,,Starbucks,Paris,EUR,completed,store,\n"

	result, err := Parse(strings.NewReader(input), DefaultFileFormat)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 3, result.Rejected[0].Line)
	assert.Contains(t, result.Rejected[0].Reason, "expected 12 fields, got 3")
}

func TestParse_NormalizesNullTokens(t *testing.T) {
	input := "2024-01-15,ACC-1,NULL,purchase,null,,Amazon, NULL ,USD,completed,online,\n"
	format := DefaultFileFormat
	format.SkipHeader = 0

	result, err := Parse(strings.NewReader(input), format)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	row := result.Rows[0]
	assert.Equal(t, "", row[2])
	assert.Equal(t, "", row[4])
	assert.Equal(t, "", row[7])
	assert.Equal(t, "Amazon", row[6])
}

func TestParse_CustomDelimiterWithoutQuoting(t *testing.T) {
	input := "2024-01-15|ACC-1|5|purchase|6\" ruler|||||||\n"
	format := FileFormat{Delimiter: '|', Quote: "", FieldCount: 12}

	result, err := Parse(strings.NewReader(input), format)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, `6" ruler`, result.Rows[0][4])
}

func TestParse_UnreadableLineIsRejected(t *testing.T) {
	input := "a,\"unterminated,b\nc,d\n"
	format := FileFormat{Delimiter: ',', Quote: `"`, FieldCount: 2}

	result, err := Parse(strings.NewReader(input), format)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Rejected)
}

func TestParse_SkipsConfiguredHeaderLines(t *testing.T) {
	input := "report\nheader\nx,y\n"
	format := FileFormat{Delimiter: ',', SkipHeader: 2, FieldCount: 2}

	result, err := Parse(strings.NewReader(input), format)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"x", "y"}}, result.Rows)
}

func TestParse_BrokenHeaderKeepsFirstDataRow(t *testing.T) {
	input := "h1,\"bad\"x\n1,2\n3,4\n"
	format := FileFormat{Delimiter: ',', SkipHeader: 1, Quote: `"`, FieldCount: 2}

	result, err := Parse(strings.NewReader(input), format)
	require.NoError(t, err)
	assert.Empty(t, result.Rejected)
	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4"}}, result.Rows)
}

func TestParse_QuotesAreLiteralWhenDisabled(t *testing.T) {
	input := "x,\"a,b\",y,z\n"

	result, err := Parse(strings.NewReader(input), FileFormat{Delimiter: ','})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, []string{"x", `"a`, `b"`, "y", "z"}, result.Rows[0])

	result, err = Parse(strings.NewReader(input), FileFormat{Delimiter: ',', FieldCount: 4})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 1, result.Rejected[0].Line)
	assert.Contains(t, result.Rejected[0].Reason, "expected 4 fields, got 5")
}

func TestParse_LiteralModeCountsBlankLines(t *testing.T) {
	input := "h\r\n\r\n1,2\r\n1\n"
	format := FileFormat{Delimiter: ',', SkipHeader: 1, FieldCount: 2}

	result, err := Parse(strings.NewReader(input), format)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "2"}}, result.Rows)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 4, result.Rejected[0].Line)
}

func TestFormatFromConfig_Quote(t *testing.T) {
	f := FormatFromConfig(config.FormatConfig{Delimiter: ",", Quote: config.QuoteNone})
	assert.Equal(t, "", f.Quote)

	f = FormatFromConfig(config.FormatConfig{Delimiter: ",", Quote: config.DefaultQuote})
	assert.Equal(t, `"`, f.Quote)
}

func TestFormatFromConfig(t *testing.T) {
	f := FormatFromConfig(config.FormatConfig{Delimiter: ";", SkipHeader: 1, Quote: `"`, FieldCount: 12})
	assert.Equal(t, ';', f.Delimiter)
	assert.Equal(t, 1, f.SkipHeader)
	assert.Equal(t, 12, f.FieldCount)
}
