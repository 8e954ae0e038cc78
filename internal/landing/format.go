package landing

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dvloznov/finance-pipeline/internal/config"
	"github.com/dvloznov/finance-pipeline/internal/domain"
)

// FileFormat describes how batch files are laid out.
type FileFormat struct {
	Delimiter  rune
	SkipHeader int
	NullTokens []string
	// Quote is `"` for standard quoting or "" to treat quotes as literal text.
	// Config spells the latter "none".
	Quote      string
	FieldCount int
}

// DefaultFileFormat is comma separated with one header line.
var DefaultFileFormat = FileFormat{
	Delimiter:  ',',
	SkipHeader: 1,
	NullTokens: []string{"", "NULL", "null"},
	Quote:      `"`,
	FieldCount: domain.RawFieldCount,
}

// FormatFromConfig builds a FileFormat from source configuration.
func FormatFromConfig(f config.FormatConfig) FileFormat {
	quote := f.Quote
	if quote == config.QuoteNone {
		quote = ""
	}
	return FileFormat{
		Delimiter:  f.DelimiterRune(),
		SkipHeader: f.SkipHeader,
		NullTokens: f.NullTokens,
		Quote:      quote,
		FieldCount: f.FieldCount,
	}
}

// RowError records a row rejected at landing time. Rejected rows are skipped
// and counted; they never fail the batch.
type RowError struct {
	Line   int
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// ParseResult holds the accepted rows of a file and the rows that were rejected.
type ParseResult struct {
	Rows     [][]string
	Rejected []RowError
}

// recordReader yields records with the physical line each one starts on.
type recordReader interface {
	Read() (record []string, line int, err error)
}

// quotedRecords reads standard quoted CSV. A *csv.ParseError rejects one
// record; the reader continues with the next line.
type quotedRecords struct {
	r *csv.Reader
}

func newQuotedRecords(r io.Reader, delimiter rune) *quotedRecords {
	reader := csv.NewReader(r)
	reader.Comma = delimiter
	// Arity is checked per row so a bad row does not abort the file.
	reader.FieldsPerRecord = -1
	return &quotedRecords{r: reader}
}

func (q *quotedRecords) Read() ([]string, int, error) {
	record, err := q.r.Read()
	if err != nil {
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return nil, parseErr.StartLine, err
		}
		return nil, 0, err
	}
	line, _ := q.r.FieldPos(0)
	return record, line, nil
}

// literalRecords splits each line on the delimiter. Quote characters are
// ordinary text.
type literalRecords struct {
	r         *bufio.Reader
	delimiter string
	line      int
}

func newLiteralRecords(r io.Reader, delimiter rune) *literalRecords {
	return &literalRecords{r: bufio.NewReader(r), delimiter: string(delimiter)}
}

func (l *literalRecords) Read() ([]string, int, error) {
	for {
		text, err := l.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, 0, err
		}
		if err == io.EOF && text == "" {
			return nil, 0, io.EOF
		}
		l.line++

		text = strings.TrimSuffix(strings.TrimSuffix(text, "\n"), "\r")
		if text == "" {
			// Blank lines are skipped, as in quoted mode.
			continue
		}
		return strings.Split(text, l.delimiter), l.line, nil
	}
}

// Parse reads delimited text. The first SkipHeader physical lines are
// dropped whether or not they parse. Rows with the wrong number of columns
// or broken quoting are rejected; null tokens are normalized to "".
func Parse(r io.Reader, f FileFormat) (ParseResult, error) {
	if f.Delimiter == 0 {
		f.Delimiter = ','
	}

	var records recordReader
	if f.Quote == "" {
		records = newLiteralRecords(r, f.Delimiter)
	} else {
		records = newQuotedRecords(r, f.Delimiter)
	}

	nulls := make(map[string]struct{}, len(f.NullTokens))
	for _, tok := range f.NullTokens {
		nulls[tok] = struct{}{}
	}

	var result ParseResult
	for {
		record, line, err := records.Read()
		if err == io.EOF {
			break
		}
		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return result, fmt.Errorf("Parse: reading batch: %w", err)
		}

		if line <= f.SkipHeader {
			continue
		}

		if parseErr != nil {
			result.Rejected = append(result.Rejected, RowError{Line: parseErr.StartLine, Reason: parseErr.Err.Error()})
			continue
		}

		if f.FieldCount > 0 && len(record) != f.FieldCount {
			result.Rejected = append(result.Rejected, RowError{
				Line:   line,
				Reason: fmt.Sprintf("expected %d fields, got %d", f.FieldCount, len(record)),
			})
			continue
		}

		row := make([]string, len(record))
		for i, field := range record {
			if _, isNull := nulls[field]; isNull {
				continue
			}
			if _, isNull := nulls[strings.TrimSpace(field)]; isNull {
				continue
			}
			row[i] = field
		}
		result.Rows = append(result.Rows, row)
	}

	return result, nil
}
