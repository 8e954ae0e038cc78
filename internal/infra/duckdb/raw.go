package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

type rawRow struct {
	SeqID      int64     `db:"seq_id"`
	SourceFile string    `db:"source_file"`
	Fields     string    `db:"fields"`
	IngestedAt time.Time `db:"ingested_at"`
}

type landedFileRow struct {
	Checksum string    `db:"checksum"`
	URI      string    `db:"uri"`
	Rows     int       `db:"row_count"`
	Rejected int       `db:"rejected_count"`
	FirstSeq int64     `db:"first_seq"`
	LastSeq  int64     `db:"last_seq"`
	LandedAt time.Time `db:"landed_at"`
}

// Append implements warehouse.RawLog. Rows are landed in one transaction.
func (s *Store) Append(ctx context.Context, sourceFile string, rows [][]string) (ids []int64, err error) {
	if len(rows) == 0 {
		return nil, nil
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Append: beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	ingested := time.Now().UTC()
	ids = make([]int64, 0, len(rows))
	for i, fields := range rows {
		encoded, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("Append: encoding row %d: %w", i, err)
		}

		var id int64
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO raw_records (seq_id, source_file, fields, ingested_at)
			VALUES (nextval('raw_seq'), ?, ?, ?)
			RETURNING seq_id
		`, sourceFile, string(encoded), ingested).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("Append: inserting row %d: %w", i, err)
		}
		ids = append(ids, id)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("Append: committing: %w", err)
	}
	return ids, nil
}

// Scan implements warehouse.RawLog.
func (s *Store) Scan(ctx context.Context, sinceSeq int64, limit int) ([]domain.RawRecord, error) {
	query := `
		SELECT seq_id, source_file, fields, ingested_at
		FROM raw_records
		WHERE seq_id > ?
		ORDER BY seq_id`
	args := []interface{}{sinceSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []rawRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("Scan: querying raw records: %w", err)
	}

	records := make([]domain.RawRecord, 0, len(rows))
	for _, r := range rows {
		var fields []string
		if err := json.Unmarshal([]byte(r.Fields), &fields); err != nil {
			return nil, fmt.Errorf("Scan: decoding fields of seq %d: %w", r.SeqID, err)
		}
		records = append(records, domain.RawRecord{
			SeqID:      r.SeqID,
			Fields:     fields,
			IngestedAt: r.IngestedAt,
			SourceFile: r.SourceFile,
		})
	}
	return records, nil
}

// FindLandedFile implements warehouse.LandedFiles.
func (s *Store) FindLandedFile(ctx context.Context, checksum string) (*warehouse.LandedFile, error) {
	var row landedFileRow
	err := s.db.GetContext(ctx, &row, `
		SELECT checksum, uri, row_count, rejected_count, first_seq, last_seq, landed_at
		FROM landed_files
		WHERE checksum = ?
	`, checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindLandedFile: querying landed files: %w", err)
	}

	return &warehouse.LandedFile{
		URI:      row.URI,
		Checksum: row.Checksum,
		Rows:     row.Rows,
		Rejected: row.Rejected,
		FirstSeq: row.FirstSeq,
		LastSeq:  row.LastSeq,
		LandedAt: row.LandedAt,
	}, nil
}

// RecordLandedFile implements warehouse.LandedFiles.
func (s *Store) RecordLandedFile(ctx context.Context, f warehouse.LandedFile) error {
	if f.LandedAt.IsZero() {
		f.LandedAt = time.Now().UTC()
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO landed_files (checksum, uri, row_count, rejected_count, first_seq, last_seq, landed_at)
		VALUES (:checksum, :uri, :row_count, :rejected_count, :first_seq, :last_seq, :landed_at)
		ON CONFLICT (checksum) DO NOTHING
	`, landedFileRow{
		Checksum: f.Checksum,
		URI:      f.URI,
		Rows:     f.Rows,
		Rejected: f.Rejected,
		FirstSeq: f.FirstSeq,
		LastSeq:  f.LastSeq,
		LandedAt: f.LandedAt,
	})
	if err != nil {
		return fmt.Errorf("RecordLandedFile: inserting %s: %w", f.URI, err)
	}
	return nil
}
