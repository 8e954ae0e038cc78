package duckdb

import (
	"context"
	"fmt"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/jmoiron/sqlx"

	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// DriverName is the database/sql driver registered by duckdb-go.
const DriverName = "duckdb"

// schema is applied by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS raw_seq START 1`,
	`CREATE TABLE IF NOT EXISTS raw_records (
		seq_id      BIGINT PRIMARY KEY,
		source_file VARCHAR NOT NULL,
		fields      VARCHAR NOT NULL,
		ingested_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS landed_files (
		checksum       VARCHAR PRIMARY KEY,
		uri            VARCHAR NOT NULL,
		row_count      INTEGER NOT NULL,
		rejected_count INTEGER NOT NULL,
		first_seq      BIGINT NOT NULL,
		last_seq       BIGINT NOT NULL,
		landed_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cursors (
		name       VARCHAR PRIMARY KEY,
		last_seq   BIGINT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS staging (
		seq_id           BIGINT PRIMARY KEY,
		transaction_date DATE,
		account_id       VARCHAR NOT NULL,
		amount           DECIMAL(38, 10),
		transaction_type VARCHAR NOT NULL,
		description      VARCHAR NOT NULL,
		category         VARCHAR NOT NULL,
		merchant         VARCHAR NOT NULL,
		location         VARCHAR NOT NULL,
		currency         VARCHAR NOT NULL,
		status           VARCHAR NOT NULL,
		channel          VARCHAR NOT NULL,
		remarks          VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dim_account (
		account_id VARCHAR PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS dim_merchant (
		merchant_name VARCHAR NOT NULL,
		location      VARCHAR NOT NULL,
		currency      VARCHAR NOT NULL,
		PRIMARY KEY (merchant_name, location, currency)
	)`,
	`CREATE TABLE IF NOT EXISTS fact_transactions (
		seq_id           BIGINT PRIMARY KEY,
		transaction_date DATE,
		account_id       VARCHAR NOT NULL,
		amount           DECIMAL(38, 10),
		transaction_type VARCHAR NOT NULL,
		category         VARCHAR NOT NULL,
		merchant_name    VARCHAR NOT NULL,
		location         VARCHAR NOT NULL,
		currency         VARCHAR NOT NULL,
		status           VARCHAR NOT NULL,
		channel          VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fact_transactions_rejected (
		seq_id           BIGINT PRIMARY KEY,
		transaction_date DATE,
		account_id       VARCHAR NOT NULL,
		amount           DECIMAL(38, 10),
		transaction_type VARCHAR NOT NULL,
		category         VARCHAR NOT NULL,
		merchant_name    VARCHAR NOT NULL,
		location         VARCHAR NOT NULL,
		currency         VARCHAR NOT NULL,
		status           VARCHAR NOT NULL,
		channel          VARCHAR NOT NULL,
		rule             VARCHAR NOT NULL,
		reason           VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id      VARCHAR PRIMARY KEY,
		pipeline    VARCHAR NOT NULL,
		status      VARCHAR NOT NULL,
		cursor_from BIGINT NOT NULL,
		cursor_to   BIGINT NOT NULL,
		counts      VARCHAR NOT NULL,
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		error       VARCHAR NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS category_rules (
		priority INTEGER NOT NULL,
		pattern  VARCHAR NOT NULL,
		category VARCHAR NOT NULL,
		active   BOOLEAN NOT NULL DEFAULT TRUE
	)`,
}

// Store is a warehouse backed by an embedded DuckDB database file.
type Store struct {
	db *sqlx.DB

	// appendMu serializes raw appends so sequence ids become visible in
	// the order they were assigned.
	appendMu sync.Mutex
}

// Open opens (or creates) the database at path and applies the schema.
// An empty path opens an in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("Open: connecting to duckdb %q: %w", path, err)
	}

	s := NewWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing connection without touching the schema.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate creates any missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("Migrate: applying schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure Store implements warehouse.Warehouse interface.
var _ warehouse.Warehouse = (*Store)(nil)
