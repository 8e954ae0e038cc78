package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/finance-pipeline/internal/config"
	"github.com/dvloznov/finance-pipeline/internal/infra/duckdb"
	"github.com/dvloznov/finance-pipeline/internal/logger"
)

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// migrationPattern matches migration files: 0001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

func main() {
	var (
		configPath    = flag.String("config", os.Getenv("PIPELINE_CONFIG"), "Path to the YAML config file (or set PIPELINE_CONFIG env)")
		driver        = flag.String("driver", "", "Warehouse driver to migrate: bigquery or duckdb (defaults to warehouse.driver)")
		projectID     = flag.String("project", "", "GCP project ID (defaults to warehouse.project_id)")
		datasetID     = flag.String("dataset", "", "BigQuery dataset ID (defaults to warehouse.dataset)")
		duckdbPath    = flag.String("duckdb", "", "DuckDB database file (defaults to warehouse.duckdb_path)")
		appliedBy     = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
		migrationsDir = flag.String("migrations", "migrations/bigquery", "Path to migrations directory")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New()
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}
	log := logger.NewWithOptions(cfg.Logging.LoggerOptions())

	wh := cfg.Warehouse
	override(&wh.Driver, *driver)
	override(&wh.ProjectID, *projectID)
	override(&wh.Dataset, *datasetID)
	override(&wh.DuckDBPath, *duckdbPath)

	ctx := logger.WithContext(context.Background(), log)

	switch wh.Driver {
	case config.DriverDuckDB:
		// The DuckDB schema is embedded in the store and idempotent.
		store, err := duckdb.Open(ctx, wh.DuckDBPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate DuckDB")
		}
		store.Close()
		log.Info().Str("path", wh.DuckDBPath).Msg("DuckDB schema is up to date")

	case config.DriverBigQuery:
		if wh.ProjectID == "" {
			log.Fatal().Msg("Error: -project flag is required. Please specify your GCP project ID.")
		}

		client, err := bigquery.NewClient(ctx, wh.ProjectID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create BigQuery client")
		}
		defer client.Close()

		log.Info().
			Str("project", wh.ProjectID).
			Str("dataset", wh.Dataset).
			Msg("Connected to BigQuery")

		m := &migrator{
			client:    client,
			projectID: wh.ProjectID,
			datasetID: wh.Dataset,
			appliedBy: *appliedBy,
			log:       log,
		}
		if err := m.run(ctx, afero.NewOsFs(), resolveDir(*migrationsDir)); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}

	default:
		log.Fatal().Str("driver", wh.Driver).Msg("Nothing to migrate for this warehouse driver")
	}
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// resolveDir falls back to the repository root when run from cmd/migrate.
func resolveDir(dir string) string {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return filepath.Join("..", "..", dir)
	}
	return dir
}

type migrator struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	appliedBy string
	log       zerolog.Logger
}

func (m *migrator) run(ctx context.Context, fs afero.Fs, dir string) error {
	if err := m.ensureSchemaMigrationsTable(ctx); err != nil {
		return fmt.Errorf("ensuring schema_migrations table: %w", err)
	}

	migrations, err := readMigrations(fs, dir, m.projectID, m.datasetID, m.log)
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	m.log.Info().Int("count", len(migrations)).Msg("Found migration files")

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	m.log.Info().Int("count", len(applied)).Msg("Found already applied migrations")

	todo := pending(migrations, applied, m.log)
	for _, migration := range todo {
		m.log.Info().Msgf("  [RUN]  %04d_%s", migration.Version, migration.Name)

		if err := m.exec(ctx, migration.SQL, nil); err != nil {
			return fmt.Errorf("executing migration %04d_%s: %w", migration.Version, migration.Name, err)
		}
		if err := m.recordMigration(ctx, migration); err != nil {
			return fmt.Errorf("recording migration %04d_%s: %w", migration.Version, migration.Name, err)
		}

		m.log.Info().Msgf("  [OK]   %04d_%s", migration.Version, migration.Name)
	}

	if len(todo) == 0 {
		m.log.Info().Msg("No new migrations to apply. Database is up to date.")
	} else {
		m.log.Info().Int("count", len(todo)).Msg("Successfully applied migrations")
	}
	return nil
}

// pending returns migrations not yet applied, in version order. An applied
// migration whose file has since changed is reported but not re-run.
func pending(migrations []Migration, applied []AppliedMigration, log zerolog.Logger) []Migration {
	appliedByVersion := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		appliedByVersion[am.Version] = am
	}

	var todo []Migration
	for _, migration := range migrations {
		am, ok := appliedByVersion[migration.Version]
		if !ok {
			todo = append(todo, migration)
			continue
		}
		if am.Checksum != "" && am.Checksum != migration.Checksum {
			log.Warn().Msgf("  [DRIFT] %04d_%s changed after it was applied", migration.Version, migration.Name)
			continue
		}
		log.Info().Msgf("  [SKIP] %04d_%s (already applied)", migration.Version, migration.Name)
	}
	return todo
}

// readMigrations reads all migration files from dir, replacing the project
// and dataset placeholders.
func readMigrations(fs afero.Fs, dir, projectID, datasetID string, log zerolog.Logger) ([]Migration, error) {
	files, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []Migration
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		matches := migrationPattern.FindStringSubmatch(file.Name())
		if matches == nil {
			log.Warn().Str("file", file.Name()).Msg("Skipping file with invalid format")
			continue
		}

		version, err := strconv.Atoi(matches[1])
		if err != nil {
			log.Warn().Str("file", file.Name()).Msg("Skipping file with invalid version")
			continue
		}

		content, err := afero.ReadFile(fs, filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", file.Name(), err)
		}

		sql := string(content)
		sql = strings.ReplaceAll(sql, "{{PROJECT_ID}}", projectID)
		sql = strings.ReplaceAll(sql, "{{DATASET_ID}}", datasetID)

		// Checksum of the file before placeholder replacement, so the same
		// migration matches across projects.
		checksum := fmt.Sprintf("%x", sha256.Sum256(content))

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: file.Name(),
			SQL:      sql,
			Checksum: checksum,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (m *migrator) table() string {
	return fmt.Sprintf("`%s.%s.schema_migrations`", m.projectID, m.datasetID)
}

func (m *migrator) exec(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	query := m.client.Query(sql)
	query.Parameters = params

	job, err := query.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}

	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}

	return nil
}

// ensureSchemaMigrationsTable creates the schema_migrations table if it doesn't exist
func (m *migrator) ensureSchemaMigrationsTable(ctx context.Context) error {
	return m.exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+m.table()+` (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`, nil)
}

// getAppliedMigrations retrieves the list of already applied migrations
func (m *migrator) getAppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	query := m.client.Query(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM ` + m.table() + `
		ORDER BY version ASC
	`)
	it, err := query.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}

		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}

		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}

	return applied, nil
}

// recordMigration records a successfully applied migration in schema_migrations
func (m *migrator) recordMigration(ctx context.Context, migration Migration) error {
	return m.exec(ctx, `
		INSERT INTO `+m.table()+`
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, []bigquery.QueryParameter{
		{Name: "version", Value: migration.Version},
		{Name: "name", Value: migration.Name},
		{Name: "checksum", Value: migration.Checksum},
		{Name: "applied_by", Value: m.appliedBy},
	})
}
