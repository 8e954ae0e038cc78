package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/logger"
)

// Warehouse drivers.
const (
	DriverMemory   = "memory"
	DriverDuckDB   = "duckdb"
	DriverBigQuery = "bigquery"
)

// Defaults applied by Load when a value is not configured.
const (
	DefaultPipelineName = "transactions"
	DefaultSchedule     = "@every 1h"
	DefaultWorkers      = 4
	DefaultHTTPPort     = "8080"
	DefaultDataset      = "finance"
	DefaultDuckDBPath   = "finance.duckdb"
	DefaultQuote        = `"`
)

// QuoteNone disables quoting: quote characters are ordinary field text.
const QuoteNone = "none"

type Config struct {
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Source      SourceConfig      `yaml:"source"`
	Warehouse   WarehouseConfig   `yaml:"warehouse"`
	S3          S3Config          `yaml:"s3"`
	Rules       RulesConfig       `yaml:"rules"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
	Operational OperationalConfig `yaml:"operational"`
}

type PipelineConfig struct {
	Name string `yaml:"name"`
	// Schedule is a cron expression or "@every <duration>".
	Schedule string `yaml:"schedule"`
	// RulesSchedule optionally re-applies business rules to historical facts.
	RulesSchedule string `yaml:"rules_schedule"`
	// BatchLimit caps the number of raw rows consumed per run; 0 means no cap.
	BatchLimit int `yaml:"batch_limit"`
	Workers    int `yaml:"workers"`
	// LandOnRun lands new source files at the start of every run.
	LandOnRun bool `yaml:"land_on_run"`
}

type SourceConfig struct {
	URI    string       `yaml:"uri"`
	Format FormatConfig `yaml:"format"`
}

type FormatConfig struct {
	Delimiter  string   `yaml:"delimiter"`
	SkipHeader int      `yaml:"skip_header"`
	NullTokens []string `yaml:"null_tokens"`
	// Quote is `"` (the default) or "none".
	Quote      string   `yaml:"quote"`
	FieldCount int      `yaml:"field_count"`
}

type WarehouseConfig struct {
	Driver     string `yaml:"driver"`
	DuckDBPath string `yaml:"duckdb_path"`
	ProjectID  string `yaml:"project_id"`
	Dataset    string `yaml:"dataset"`
}

type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type RulesConfig struct {
	Quarantine       bool              `yaml:"quarantine"`
	CategoryPatterns []CategoryPattern `yaml:"category_patterns"`
}

type CategoryPattern struct {
	Pattern  string `yaml:"pattern"`
	Category string `yaml:"category"`
}

type HTTPConfig struct {
	Port string `yaml:"port"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// OperationalConfig is recognized so existing deployment files parse, but it
// does not change pipeline behavior.
type OperationalConfig struct {
	WarehouseSize      string `yaml:"warehouse_size"`
	AutoSuspendSeconds int    `yaml:"auto_suspend_seconds"`
}

// DefaultCategoryPatterns is used when no patterns are configured.
var DefaultCategoryPatterns = []CategoryPattern{
	{Pattern: "amazon", Category: "ONLINE_SHOPPING"},
	{Pattern: "ebay", Category: "ONLINE_SHOPPING"},
	{Pattern: "uber", Category: "TRANSPORT"},
	{Pattern: "shell", Category: "FUEL"},
	{Pattern: "starbucks", Category: "FOOD_AND_DRINK"},
	{Pattern: "netflix", Category: "ENTERTAINMENT"},
}

// Load reads the YAML file at path (optional), loads a .env file if present,
// applies PIPELINE_* environment overrides and defaults, and validates.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Load: reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("Load: parsing config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Load: invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setString("PIPELINE_NAME", &c.Pipeline.Name)
	setString("PIPELINE_SCHEDULE", &c.Pipeline.Schedule)
	setString("PIPELINE_RULES_SCHEDULE", &c.Pipeline.RulesSchedule)
	setString("PIPELINE_SOURCE_URI", &c.Source.URI)
	setString("PIPELINE_WAREHOUSE_DRIVER", &c.Warehouse.Driver)
	setString("PIPELINE_DUCKDB_PATH", &c.Warehouse.DuckDBPath)
	setString("PIPELINE_BQ_PROJECT", &c.Warehouse.ProjectID)
	setString("PIPELINE_BQ_DATASET", &c.Warehouse.Dataset)
	setString("PIPELINE_S3_REGION", &c.S3.Region)
	setString("PIPELINE_S3_ENDPOINT", &c.S3.Endpoint)
	setString("PIPELINE_HTTP_PORT", &c.HTTP.Port)
	setString("PIPELINE_LOG_LEVEL", &c.Logging.Level)
	setString("PIPELINE_LOG_FORMAT", &c.Logging.Format)
	setString("PIPELINE_LOG_FILE", &c.Logging.File)

	if v, ok := os.LookupEnv("PIPELINE_BATCH_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PIPELINE_BATCH_LIMIT: %w", err)
		}
		c.Pipeline.BatchLimit = n
	}
	if v, ok := os.LookupEnv("PIPELINE_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PIPELINE_WORKERS: %w", err)
		}
		c.Pipeline.Workers = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Pipeline.Name == "" {
		c.Pipeline.Name = DefaultPipelineName
	}
	if c.Pipeline.Schedule == "" {
		c.Pipeline.Schedule = DefaultSchedule
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = DefaultWorkers
	}
	if c.Source.Format.Delimiter == "" {
		c.Source.Format.Delimiter = ","
	}
	if c.Source.Format.Quote == "" {
		c.Source.Format.Quote = DefaultQuote
	}
	if c.Source.Format.NullTokens == nil {
		c.Source.Format.NullTokens = []string{"", "NULL", "null"}
	}
	if c.Source.Format.FieldCount == 0 {
		c.Source.Format.FieldCount = domain.RawFieldCount
	}
	if c.Warehouse.Driver == "" {
		c.Warehouse.Driver = DriverDuckDB
	}
	if c.Warehouse.DuckDBPath == "" {
		c.Warehouse.DuckDBPath = DefaultDuckDBPath
	}
	if c.Warehouse.Dataset == "" {
		c.Warehouse.Dataset = DefaultDataset
	}
	if len(c.Rules.CategoryPatterns) == 0 {
		c.Rules.CategoryPatterns = append([]CategoryPattern(nil), DefaultCategoryPatterns...)
	}
	if c.HTTP.Port == "" {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := cron.ParseStandard(c.Pipeline.Schedule); err != nil {
		return fmt.Errorf("pipeline.schedule %q: %w", c.Pipeline.Schedule, err)
	}
	if c.Pipeline.RulesSchedule != "" {
		if _, err := cron.ParseStandard(c.Pipeline.RulesSchedule); err != nil {
			return fmt.Errorf("pipeline.rules_schedule %q: %w", c.Pipeline.RulesSchedule, err)
		}
	}
	if c.Pipeline.BatchLimit < 0 {
		return fmt.Errorf("pipeline.batch_limit must not be negative")
	}

	if utf8.RuneCountInString(c.Source.Format.Delimiter) != 1 {
		return fmt.Errorf("source.format.delimiter must be a single character, got %q", c.Source.Format.Delimiter)
	}
	if c.Source.Format.Quote != DefaultQuote && c.Source.Format.Quote != QuoteNone {
		return fmt.Errorf("source.format.quote must be %q or %q, got %q", DefaultQuote, QuoteNone, c.Source.Format.Quote)
	}
	if c.Source.Format.SkipHeader < 0 {
		return fmt.Errorf("source.format.skip_header must not be negative")
	}

	switch c.Warehouse.Driver {
	case DriverMemory, DriverDuckDB:
	case DriverBigQuery:
		if c.Warehouse.ProjectID == "" {
			return fmt.Errorf("warehouse.project_id is required for the bigquery driver")
		}
	default:
		return fmt.Errorf("unknown warehouse.driver %q", c.Warehouse.Driver)
	}

	for i, p := range c.Rules.CategoryPatterns {
		if strings.TrimSpace(p.Pattern) == "" || strings.TrimSpace(p.Category) == "" {
			return fmt.Errorf("rules.category_patterns[%d]: pattern and category are required", i)
		}
	}
	return nil
}

// DelimiterRune returns the configured field delimiter.
func (f FormatConfig) DelimiterRune() rune {
	r, _ := utf8.DecodeRuneInString(f.Delimiter)
	return r
}

// LoggerOptions maps logging configuration onto logger options.
func (l LoggingConfig) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}
