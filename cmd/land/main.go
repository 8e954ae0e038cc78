package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dvloznov/finance-pipeline/internal/config"
	"github.com/dvloznov/finance-pipeline/internal/infra"
	"github.com/dvloznov/finance-pipeline/internal/landing"
	"github.com/dvloznov/finance-pipeline/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("PIPELINE_CONFIG"), "Path to the YAML config file (or set PIPELINE_CONFIG env)")
		uri        = flag.String("uri", "", "Object URI prefix to land (e.g. gs://bucket/exports/, s3://bucket/in/ or a directory); defaults to source.uri")
		timeout    = flag.Duration("timeout", 30*time.Minute, "Give up after this long")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New()
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}
	log := logger.NewWithOptions(cfg.Logging.LoggerOptions())

	prefix := *uri
	if prefix == "" {
		prefix = cfg.Source.URI
	}
	if prefix == "" {
		log.Fatal().Msg("Error: --uri or source.uri is required")
	}

	// Timeout so the CLI doesn't hang on a stuck object store.
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	store, err := infra.OpenWarehouse(ctx, cfg.Warehouse)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open warehouse")
	}
	defer store.Close()

	sources, err := infra.OpenSources(ctx, prefix, cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open object source")
	}
	defer sources.Close()

	log.Info().Str("uri", prefix).Msg("Starting landing")

	loader := landing.NewLoader(sources, store, landing.FormatFromConfig(cfg.Source.Format))
	report, err := loader.LandPrefix(ctx, prefix)
	if err != nil {
		log.Fatal().Err(err).Msg("Landing failed")
	}

	for _, f := range report.Files {
		if len(f.Rejected) > 0 {
			log.Warn().
				Str("uri", f.URI).
				Int("rejected", len(f.Rejected)).
				Msg("Rows rejected while landing")
		}
	}

	fmt.Printf("Landed %d of %d files (%d skipped): %d rows, %d rejected.\n",
		report.FilesLanded, report.FilesSeen, report.FilesSkipped, report.RowsLanded, report.RowsRejected)
}
