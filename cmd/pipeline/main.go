package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/finance-pipeline/internal/api/handlers"
	"github.com/dvloznov/finance-pipeline/internal/api/middleware"
	"github.com/dvloznov/finance-pipeline/internal/config"
	"github.com/dvloznov/finance-pipeline/internal/infra"
	"github.com/dvloznov/finance-pipeline/internal/landing"
	"github.com/dvloznov/finance-pipeline/internal/logger"
	"github.com/dvloznov/finance-pipeline/internal/pipeline"
	"github.com/dvloznov/finance-pipeline/internal/scheduler"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("PIPELINE_CONFIG"), "Path to the YAML config file (or set PIPELINE_CONFIG env)")
		once       = flag.Bool("once", false, "Run the pipeline once and exit instead of serving")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New()
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}

	log := logger.NewWithOptions(cfg.Logging.LoggerOptions())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	store, err := infra.OpenWarehouse(ctx, cfg.Warehouse)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open warehouse")
	}
	defer store.Close()

	opts := pipeline.OptionsFromConfig(cfg)
	if cfg.Pipeline.LandOnRun && cfg.Source.URI != "" {
		sources, err := infra.OpenSources(ctx, cfg.Source.URI, cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open object source")
		}
		defer sources.Close()

		opts.Loader = landing.NewLoader(sources, store, landing.FormatFromConfig(cfg.Source.Format))
		opts.SourceURI = cfg.Source.URI
	}
	runner := pipeline.NewRunner(store, opts)

	if *once {
		run, err := runner.Run(ctx)
		if err != nil {
			log.Fatal().Err(err).Str("run_id", run.RunID).Msg("Pipeline run failed")
		}
		log.Info().
			Str("run_id", run.RunID).
			Int64("cursor", run.CursorTo).
			Msg("Pipeline run completed")
		return
	}

	sched, err := scheduler.New(runner, scheduler.Options{
		Schedule:      cfg.Pipeline.Schedule,
		RulesSchedule: cfg.Pipeline.RulesSchedule,
		Reapplier:     runner,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}

	mux := http.NewServeMux()
	handlers.NewRunsHandler(sched, store, store, log).Register(mux)

	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(log)(
				middleware.Metrics(mux),
			),
		),
	)

	server := &http.Server{
		Addr:        ":" + cfg.HTTP.Port,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// POST /api/runs answers once the triggered run has finished.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("port", cfg.HTTP.Port).Msg("Starting pipeline server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()

		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Wait for a scheduled run in flight before closing the warehouse.
		select {
		case <-sched.Stop().Done():
		case <-shutdownCtx.Done():
			log.Warn().Msg("Scheduled run still in progress at shutdown")
		}

		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}

	log.Info().Msg("Server exited")
}
