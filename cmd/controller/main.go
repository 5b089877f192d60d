// Package main is the entry point for the suiteplane controller.
// The controller owns the HTTP API, the execution coordinator, progress
// streaming and retention, and can run embedded worker slots.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"suiteplane/internal/app"
	"suiteplane/internal/config"
	"suiteplane/internal/controller"
	"suiteplane/internal/controller/handlers"
	"suiteplane/internal/coordinator"
	"suiteplane/internal/logger"
	"suiteplane/internal/observability"
	"suiteplane/internal/progress"
	"suiteplane/internal/report"
	"suiteplane/internal/retention"
	"suiteplane/internal/suite"
	"suiteplane/internal/worker"
)

// retentionLockExpiry bounds how long a crashed sweeper can hold the lock.
const retentionLockExpiry = 10 * time.Minute

func main() {
	configPath := flag.String("config", "", "Path to config file (default: suiteplane.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("controller failed", "error", err)
		os.Exit(1)
	}
	log.Info("controller exited properly")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "suiteplane-controller", cfg.OTELEndpoint,
		observability.WithSampleRatio(cfg.OTELSampleRatio), observability.WithInstanceID(app.Hostname()))
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()
	instruments, err := observability.NewInstruments()
	if err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	backends, err := app.Open(ctx, cfg, "controller-"+app.Hostname(), log)
	if err != nil {
		return err
	}
	defer backends.Close()

	catalog, err := suite.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}

	pubOpts := []progress.Option{
		progress.WithPollInterval(cfg.ProgressPollInterval),
		progress.WithLogger(log),
	}
	if backends.Redis != nil {
		pubOpts = append(pubOpts, progress.WithCache(progress.NewRedisCache(backends.Redis, cfg.SnapshotCacheTTL)))
	}
	publisher, err := progress.New(backends.Store, pubOpts...)
	if err != nil {
		return err
	}

	coordOpts := []coordinator.Option{
		coordinator.WithLogger(log),
		coordinator.WithInstruments(instruments),
		coordinator.WithNotifier(publisher),
	}
	handlerOpts := []handlers.Option{
		handlers.WithLogger(log),
		handlers.WithAllowedOrigins(cfg.CORSAllowedOrigins),
	}
	if cfg.ArchivePath != "" {
		archive, err := report.OpenArchive(cfg.ArchivePath)
		if err != nil {
			return err
		}
		defer archive.Close()
		coordOpts = append(coordOpts, coordinator.WithArchive(archive))
		handlerOpts = append(handlerOpts, handlers.WithReports(archive))
	}
	coord := coordinator.New(backends.Store, backends.Transport, catalog, coordinator.Config{
		Defaults:      app.Defaults(cfg),
		SweepInterval: cfg.SweepInterval,
	}, coordOpts...)

	var locker retention.Locker = retention.NoopLocker{}
	if backends.Redis != nil {
		locker = retention.NewRedisLocker(backends.Redis, retentionLockExpiry)
	}
	sweeper := retention.New(backends.Store, retention.Config{
		Period:   cfg.RetentionPeriod,
		Interval: cfg.RetentionInterval,
	}, retention.WithLocker(locker), retention.WithLogger(log))

	// Open executions, read only when scraped.
	err = observability.RegisterGauge("suiteplane_open_executions",
		"Executions that have not reached a terminal status",
		observability.DefaultGaugeTimeout, log,
		func(ctx context.Context) (int64, error) {
			open, err := backends.Store.ListOpenExecutions(ctx)
			return int64(len(open)), err
		})
	if err != nil {
		log.Warn("failed to register open executions gauge", "error", err)
	}

	var wg conc.WaitGroup
	wg.Go(func() { coord.Run(ctx) })
	wg.Go(func() { sweeper.Run(ctx) })

	if cfg.EmbeddedWorkers > 0 {
		rt, err := app.NewRuntime(cfg, log)
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
		agent := worker.New(backends.Store, backends.Transport, worker.NewRuntimeRunner(rt, catalog, log), worker.AgentConfig{
			ID:                cfg.WorkerID,
			Concurrency:       cfg.EmbeddedWorkers,
			PollInterval:      cfg.WorkerPollInterval,
			MaxBackoff:        cfg.WorkerMaxBackoff,
			HeartbeatInterval: cfg.WorkerHeartbeatInterval,
			LeaseDuration:     cfg.LeaseDuration,
		}, worker.WithOutcomeHandler(coord), worker.WithLogger(log), worker.WithInstruments(instruments))
		wg.Go(func() { agent.Run(ctx) })
	}

	h := handlers.New(coord, publisher, backends.Store, handlerOpts...)
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, h, controller.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimit:      cfg.RateLimit,
		Burst:          cfg.RateLimitBurst,
		Metrics:        metricsHandler,
		Logger:         log,
	})

	log.Info("suiteplane controller starting", "addr", addr, "embedded_workers", cfg.EmbeddedWorkers)
	err = srv.Run(ctx)
	stop()
	log.Info("shutting down controller")
	wg.Wait()
	return err
}
