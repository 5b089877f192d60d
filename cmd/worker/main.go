// Package main is the entry point for the suiteplane worker.
// The worker claims test-case jobs, runs them on the configured runtime and
// records their outcomes. Retry decisions are made in process so a retry does
// not wait for the controller's next sweep.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"suiteplane/internal/app"
	"suiteplane/internal/config"
	"suiteplane/internal/coordinator"
	"suiteplane/internal/logger"
	"suiteplane/internal/observability"
	"suiteplane/internal/suite"
	"suiteplane/internal/worker"
)

const metricsAddr = ":6162"

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
		log.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "suiteplane-worker", cfg.OTELEndpoint,
		observability.WithSampleRatio(cfg.OTELSampleRatio), observability.WithInstanceID(cfg.WorkerID))
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

	backends, err := app.Open(ctx, cfg, cfg.WorkerID, log)
	if err != nil {
		return err
	}
	defer backends.Close()

	catalog, err := suite.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	rt, err := app.NewRuntime(cfg, log)
	if err != nil {
		return err
	}

	// Only HandleOutcome is used here; sweeping belongs to the controller.
	coord := coordinator.New(backends.Store, backends.Transport, catalog, coordinator.Config{
		Defaults: app.Defaults(cfg),
	}, coordinator.WithLogger(log), coordinator.WithInstruments(instruments))

	agent := worker.New(backends.Store, backends.Transport, worker.NewRuntimeRunner(rt, catalog, log), worker.AgentConfig{
		ID:                cfg.WorkerID,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.WorkerPollInterval,
		MaxBackoff:        cfg.WorkerMaxBackoff,
		HeartbeatInterval: cfg.WorkerHeartbeatInterval,
		LeaseDuration:     cfg.LeaseDuration,
	}, worker.WithOutcomeHandler(coord), worker.WithLogger(log), worker.WithInstruments(instruments))

	go agent.Run(ctx)

	// Start a dedicated metrics server
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux(metricsHandler)}
	go func() {
		log.Info("worker metrics listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down worker")
	metricsSrv.Shutdown(context.Background())

	<-agent.Done()
	return nil
}

func metricsMux(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	return mux
}
