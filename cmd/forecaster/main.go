// Command forecaster implements the epicast case forecast service.
//
// The service runs a continuous refresh loop that:
//  1. Fetches regional case observations from the configured source
//  2. Normalizes the batch and trains the case ensemble
//  3. Forecasts every region plus the nationwide aggregate
//  4. Stores forecast snapshots for the dashboard to consume
//  5. Exposes the dashboard API, snapshots, and metrics over HTTP
//
// The service serves an HTTP API on port 8081 (configurable) providing:
//   - GET /api/regions, /api/data, /api/predictions, /api/growth-rate,
//     /api/recovery-rate, /api/comparison, /api/evaluation - Dashboard API
//   - GET /forecast/current?region=<name> - Retrieve latest forecast snapshot
//   - GET /healthz - Health check endpoint (503 until first training run)
//   - GET /metrics - Prometheus metrics endpoint
//
// Usage:
//
//	forecaster \
//	  -source=file \
//	  -horizon-days=30 \
//	  -refresh-interval=6h \
//	  -storage=redis -redis-addr=redis:6379
//
// Environment variables:
//
//	SOURCE           - Source kind: http or file (required)
//	SOURCE_*         - Source-specific options (SOURCE_URL, SOURCE_PATH, ...)
//	HORIZON_DAYS     - Forecast horizon in days (default: 30)
//	INTERVAL_LEVEL   - Uncertainty interval level (default: p80)
//	REFRESH_INTERVAL - Refresh loop interval (default: 6h)
//	STORAGE          - Storage backend: memory or redis (default: memory)
//	ARTIFACT_PATH    - Trained model artifact path (optional)
//	LOG_LEVEL        - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT       - Logging format: text, json (default: text)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/epicast/epicast/cmd/forecaster/config"
	"github.com/epicast/epicast/cmd/forecaster/logger"
	"github.com/epicast/epicast/cmd/forecaster/metrics"
	"github.com/epicast/epicast/cmd/forecaster/router"
	"github.com/epicast/epicast/cmd/forecaster/store"
	"github.com/epicast/epicast/pkg/engine"
	"github.com/epicast/epicast/pkg/httpx"
	"github.com/epicast/epicast/pkg/source"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	logger := logger.New(cfg)
	slog.SetDefault(logger)

	logger.Info("starting epicast forecaster",
		"version", version,
		"source", cfg.Source,
		"horizon_days", cfg.HorizonDays,
	)

	src, err := source.New(cfg.Source, cfg.SourceConfig)
	if err != nil {
		logger.Error("failed to build source", "error", err)
		os.Exit(1)
	}

	snapshots := store.New(cfg, logger)
	if closer, ok := snapshots.(interface{ Close() error }); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Error("failed to close store", "error", err)
			}
		}()
	}

	eng := engine.New(engine.Config{
		TestFraction:       cfg.TestFraction,
		Seed:               cfg.Seed,
		IntervalLevel:      cfg.ParsedIntervalLevel(),
		DefaultHorizonDays: cfg.HorizonDays,
	}, logger)

	if cfg.ArtifactPath != "" {
		if data, err := os.ReadFile(cfg.ArtifactPath); err == nil {
			if err := eng.Restore(data); err != nil {
				logger.Warn("failed to restore model artifact", "path", cfg.ArtifactPath, "error", err)
			} else {
				logger.Info("restored model artifact", "path", cfg.ArtifactPath, "trained_at", eng.TrainedAt())
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to read model artifact", "path", cfg.ArtifactPath, "error", err)
		}
	}

	svc := NewService(
		src,
		eng,
		snapshots,
		cfg.HorizonDays,
		cfg.ParsedIntervalLevel(),
		cfg.ArtifactPath,
		logger,
		metrics.New(cfg.Source),
	)

	staleAfter := 2 * cfg.RefreshInterval // Snapshot is stale if older than 2x the interval
	mux := router.SetupRoutes(eng, snapshots, staleAfter, logger)
	handler := httpx.RecoveryMiddleware(logger)(httpx.LoggingMiddleware(logger)(mux))
	httpServer := httpx.NewServer(cfg.Listen, handler, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := svc.Run(ctx, cfg.RefreshInterval); err != nil && err != context.Canceled {
			logger.Error("refresh loop failed", "error", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	logger.Info("shutting down")
	cancel()

	if err := httpServer.Stop(10 * time.Second); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
