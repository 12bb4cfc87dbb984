// Package main implements the core refresh loop orchestration.
//
// This file contains the Service type which orchestrates the pipeline:
//
//	fetch → train → forecast regions → store snapshots
//
// The Service runs continuously via Run(), executing Tick() at regular
// intervals. Each tick fetches a fresh case batch, retrains the engine,
// forecasts every region plus the nationwide aggregate, and publishes
// the resulting snapshots for the dashboard API to serve.
//
// The refresh loop is instrumented with Prometheus metrics tracking the
// duration of each pipeline stage (fetch, train, forecast) and any errors
// encountered during execution.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/epicast/epicast/cmd/forecaster/metrics"
	"github.com/epicast/epicast/pkg/dataset"
	"github.com/epicast/epicast/pkg/engine"
	"github.com/epicast/epicast/pkg/models"
	"github.com/epicast/epicast/pkg/source"
	"github.com/epicast/epicast/pkg/storage"
)

// Service orchestrates the refresh loop: fetch → train → forecast → store.
type Service struct {
	source        source.Source
	engine        *engine.Engine
	store         storage.Store
	horizonDays   int
	intervalLevel float64
	artifactPath  string
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// NewService creates a new Service.
func NewService(
	src source.Source,
	eng *engine.Engine,
	store storage.Store,
	horizonDays int,
	intervalLevel float64,
	artifactPath string,
	logger *slog.Logger,
	metrics *metrics.Metrics,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		source:        src,
		engine:        eng,
		store:         store,
		horizonDays:   horizonDays,
		intervalLevel: intervalLevel,
		artifactPath:  artifactPath,
		logger:        logger,
		metrics:       metrics,
	}
}

// Run executes the refresh loop at regular intervals.
// Blocks until context is canceled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	s.logger.Info("starting refresh loop",
		"interval", interval,
		"horizon_days", s.horizonDays,
		"interval_level", models.FormatIntervalLevel(s.intervalLevel),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.Tick(ctx); err != nil {
		s.logger.Error("initial refresh tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("refresh loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("refresh tick failed", "error", err)
			}
		}
	}
}

// Tick performs one refresh cycle.
// Exported for testing purposes.
func (s *Service) Tick(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("starting refresh tick")

	tbl, fetchDuration, err := s.fetch(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordError("source", "fetch_failed")
		}
		return fmt.Errorf("fetch: %w", err)
	}

	trainDuration, err := s.train(ctx, tbl)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordError("engine", "train_failed")
		}
		return fmt.Errorf("train: %w", err)
	}

	stored, forecastDuration, err := s.publishForecasts(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordError("store", "put_failed")
		}
		return fmt.Errorf("publish forecasts: %w", err)
	}

	if s.artifactPath != "" {
		if err := s.writeArtifact(); err != nil {
			if s.metrics != nil {
				s.metrics.RecordError("artifact", "write_failed")
			}
			s.logger.Error("failed to write model artifact", "path", s.artifactPath, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.SetModelAge(0)
	}

	totalDuration := time.Since(start)
	s.logger.Info("refresh tick complete",
		"rows", len(tbl.Rows),
		"snapshots", stored,
		"fetch_ms", fetchDuration.Milliseconds(),
		"train_ms", trainDuration.Milliseconds(),
		"forecast_ms", forecastDuration.Milliseconds(),
		"total_ms", totalDuration.Milliseconds(),
	)

	return nil
}

// fetch retrieves the raw case batch from the source.
func (s *Service) fetch(ctx context.Context) (dataset.Table, time.Duration, error) {
	start := time.Now()

	tbl, err := s.source.Fetch(ctx)
	if err != nil {
		return dataset.Table{}, 0, err
	}

	duration := time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordFetch(duration.Seconds())
	}

	s.logger.Info("fetched case data",
		"source", s.source.Name(),
		"rows", len(tbl.Rows),
		"duration_ms", duration.Milliseconds(),
	)

	return tbl, duration, nil
}

// train retrains the engine on the fresh batch.
func (s *Service) train(ctx context.Context, tbl dataset.Table) (time.Duration, error) {
	start := time.Now()

	if _, _, err := s.engine.Train(ctx, tbl); err != nil {
		return 0, err
	}

	duration := time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordTrain(duration.Seconds())
		if regions, err := s.engine.Regions(); err == nil {
			s.metrics.SetTrainedRegions(len(regions))
		}
		if m, err := s.engine.Metrics(); err == nil {
			s.metrics.SetEvaluation(m.MSE, m.RSquared)
		}
	}

	return duration, nil
}

// publishForecasts forecasts every region plus the aggregate and stores
// one snapshot each. Returns the number of snapshots written.
func (s *Service) publishForecasts(ctx context.Context) (int, time.Duration, error) {
	start := time.Now()

	results, err := s.engine.StatePredictions(ctx, s.horizonDays)
	if err != nil {
		return 0, 0, err
	}

	generatedAt := time.Now()
	stored := 0
	for region, result := range results {
		snapshot := storage.Snapshot{
			Region:        region,
			GeneratedAt:   generatedAt,
			HorizonDays:   s.horizonDays,
			IntervalLevel: s.intervalLevel,
			Dates:         result.Dates,
			Yhat:          result.Yhat,
			Lower:         result.Lower,
			Upper:         result.Upper,
		}
		if err := s.store.Put(ctx, snapshot); err != nil {
			return stored, time.Since(start), fmt.Errorf("store snapshot for %s: %w", region, err)
		}
		stored++
	}

	duration := time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordForecast(duration.Seconds())
	}

	s.logger.Debug("published forecasts", "snapshots", stored, "duration_ms", duration.Milliseconds())
	return stored, duration, nil
}

// writeArtifact exports the trained state to the configured path.
func (s *Service) writeArtifact() error {
	data, err := s.engine.Export()
	if err != nil {
		return err
	}
	return os.WriteFile(s.artifactPath, data, 0o644)
}
