// Package engine orchestrates the forecast pipeline: normalizing raw
// case batches, training the tabular ensemble, and serving per-region
// horizon forecasts and derived epidemiological metrics.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/epicast/epicast/pkg/dataset"
	"github.com/epicast/epicast/pkg/features"
	"github.com/epicast/epicast/pkg/models"
)

// ErrUnknownRegion indicates a request named a region absent from the
// trained dataset.
var ErrUnknownRegion = errors.New("unknown region")

// Config holds engine tuning knobs.
type Config struct {
	// TestFraction is the held-out share of rows for evaluation.
	TestFraction float64

	// Seed drives the train/test shuffle and the ensemble bootstrap.
	Seed int64

	// IntervalLevel is the uncertainty interval level for horizon
	// forecasts.
	IntervalLevel float64

	// DefaultHorizonDays is used when a request does not specify a
	// horizon.
	DefaultHorizonDays int
}

// DefaultConfig returns the standard engine configuration: 20% held-out
// split, seed 42, 80% intervals, 30-day default horizon.
func DefaultConfig() Config {
	return Config{
		TestFraction:       0.2,
		Seed:               42,
		IntervalLevel:      0.80,
		DefaultHorizonDays: 30,
	}
}

// trained bundles everything produced by one training run. The engine
// swaps a single pointer to it under lock, so readers always observe a
// complete, internally consistent state.
type trained struct {
	ds        *dataset.Dataset
	scaler    *features.Scaler
	ensemble  *models.Ensemble
	metrics   models.Metrics
	trainedAt time.Time
}

// Engine is the forecast engine. It is safe for concurrent use: training
// builds a full replacement state off to the side and swaps it in, while
// reads work against whichever state was current when they started.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	state *trained
}

// New creates an engine with the given configuration.
func New(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TestFraction <= 0 || cfg.TestFraction >= 1 {
		cfg.TestFraction = 0.2
	}
	if cfg.IntervalLevel <= 0 || cfg.IntervalLevel >= 1 {
		cfg.IntervalLevel = 0.80
	}
	if cfg.DefaultHorizonDays <= 0 {
		cfg.DefaultHorizonDays = 30
	}
	return &Engine{cfg: cfg, logger: logger}
}

// current returns the active trained state, or an ErrNotFitted error
// before the first successful Train.
func (e *Engine) current() (*trained, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return nil, fmt.Errorf("%w: engine has not been trained", models.ErrNotFitted)
	}
	return e.state, nil
}

// Healthy reports whether the engine has completed at least one
// training run.
func (e *Engine) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state != nil
}

// TrainedAt returns the completion time of the last training run, zero
// before the first.
func (e *Engine) TrainedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return time.Time{}
	}
	return e.state.trainedAt
}

// Train normalizes a raw batch, fits the scaler and ensemble on a
// shuffled 1-TestFraction share of the rows, and atomically replaces the
// serving state. The held-out rows and targets are returned for
// inspection; evaluation metrics are computed on them and retained.
//
// On any error the previous state keeps serving untouched.
func (e *Engine) Train(ctx context.Context, tbl dataset.Table) (features.Matrix, []float64, error) {
	started := time.Now()

	ds, err := dataset.Normalize(tbl, e.logger)
	if err != nil {
		return features.Matrix{}, nil, fmt.Errorf("normalize: %w", err)
	}

	x, y := features.Build(ds)
	trainX, testX, trainY, testY, err := features.Split(x, y, e.cfg.TestFraction, e.cfg.Seed)
	if err != nil {
		return features.Matrix{}, nil, fmt.Errorf("split: %w", err)
	}

	scaler := features.NewScaler()
	scaledTrain, err := scaler.FitTransform(trainX)
	if err != nil {
		return features.Matrix{}, nil, fmt.Errorf("scale train set: %w", err)
	}
	scaledTest, err := scaler.Transform(testX)
	if err != nil {
		return features.Matrix{}, nil, fmt.Errorf("scale test set: %w", err)
	}

	ensemble := models.NewEnsemble()
	ensemble.Seed = e.cfg.Seed
	if err := ensemble.Fit(ctx, scaledTrain.Rows, trainY); err != nil {
		return features.Matrix{}, nil, fmt.Errorf("fit ensemble: %w", err)
	}

	metrics, err := ensemble.Score(ctx, scaledTest.Rows, testY)
	if err != nil {
		return features.Matrix{}, nil, fmt.Errorf("evaluate ensemble: %w", err)
	}

	next := &trained{
		ds:        ds,
		scaler:    scaler,
		ensemble:  ensemble,
		metrics:   metrics,
		trainedAt: time.Now(),
	}

	e.mu.Lock()
	e.state = next
	e.mu.Unlock()

	e.logger.Info("training complete",
		"regions", len(ds.Regions()),
		"observations", ds.Len(),
		"train_rows", trainX.Len(),
		"test_rows", testX.Len(),
		"mse", metrics.MSE,
		"r_squared", metrics.RSquared,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return testX, testY, nil
}

// currentData returns the active state and requires it to carry a
// dataset; restored artifacts have none until the next Train.
func (e *Engine) currentData() (*trained, error) {
	st, err := e.current()
	if err != nil {
		return nil, err
	}
	if st.ds == nil {
		return nil, fmt.Errorf("%w: no dataset loaded, train first", models.ErrNotFitted)
	}
	return st, nil
}

// Regions returns the sorted region names of the trained dataset.
func (e *Engine) Regions() ([]string, error) {
	st, err := e.currentData()
	if err != nil {
		return nil, err
	}
	return st.ds.Regions(), nil
}

// Series returns the normalized series for a region, restricted to
// [start, end] when the bounds are non-zero. Empty region or
// dataset.AggregateRegion selects the nationwide aggregate.
func (e *Engine) Series(region string, start, end time.Time) (*dataset.TimeSeries, error) {
	st, err := e.currentData()
	if err != nil {
		return nil, err
	}
	ts, ok := st.ds.Series(region)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, region)
	}
	if start.IsZero() && end.IsZero() {
		return ts, nil
	}
	return ts.Between(start, end), nil
}

// Predict fits a fresh decomposition model on one region's full history
// and returns fitted values over the observed dates followed by
// horizonDays future steps. horizonDays <= 0 selects the configured
// default.
func (e *Engine) Predict(ctx context.Context, region string, horizonDays int) (models.ForecastResult, error) {
	st, err := e.currentData()
	if err != nil {
		return models.ForecastResult{}, err
	}
	if horizonDays <= 0 {
		horizonDays = e.cfg.DefaultHorizonDays
	}

	ts, ok := st.ds.Series(region)
	if !ok {
		// An absent region has zero observations, so the forecast path
		// reports it as insufficient history. The error still matches
		// ErrUnknownRegion for callers that care about the distinction.
		return models.ForecastResult{}, fmt.Errorf("%w: %w: no observations for %s", models.ErrInsufficientHistory, ErrUnknownRegion, region)
	}

	m := models.NewDecomposition()
	m.IntervalLevel = e.cfg.IntervalLevel
	if err := m.Fit(ctx, ts); err != nil {
		return models.ForecastResult{}, err
	}
	return m.Forecast(ctx, horizonDays)
}

// PredictDetail runs the region forecast and, for model comparison, the
// fitted ensemble's point predictions over the region's observed feature
// rows. The ensemble output is a parallel view of the tabular model, not
// an input to the forecast bounds.
func (e *Engine) PredictDetail(ctx context.Context, region string, horizonDays int) (models.ForecastResult, []float64, error) {
	st, err := e.currentData()
	if err != nil {
		return models.ForecastResult{}, nil, err
	}

	forecast, err := e.Predict(ctx, region, horizonDays)
	if err != nil {
		return models.ForecastResult{}, nil, err
	}

	// Predict already resolved the region, so the series lookup here
	// cannot miss.
	ts, _ := st.ds.Series(region)
	cases, err := e.PredictCases(ctx, features.BuildSeries(ts))
	if err != nil {
		return models.ForecastResult{}, nil, err
	}
	return forecast, cases, nil
}

// StatePredictions forecasts every region in the trained dataset,
// skipping regions whose history is too short to fit. The aggregate
// series is included under dataset.AggregateRegion.
func (e *Engine) StatePredictions(ctx context.Context, horizonDays int) (map[string]models.ForecastResult, error) {
	st, err := e.currentData()
	if err != nil {
		return nil, err
	}
	if horizonDays <= 0 {
		horizonDays = e.cfg.DefaultHorizonDays
	}

	out := make(map[string]models.ForecastResult)

	forecast := func(ts *dataset.TimeSeries) {
		m := models.NewDecomposition()
		m.IntervalLevel = e.cfg.IntervalLevel
		if err := m.Fit(ctx, ts); err != nil {
			if errors.Is(err, models.ErrInsufficientHistory) {
				e.logger.Debug("skipping region with short history",
					"region", ts.Region,
					"observations", len(ts.Points),
				)
				return
			}
			e.logger.Warn("region forecast failed", "region", ts.Region, "error", err)
			return
		}
		r, err := m.Forecast(ctx, horizonDays)
		if err != nil {
			e.logger.Warn("region forecast failed", "region", ts.Region, "error", err)
			return
		}
		out[ts.Region] = r
	}

	st.ds.Walk(forecast)
	forecast(st.ds.Aggregate())

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PredictCases runs the fitted ensemble over pre-built feature rows,
// applying the frozen scaler first.
func (e *Engine) PredictCases(ctx context.Context, x features.Matrix) ([]float64, error) {
	st, err := e.current()
	if err != nil {
		return nil, err
	}

	scaled, err := st.scaler.Transform(x)
	if err != nil {
		return nil, fmt.Errorf("scale features: %w", err)
	}
	return st.ensemble.Predict(ctx, scaled.Rows)
}

// Evaluate scores the fitted ensemble on held-out rows, scaling them
// with the frozen scaler.
func (e *Engine) Evaluate(ctx context.Context, testX features.Matrix, testY []float64) (models.Metrics, error) {
	st, err := e.current()
	if err != nil {
		return models.Metrics{}, err
	}

	scaled, err := st.scaler.Transform(testX)
	if err != nil {
		return models.Metrics{}, fmt.Errorf("scale test set: %w", err)
	}
	return st.ensemble.Score(ctx, scaled.Rows, testY)
}

// Metrics returns the evaluation metrics captured at the last training
// run.
func (e *Engine) Metrics() (models.Metrics, error) {
	st, err := e.current()
	if err != nil {
		return models.Metrics{}, err
	}
	return st.metrics, nil
}

// RatePoint pairs a date with a derived percentage rate.
type RatePoint struct {
	Date time.Time `json:"date"`
	Rate float64   `json:"rate"`
}

// GrowthRate returns the day-over-day percent growth of confirmed
// counts for a region.
func (e *Engine) GrowthRate(region string) ([]RatePoint, error) {
	ts, err := e.Series(region, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	return ratePoints(ts, dataset.GrowthRate(ts)), nil
}

// RecoveryRate returns recovered/confirmed as a percentage per day for
// a region.
func (e *Engine) RecoveryRate(region string) ([]RatePoint, error) {
	ts, err := e.Series(region, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	return ratePoints(ts, dataset.RecoveryRate(ts)), nil
}

func ratePoints(ts *dataset.TimeSeries, rates []float64) []RatePoint {
	out := make([]RatePoint, len(rates))
	for i, r := range rates {
		out[i] = RatePoint{Date: ts.Points[i].Date, Rate: r}
	}
	return out
}

// RegionSeries is one region's observed confirmed history for
// comparison views.
type RegionSeries struct {
	Dates     []time.Time `json:"dates"`
	Confirmed []float64   `json:"confirmed"`
}

// Compare returns the observed dates and confirmed counts of the named
// regions, keyed by region name. Unknown names fail the whole request so
// callers notice typos.
func (e *Engine) Compare(regions []string) (map[string]RegionSeries, error) {
	st, err := e.currentData()
	if err != nil {
		return nil, err
	}

	out := make(map[string]RegionSeries, len(regions))
	for _, name := range regions {
		ts, ok := st.ds.Series(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, name)
		}
		out[ts.Region] = RegionSeries{
			Dates:     ts.Dates(),
			Confirmed: ts.Confirmed(),
		}
	}
	return out, nil
}

// Artifact is the serializable trained state of the engine: the frozen
// scaler and the fitted ensemble. The dataset itself is not part of the
// artifact; restoring one yields an engine that can score feature rows
// but needs a fresh Train before serving series or region forecasts.
type Artifact struct {
	TrainedAt time.Time            `json:"trained_at"`
	Metrics   models.Metrics       `json:"metrics"`
	Scaler    features.ScalerState `json:"scaler"`
	Ensemble  models.EnsembleState `json:"ensemble"`
}

// Export serializes the trained scaler and ensemble to JSON.
func (e *Engine) Export() ([]byte, error) {
	st, err := e.current()
	if err != nil {
		return nil, err
	}

	scalerState, err := st.scaler.State()
	if err != nil {
		return nil, fmt.Errorf("export scaler: %w", err)
	}
	ensembleState, err := st.ensemble.State()
	if err != nil {
		return nil, fmt.Errorf("export ensemble: %w", err)
	}

	return json.Marshal(Artifact{
		TrainedAt: st.trainedAt,
		Metrics:   st.metrics,
		Scaler:    scalerState,
		Ensemble:  ensembleState,
	})
}

// Restore loads a previously exported artifact. The restored state has
// no dataset, so series and region forecast calls keep failing until the
// next Train; PredictCases works immediately.
func (e *Engine) Restore(data []byte) error {
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return fmt.Errorf("decode artifact: %w", err)
	}

	next := &trained{
		ds:        nil,
		scaler:    features.NewScalerFromState(artifact.Scaler),
		ensemble:  models.NewEnsembleFromState(artifact.Ensemble),
		metrics:   artifact.Metrics,
		trainedAt: artifact.TrainedAt,
	}

	e.mu.Lock()
	e.state = next
	e.mu.Unlock()
	return nil
}
