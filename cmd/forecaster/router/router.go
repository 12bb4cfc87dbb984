// Package router configures HTTP routes for the forecast service's API.
//
// The service exposes an HTTP server on port 8081 (configurable) that
// serves the dashboard API, health checks, and Prometheus metrics. This
// package sets up the routes for that HTTP server.
//
// Routes configured:
//   - GET /api/regions - Sorted distinct region names
//   - GET /api/data?region=&start=&end= - Observed daily series
//   - GET /api/predictions?region=&days= - Horizon forecast with bounds
//   - GET /api/growth-rate?region= - Day-over-day percent growth
//   - GET /api/recovery-rate?region= - Recovered share per day
//   - GET /api/comparison?regions=a,b,c - Observed confirmed series per region
//   - GET /api/evaluation - Held-out ensemble MSE and R²
//   - GET /forecast/current?region= - Latest stored forecast snapshot
//   - GET /healthz - Health check (503 until the engine has trained)
//   - GET /metrics - Prometheus metrics endpoint
//
// Snapshots older than the stale threshold include an X-Epicast-Stale
// header so dashboard clients can flag outdated forecasts.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/epicast/epicast/pkg/dataset"
	"github.com/epicast/epicast/pkg/engine"
	"github.com/epicast/epicast/pkg/httpx"
	"github.com/epicast/epicast/pkg/models"
	"github.com/epicast/epicast/pkg/storage"
)

var regionNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 ._&()-]{0,127}$`)

// SetupRoutes configures HTTP endpoints for the forecast service.
func SetupRoutes(eng *engine.Engine, store storage.Store, staleAfter time.Duration, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/healthz", httpx.HealthHandlerWithCheck(func() error {
		if !eng.Healthy() {
			return fmt.Errorf("engine has not been trained")
		}
		return nil
	}))

	mux.HandleFunc("/api/regions", handleRegions(eng, logger))
	mux.HandleFunc("/api/data", handleData(eng, logger))
	mux.HandleFunc("/api/predictions", handlePredictions(eng, logger))
	mux.HandleFunc("/api/growth-rate", handleRate(eng, logger, eng.GrowthRate))
	mux.HandleFunc("/api/recovery-rate", handleRate(eng, logger, eng.RecoveryRate))
	mux.HandleFunc("/api/comparison", handleComparison(eng, logger))
	mux.HandleFunc("/api/evaluation", handleEvaluation(eng, logger))

	mux.HandleFunc("/forecast/current", handleGetSnapshot(store, staleAfter, logger))

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// writeEngineError maps engine errors onto HTTP status codes:
// 404 unknown region, 409 not yet trained, 422 too little history,
// 500 otherwise. Insufficient history takes precedence, so a forecast
// for a region with zero observations reports 422 rather than 404.
func writeEngineError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, models.ErrInsufficientHistory):
		httpx.WriteError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, engine.ErrUnknownRegion):
		httpx.WriteError(w, http.StatusNotFound, err)
	case errors.Is(err, models.ErrNotFitted):
		httpx.WriteError(w, http.StatusConflict, err)
	default:
		logger.Error("request failed", "error", err)
		httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

func handleRegions(eng *engine.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		regions, err := eng.Regions()
		if err != nil {
			writeEngineError(w, logger, err)
			return
		}
		if err := httpx.WriteJSON(w, http.StatusOK, map[string]any{"regions": regions}); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleData returns the observed daily series for a region, optionally
// restricted to [start, end]. An empty region selects the nationwide
// aggregate.
func handleData(eng *engine.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, ok := parseDateParam(w, r, "start")
		if !ok {
			return
		}
		end, ok := parseDateParam(w, r, "end")
		if !ok {
			return
		}

		ts, err := eng.Series(r.URL.Query().Get("region"), start, end)
		if err != nil {
			writeEngineError(w, logger, err)
			return
		}

		n := len(ts.Points)
		resp := seriesResponse{
			Region:    ts.Region,
			Dates:     make([]string, n),
			Confirmed: make([]int, n),
			Deaths:    make([]int, n),
			Recovered: make([]int, n),
		}
		for i, p := range ts.Points {
			resp.Dates[i] = p.Date.Format("2006-01-02")
			resp.Confirmed[i] = p.Confirmed
			resp.Deaths[i] = p.Deaths
			resp.Recovered[i] = p.Recovered
		}

		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

type seriesResponse struct {
	Region    string   `json:"region"`
	Dates     []string `json:"dates"`
	Confirmed []int    `json:"confirmed"`
	Deaths    []int    `json:"deaths"`
	Recovered []int    `json:"recovered"`
}

func handlePredictions(eng *engine.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := 0
		if raw := r.URL.Query().Get("days"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				httpx.WriteErrorMessage(w, http.StatusBadRequest, "days must be a positive integer")
				return
			}
			days = parsed
		}

		region := r.URL.Query().Get("region")
		if region == "" {
			region = dataset.AggregateRegion
		}

		result, err := eng.Predict(r.Context(), region, days)
		if err != nil {
			writeEngineError(w, logger, err)
			return
		}

		dates := make([]string, result.Len())
		for i, d := range result.Dates {
			dates[i] = d.Format("2006-01-02")
		}
		resp := map[string]any{
			"region":      region,
			"dates":       dates,
			"predictions": result.Yhat,
			"lower_bound": result.Lower,
			"upper_bound": result.Upper,
		}

		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleRate serves both derived rate endpoints; the rate function is
// either Engine.GrowthRate or Engine.RecoveryRate.
func handleRate(eng *engine.Engine, logger *slog.Logger, rate func(string) ([]engine.RatePoint, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		points, err := rate(r.URL.Query().Get("region"))
		if err != nil {
			writeEngineError(w, logger, err)
			return
		}

		dates := make([]string, len(points))
		rates := make([]float64, len(points))
		for i, p := range points {
			dates[i] = p.Date.Format("2006-01-02")
			rates[i] = p.Rate
		}

		resp := map[string]any{"dates": dates, "rates": rates}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

func handleComparison(eng *engine.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("regions")
		if raw == "" {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "regions parameter required")
			return
		}

		var names []string
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "regions parameter required")
			return
		}

		series, err := eng.Compare(names)
		if err != nil {
			writeEngineError(w, logger, err)
			return
		}

		resp := make(map[string]comparisonSeries, len(series))
		for region, rs := range series {
			cs := comparisonSeries{
				Dates:     make([]string, len(rs.Dates)),
				Confirmed: rs.Confirmed,
			}
			for i, d := range rs.Dates {
				cs.Dates[i] = d.Format("2006-01-02")
			}
			resp[region] = cs
		}

		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// comparisonSeries is one region's entry in the comparison response,
// keyed by region name at the top level.
type comparisonSeries struct {
	Dates     []string  `json:"dates"`
	Confirmed []float64 `json:"confirmed"`
}

func handleEvaluation(eng *engine.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics, err := eng.Metrics()
		if err != nil {
			writeEngineError(w, logger, err)
			return
		}

		resp := map[string]any{
			"mse":        metrics.MSE,
			"r_squared":  metrics.RSquared,
			"trained_at": eng.TrainedAt().Format(time.RFC3339),
		}
		if err := httpx.WriteJSON(w, http.StatusOK, resp); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleGetSnapshot returns a handler for GET /forecast/current?region=<name>.
func handleGetSnapshot(store storage.Store, staleAfter time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		region := r.URL.Query().Get("region")
		if region == "" {
			region = dataset.AggregateRegion
		}

		if !regionNameRegex.MatchString(region) {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid region name format")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		snapshot, found, err := store.GetLatest(ctx, region)
		if err != nil {
			logger.Error("failed to get snapshot", "region", region, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}

		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("snapshot not found for region %q", region))
			return
		}

		if time.Since(snapshot.GeneratedAt) > staleAfter {
			w.Header().Set("X-Epicast-Stale", "true")
		}

		if err := httpx.WriteJSON(w, http.StatusOK, snapshot); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// parseDateParam parses an optional YYYY-MM-DD query parameter. A missing
// parameter yields the zero time. Reports false after writing a 400.
func parseDateParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		httpx.WriteErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid %s date %q, want YYYY-MM-DD", name, raw))
		return time.Time{}, false
	}
	return t, true
}
