// Package models implements the forecasting models for regional case
// time series: a trend-plus-seasonality decomposition model for horizon
// forecasts with uncertainty intervals, and a bootstrap tree ensemble
// regressor over tabular calendar features.
package models

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFitted indicates Predict or Transform was called before a
	// successful Fit.
	ErrNotFitted = errors.New("model is not fitted")

	// ErrInsufficientHistory indicates the training series is too short
	// for the model's minimum observation count.
	ErrInsufficientHistory = errors.New("insufficient history to fit model")

	// ErrFitFailure indicates the fitting procedure ran but could not
	// produce a usable model (degenerate design, singular system).
	ErrFitFailure = errors.New("model fit failed")
)

// ForecastResult holds a horizon forecast: one point estimate per future
// date plus an uncertainty interval around it. All slices share the same
// length and ordering, and Lower[i] <= Yhat[i] <= Upper[i] for every i.
type ForecastResult struct {
	Dates []time.Time `json:"dates"`
	Yhat  []float64   `json:"yhat"`
	Lower []float64   `json:"lower"`
	Upper []float64   `json:"upper"`
}

// Len returns the number of forecast steps.
func (r ForecastResult) Len() int {
	return len(r.Yhat)
}

// zScores maps two-sided interval levels to the matching standard normal
// quantile. Levels outside this table interpolate between neighbors.
var zScores = []struct {
	level float64
	z     float64
}{
	{0.50, 0.674},
	{0.80, 1.282},
	{0.90, 1.645},
	{0.95, 1.960},
	{0.99, 2.576},
}

// zForLevel returns the standard normal quantile for a two-sided interval
// at the given level, interpolating linearly between tabulated levels.
func zForLevel(level float64) float64 {
	if level <= zScores[0].level {
		return zScores[0].z
	}
	last := zScores[len(zScores)-1]
	if level >= last.level {
		return last.z
	}
	for i := 1; i < len(zScores); i++ {
		lo, hi := zScores[i-1], zScores[i]
		if level <= hi.level {
			frac := (level - lo.level) / (hi.level - lo.level)
			return lo.z + frac*(hi.z-lo.z)
		}
	}
	return last.z
}

// ParseIntervalLevel parses an uncertainty interval level from either
// p-notation (p80, p95) or decimal notation (0.80, 0.95).
//
// Examples:
//   - "p80" → 0.80
//   - "p95" → 0.95
//   - "0.90" → 0.90
//
// Returns an error if the format is invalid or the value falls outside
// (0, 1).
func ParseIntervalLevel(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty interval level")
	}

	if strings.HasPrefix(strings.ToLower(s), "p") {
		percentile, err := strconv.ParseFloat(s[1:], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid p-notation %q: %w", s, err)
		}
		if percentile <= 0 || percentile >= 100 {
			return 0, fmt.Errorf("percentile %v out of range (0, 100)", percentile)
		}
		return percentile / 100.0, nil
	}

	level, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval level %q: %w", s, err)
	}
	if level <= 0 || level >= 1 {
		return 0, fmt.Errorf("interval level %v out of range (0, 1)", level)
	}
	return level, nil
}

// FormatIntervalLevel formats an interval level as p-notation for display.
func FormatIntervalLevel(level float64) string {
	percentile := level * 100
	if percentile == float64(int(percentile)) {
		return fmt.Sprintf("p%d", int(percentile))
	}
	return fmt.Sprintf("p%.1f", percentile)
}

// clampNonNegative floors every value at zero in place. Case counts
// cannot go below zero no matter what the trend extrapolation says.
func clampNonNegative(values []float64) {
	for i, v := range values {
		if v < 0 {
			values[i] = 0
		}
	}
}

// orderBounds enforces Lower <= Yhat <= Upper element-wise in place,
// widening the interval toward the point estimate when clamping crossed it.
func orderBounds(r *ForecastResult) {
	for i := range r.Yhat {
		r.Lower[i] = math.Min(r.Lower[i], r.Yhat[i])
		r.Upper[i] = math.Max(r.Upper[i], r.Yhat[i])
	}
}
