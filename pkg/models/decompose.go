package models

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/epicast/epicast/pkg/dataset"
)

const (
	// secondsPerDay converts Unix seconds to fractional days for the
	// seasonal phase computation.
	secondsPerDay = 86400.0

	weeklyPeriodDays = 7.0
	yearlyPeriodDays = 365.25
)

// Decomposition forecasts a daily case series by decomposing it into a
// piecewise linear trend and additive Fourier seasonality, fitted jointly
// by ridge-regularized least squares.
//
// Trend changes are expressed as hinge features at evenly spaced
// candidate changepoints over the first ChangepointRange of history; the
// ridge penalty on their coefficients (1/ChangepointScale) keeps the
// trend close to a single line unless the data insists otherwise. Weekly
// and yearly seasonal blocks are included only when the observed span
// covers at least two periods, so short series never hallucinate an
// annual cycle.
//
// Uncertainty intervals come from the in-sample residual standard
// deviation, widened by sqrt(h+1) with the forecast step h.
type Decomposition struct {
	// NumChangepoints is the number of candidate trend changepoints.
	NumChangepoints int

	// ChangepointRange is the fraction of history, from the start, in
	// which changepoints are placed.
	ChangepointRange float64

	// ChangepointScale controls trend flexibility. The hinge ridge
	// penalty is its reciprocal, so larger values bend more easily.
	ChangepointScale float64

	// WeeklyOrder and YearlyOrder are the Fourier orders of the two
	// seasonal blocks.
	WeeklyOrder int
	YearlyOrder int

	// IntervalLevel is the two-sided uncertainty interval level.
	IntervalLevel float64

	// MinObservations is the minimum series length required to fit.
	MinObservations int

	state *DecompositionState
}

// DecompositionState is the serializable fitted state of a Decomposition.
type DecompositionState struct {
	Region   string      `json:"region"`
	History  []time.Time `json:"history"`
	LastDate time.Time   `json:"last_date"`

	TMin   float64 `json:"t_min"`
	TScale float64 `json:"t_scale"`
	YMin   float64 `json:"y_min"`
	YScale float64 `json:"y_scale"`

	Changepoints []float64 `json:"changepoints"`
	Beta         []float64 `json:"beta"`

	WeeklyOrder int `json:"weekly_order"`
	YearlyOrder int `json:"yearly_order"`

	Sigma         float64 `json:"sigma"`
	IntervalLevel float64 `json:"interval_level"`
}

// NewDecomposition returns a Decomposition with the default
// configuration: 25 changepoints over the first 80% of history,
// changepoint scale 0.05, weekly Fourier order 3, yearly order 10, 80%
// intervals, and a 14-observation minimum.
func NewDecomposition() *Decomposition {
	return &Decomposition{
		NumChangepoints:  25,
		ChangepointRange: 0.8,
		ChangepointScale: 0.05,
		WeeklyOrder:      3,
		YearlyOrder:      10,
		IntervalLevel:    0.80,
		MinObservations:  14,
	}
}

// NewDecompositionFromState restores a fitted Decomposition from a
// previously exported state.
func NewDecompositionFromState(state DecompositionState) *Decomposition {
	m := NewDecomposition()
	m.WeeklyOrder = state.WeeklyOrder
	m.YearlyOrder = state.YearlyOrder
	if state.IntervalLevel > 0 {
		m.IntervalLevel = state.IntervalLevel
	}
	s := state
	m.state = &s
	return m
}

// Name returns the model identifier.
func (m *Decomposition) Name() string {
	return "decomposition"
}

// Fitted reports whether the model has been fitted.
func (m *Decomposition) Fitted() bool {
	return m.state != nil
}

// State returns the serializable fitted state.
func (m *Decomposition) State() (DecompositionState, error) {
	if m.state == nil {
		return DecompositionState{}, ErrNotFitted
	}
	return *m.state, nil
}

// Fit estimates trend and seasonality parameters from a region's series.
//
// Returns ErrInsufficientHistory when the series is shorter than
// MinObservations and ErrFitFailure when the normal equations cannot be
// solved.
func (m *Decomposition) Fit(ctx context.Context, ts *dataset.TimeSeries) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := len(ts.Points)
	if n < m.MinObservations {
		return fmt.Errorf("%w: %s has %d observations, need %d",
			ErrInsufficientHistory, ts.Region, n, m.MinObservations)
	}

	state := &DecompositionState{
		Region:        ts.Region,
		History:       make([]time.Time, n),
		LastDate:      ts.Points[n-1].Date,
		IntervalLevel: m.IntervalLevel,
	}
	for i, pt := range ts.Points {
		state.History[i] = pt.Date
	}

	// Normalized time over the observed span.
	state.TMin = float64(ts.Points[0].Date.Unix())
	state.TScale = float64(ts.Points[n-1].Date.Unix()) - state.TMin
	if state.TScale == 0 {
		state.TScale = 1
	}

	y := ts.Confirmed()
	state.YMin, state.YScale = y[0], 1
	yMax := y[0]
	for _, v := range y {
		state.YMin = math.Min(state.YMin, v)
		yMax = math.Max(yMax, v)
	}
	state.YScale = yMax - state.YMin
	if state.YScale == 0 {
		state.YScale = 1
	}

	spanDays := state.TScale / secondsPerDay
	state.WeeklyOrder = m.WeeklyOrder
	state.YearlyOrder = m.YearlyOrder
	if spanDays < 2*weeklyPeriodDays {
		state.WeeklyOrder = 0
	}
	if spanDays < 2*yearlyPeriodDays {
		state.YearlyOrder = 0
	}

	ncp := m.NumChangepoints
	if limit := n - 2; ncp > limit {
		ncp = limit
	}
	if ncp < 0 {
		ncp = 0
	}
	state.Changepoints = make([]float64, ncp)
	for i := range state.Changepoints {
		state.Changepoints[i] = m.ChangepointRange * float64(i+1) / float64(ncp+1)
	}

	p := 2 + ncp + 2*state.WeeklyOrder + 2*state.YearlyOrder
	rows := make([]float64, 0, n*p)
	yNorm := make([]float64, n)
	for i, pt := range ts.Points {
		rows = append(rows, state.features(pt.Date)...)
		yNorm[i] = (y[i] - state.YMin) / state.YScale
	}

	beta, err := ridgeSolve(mat.NewDense(n, p, rows), yNorm, m.penalties(state, p))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFitFailure, ts.Region, err)
	}
	state.Beta = beta

	// Residual spread in original units drives the interval width.
	var sum, sumSq float64
	for i, pt := range ts.Points {
		r := y[i] - state.predict(pt.Date)
		sum += r
		sumSq += r * r
	}
	mean := sum / float64(n)
	state.Sigma = math.Sqrt(math.Max(0, sumSq/float64(n)-mean*mean))

	m.state = state
	return nil
}

// penalties builds the per-coefficient ridge diagonal: effectively none
// for intercept and slope, 1/ChangepointScale for the hinge terms, and a
// mild pull toward zero for the seasonal terms.
func (m *Decomposition) penalties(state *DecompositionState, p int) []float64 {
	const (
		basePenalty     = 1e-8
		seasonalPenalty = 0.1
	)

	pen := make([]float64, p)
	for i := range pen {
		pen[i] = basePenalty
	}
	for i := 0; i < len(state.Changepoints); i++ {
		pen[2+i] = 1 / m.ChangepointScale
	}
	for i := 2 + len(state.Changepoints); i < p; i++ {
		pen[i] = seasonalPenalty
	}
	return pen
}

// features returns the design row for one date: intercept, normalized
// time, hinge terms, then weekly and yearly Fourier pairs.
func (s *DecompositionState) features(date time.Time) []float64 {
	t := (float64(date.Unix()) - s.TMin) / s.TScale
	days := float64(date.Unix()) / secondsPerDay

	row := make([]float64, 0, 2+len(s.Changepoints)+2*s.WeeklyOrder+2*s.YearlyOrder)
	row = append(row, 1, t)
	for _, cp := range s.Changepoints {
		row = append(row, math.Max(0, t-cp))
	}
	for k := 1; k <= s.WeeklyOrder; k++ {
		phase := 2 * math.Pi * float64(k) * days / weeklyPeriodDays
		row = append(row, math.Sin(phase), math.Cos(phase))
	}
	for k := 1; k <= s.YearlyOrder; k++ {
		phase := 2 * math.Pi * float64(k) * days / yearlyPeriodDays
		row = append(row, math.Sin(phase), math.Cos(phase))
	}
	return row
}

// predict evaluates the fitted model at a date, in original units.
func (s *DecompositionState) predict(date time.Time) float64 {
	row := s.features(date)
	var yNorm float64
	for i, v := range row {
		yNorm += s.Beta[i] * v
	}
	return yNorm*s.YScale + s.YMin
}

// Forecast returns fitted values over the observed dates followed by
// horizonDays daily steps past the last observation. Point estimates are
// clamped at zero; in-sample intervals have constant width while future
// intervals widen with sqrt of the step.
func (m *Decomposition) Forecast(ctx context.Context, horizonDays int) (ForecastResult, error) {
	if err := ctx.Err(); err != nil {
		return ForecastResult{}, err
	}
	if m.state == nil {
		return ForecastResult{}, ErrNotFitted
	}
	if horizonDays <= 0 {
		return ForecastResult{}, fmt.Errorf("horizon must be positive, got %d", horizonDays)
	}

	z := zForLevel(m.IntervalLevel)
	n := len(m.state.History)
	total := n + horizonDays
	r := ForecastResult{
		Dates: make([]time.Time, total),
		Yhat:  make([]float64, total),
		Lower: make([]float64, total),
		Upper: make([]float64, total),
	}

	for i, date := range m.state.History {
		yhat := m.state.predict(date)
		width := z * m.state.Sigma

		r.Dates[i] = date
		r.Yhat[i] = yhat
		r.Lower[i] = yhat - width
		r.Upper[i] = yhat + width
	}

	for h := 0; h < horizonDays; h++ {
		date := m.state.LastDate.AddDate(0, 0, h+1)
		yhat := m.state.predict(date)
		width := z * m.state.Sigma * math.Sqrt(float64(h+1))

		r.Dates[n+h] = date
		r.Yhat[n+h] = yhat
		r.Lower[n+h] = yhat - width
		r.Upper[n+h] = yhat + width
	}

	clampNonNegative(r.Yhat)
	clampNonNegative(r.Lower)
	clampNonNegative(r.Upper)
	orderBounds(&r)
	return r, nil
}

// ridgeSolve solves the regularized normal equations
// (AᵀA + diag(pen)) β = Aᵀy via Cholesky factorization.
func ridgeSolve(a *mat.Dense, y, pen []float64) ([]float64, error) {
	_, p := a.Dims()

	var ata mat.Dense
	ata.Mul(a.T(), a)

	sym := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			v := ata.At(i, j)
			if i == j {
				v += pen[i]
			}
			sym.SetSym(i, j, v)
		}
	}

	var aty mat.VecDense
	aty.MulVec(a.T(), mat.NewVecDense(len(y), y))

	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return nil, fmt.Errorf("normal equations are not positive definite")
	}

	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, &aty); err != nil {
		return nil, err
	}

	out := make([]float64, p)
	copy(out, beta.RawVector().Data)
	return out, nil
}
