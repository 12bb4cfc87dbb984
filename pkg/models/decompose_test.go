package models

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/epicast/epicast/pkg/dataset"
)

func dailySeries(region string, start time.Time, values []float64) *dataset.TimeSeries {
	ts := &dataset.TimeSeries{Region: region}
	for i, v := range values {
		ts.Points = append(ts.Points, dataset.Point{
			Date:      start.AddDate(0, 0, i),
			Confirmed: int(v),
		})
	}
	return ts
}

func TestDecomposition_LinearGrowth(t *testing.T) {
	// Confirmed grows by exactly 10 per day for 30 days ending at 400;
	// the day-31 forecast must continue the line to about 410.
	start := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	values := make([]float64, 30)
	for i := range values {
		values[i] = 110 + 10*float64(i)
	}

	m := NewDecomposition()
	if err := m.Fit(context.Background(), dailySeries("Kerala", start, values)); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	r, err := m.Forecast(context.Background(), 1)
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}

	// Output covers the 30 fitted dates followed by the one future step.
	if r.Len() != 31 {
		t.Fatalf("forecast length = %d, want 31", r.Len())
	}
	if got := r.Yhat[30]; math.Abs(got-410) > 4 {
		t.Errorf("day-31 forecast = %v, want about 410", got)
	}
	if want := start.AddDate(0, 0, 30); !r.Dates[30].Equal(want) {
		t.Errorf("forecast date = %v, want %v", r.Dates[30], want)
	}
	if !r.Dates[0].Equal(start) {
		t.Errorf("first date = %v, want fitted history to lead with %v", r.Dates[0], start)
	}
	if got := r.Yhat[10]; math.Abs(got-210) > 4 {
		t.Errorf("fitted value at day 11 = %v, want about 210", got)
	}
}

func TestDecomposition_InsufficientHistory(t *testing.T) {
	start := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewDecomposition()

	err := m.Fit(context.Background(), dailySeries("Goa", start, []float64{1, 2, 3, 4, 5}))
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("Fit() error = %v, want ErrInsufficientHistory", err)
	}

	if _, err := m.Forecast(context.Background(), 7); !errors.Is(err, ErrNotFitted) {
		t.Errorf("Forecast() after failed fit error = %v, want ErrNotFitted", err)
	}
}

func TestDecomposition_BoundsOrderedAndNonNegative(t *testing.T) {
	start := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	values := make([]float64, 60)
	for i := range values {
		// Declining noisy-ish series that pushes forecasts toward zero.
		values[i] = math.Max(0, 300-6*float64(i)) + 20*math.Sin(float64(i))
	}

	m := NewDecomposition()
	if err := m.Fit(context.Background(), dailySeries("Kerala", start, values)); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	r, err := m.Forecast(context.Background(), 30)
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}

	for i := range r.Yhat {
		if r.Lower[i] < 0 || r.Yhat[i] < 0 || r.Upper[i] < 0 {
			t.Errorf("step %d: negative forecast values %v %v %v", i, r.Lower[i], r.Yhat[i], r.Upper[i])
		}
		if r.Lower[i] > r.Yhat[i] || r.Yhat[i] > r.Upper[i] {
			t.Errorf("step %d: bounds out of order %v %v %v", i, r.Lower[i], r.Yhat[i], r.Upper[i])
		}
	}
}

func TestDecomposition_IntervalsWidenWithHorizon(t *testing.T) {
	start := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	values := make([]float64, 45)
	for i := range values {
		values[i] = 500 + 8*float64(i) + 30*math.Sin(1.3*float64(i))
	}

	m := NewDecomposition()
	if err := m.Fit(context.Background(), dailySeries("Kerala", start, values)); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	r, err := m.Forecast(context.Background(), 14)
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}

	// The future steps start after the 45 fitted dates.
	first := r.Upper[45] - r.Lower[45]
	last := r.Upper[58] - r.Lower[58]
	if last <= first {
		t.Errorf("interval width did not widen: step 1 = %v, step 14 = %v", first, last)
	}
}

func TestDecomposition_StateRoundTrip(t *testing.T) {
	start := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	values := make([]float64, 30)
	for i := range values {
		values[i] = 100 + 5*float64(i)
	}

	m := NewDecomposition()
	if err := m.Fit(context.Background(), dailySeries("Kerala", start, values)); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	state, err := m.State()
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}

	restored := NewDecompositionFromState(state)
	want, err := m.Forecast(context.Background(), 7)
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}
	got, err := restored.Forecast(context.Background(), 7)
	if err != nil {
		t.Fatalf("restored Forecast() error = %v", err)
	}

	for i := range want.Yhat {
		if math.Abs(got.Yhat[i]-want.Yhat[i]) > 1e-9 {
			t.Errorf("restored forecast[%d] = %v, want %v", i, got.Yhat[i], want.Yhat[i])
		}
	}
}

func TestParseIntervalLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "p80", want: 0.80},
		{in: "p95", want: 0.95},
		{in: "0.90", want: 0.90},
		{in: " p50 ", want: 0.50},
		{in: "", wantErr: true},
		{in: "p150", wantErr: true},
		{in: "1.5", wantErr: true},
		{in: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseIntervalLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseIntervalLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ParseIntervalLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatIntervalLevel(t *testing.T) {
	if got := FormatIntervalLevel(0.80); got != "p80" {
		t.Errorf("FormatIntervalLevel(0.80) = %q, want p80", got)
	}
	if got := FormatIntervalLevel(0.975); got != "p97.5" {
		t.Errorf("FormatIntervalLevel(0.975) = %q, want p97.5", got)
	}
}
