// Package dataset normalizes raw case-report batches into per-region daily
// time series and derives calendar and rolling features from them.
package dataset

import (
	"errors"
	"time"
)

// AggregateRegion is the synthetic region name for the nationwide series
// formed by summing all regions per date.
const AggregateRegion = "ALL"

var (
	// ErrMissingColumn indicates a required column (region, date or
	// confirmed) is structurally absent from the input batch.
	ErrMissingColumn = errors.New("required column missing from input")

	// ErrEmptyAfterFilter indicates every input row was dropped during
	// normalization, leaving nothing to model.
	ErrEmptyAfterFilter = errors.New("no rows remain after filtering")
)

// Row is a single raw tabular record keyed by column name. Values are kept
// as strings; coercion happens during normalization.
type Row map[string]string

// Table is a raw observation batch as delivered by a source. Column naming
// follows the canonical schema: region, date, confirmed, deaths, recovered.
type Table struct {
	Rows []Row
}

// Point is one normalized daily observation for a region, enriched with
// calendar fields and trailing 7-day rolling means.
type Point struct {
	Date      time.Time
	Confirmed int
	Deaths    int
	Recovered int

	// Calendar features derived from Date.
	Day     int
	Month   int
	Year    int
	Weekday int

	// Trailing 7-day rolling means, computed strictly within the owning
	// region's series with a minimum window of one observation.
	ConfirmedMA7 float64
	DeathsMA7    float64
}

// TimeSeries is the ordered daily series for a single region. Dates are
// strictly increasing with no duplicates; calendar gaps are not filled.
type TimeSeries struct {
	Region string
	Points []Point
}

// Dates returns the observation dates in series order.
func (ts *TimeSeries) Dates() []time.Time {
	dates := make([]time.Time, len(ts.Points))
	for i, p := range ts.Points {
		dates[i] = p.Date
	}
	return dates
}

// Confirmed returns the confirmed counts as floats in series order.
func (ts *TimeSeries) Confirmed() []float64 {
	values := make([]float64, len(ts.Points))
	for i, p := range ts.Points {
		values[i] = float64(p.Confirmed)
	}
	return values
}

// Between returns a copy of the series restricted to [start, end]. Zero
// bounds are open on that side.
func (ts *TimeSeries) Between(start, end time.Time) *TimeSeries {
	out := &TimeSeries{Region: ts.Region}
	for _, p := range ts.Points {
		if !start.IsZero() && p.Date.Before(start) {
			continue
		}
		if !end.IsZero() && p.Date.After(end) {
			continue
		}
		out.Points = append(out.Points, p)
	}
	return out
}

// Dataset holds the normalized per-region series plus the precomputed
// aggregate series. It is immutable after Normalize returns and safe for
// concurrent reads.
type Dataset struct {
	regions   map[string]*TimeSeries
	names     []string
	aggregate *TimeSeries
	total     int
}

// Regions returns the sorted distinct region names.
func (d *Dataset) Regions() []string {
	names := make([]string, len(d.names))
	copy(names, d.names)
	return names
}

// Series returns the time series for a region, or the aggregate series when
// region is AggregateRegion or empty.
func (d *Dataset) Series(region string) (*TimeSeries, bool) {
	if region == "" || region == AggregateRegion {
		return d.aggregate, true
	}
	ts, ok := d.regions[region]
	return ts, ok
}

// Aggregate returns the nationwide series summed across regions per date.
func (d *Dataset) Aggregate() *TimeSeries {
	return d.aggregate
}

// Len returns the total number of observations across all regions.
func (d *Dataset) Len() int {
	return d.total
}

// Walk calls fn for every region series in sorted region order. Iteration
// order is deterministic so feature matrices built from it are too.
func (d *Dataset) Walk(fn func(ts *TimeSeries)) {
	for _, name := range d.names {
		fn(d.regions[name])
	}
}
