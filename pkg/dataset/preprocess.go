package dataset

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Column names of the canonical raw schema. Sources are responsible for
// mapping feed-specific column names onto these.
const (
	ColRegion    = "region"
	ColDate      = "date"
	ColConfirmed = "confirmed"
	ColDeaths    = "deaths"
	ColRecovered = "recovered"
)

// dateLayouts are the accepted date formats, tried in order.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"2006/01/02",
	time.RFC3339,
}

// Normalize cleans a raw batch into per-region time series.
//
// Rows with unparsable dates are dropped and logged, never fatal; counts
// that fail to parse coerce to zero. Duplicate (region, date) rows keep the
// last occurrence. After sorting, each region's series gets calendar fields
// and trailing 7-day rolling means (minimum window one observation, so the
// first point's MA7 equals itself).
//
// Returns ErrMissingColumn if region, date or confirmed is absent from every
// row, and ErrEmptyAfterFilter if no row survives.
func Normalize(tbl Table, logger *slog.Logger) (*Dataset, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(tbl.Rows) == 0 {
		return nil, ErrEmptyAfterFilter
	}

	for _, col := range []string{ColRegion, ColDate, ColConfirmed} {
		if !hasColumn(tbl, col) {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	type key struct {
		region string
		date   time.Time
	}
	latest := make(map[key]Point)
	dropped := 0

	for i, row := range tbl.Rows {
		region := strings.TrimSpace(row[ColRegion])
		if region == "" {
			dropped++
			continue
		}

		date, err := parseDate(row[ColDate])
		if err != nil {
			logger.Debug("dropping row with unparsable date",
				"row", i,
				"date", row[ColDate],
				"error", err,
			)
			dropped++
			continue
		}

		p := Point{
			Date:      date,
			Confirmed: parseCount(row[ColConfirmed]),
			Deaths:    parseCount(row[ColDeaths]),
			Recovered: parseCount(row[ColRecovered]),
			Day:       date.Day(),
			Month:     int(date.Month()),
			Year:      date.Year(),
			Weekday:   int(date.Weekday()),
		}

		latest[key{region: region, date: date}] = p
	}

	if len(latest) == 0 {
		return nil, fmt.Errorf("%w: dropped %d of %d rows", ErrEmptyAfterFilter, dropped, len(tbl.Rows))
	}

	if dropped > 0 {
		logger.Info("dropped malformed rows during normalization",
			"dropped", dropped,
			"total", len(tbl.Rows),
		)
	}

	grouped := make(map[string][]Point)
	for k, p := range latest {
		grouped[k.region] = append(grouped[k.region], p)
	}

	d := &Dataset{regions: make(map[string]*TimeSeries, len(grouped))}
	for region, points := range grouped {
		sort.Slice(points, func(i, j int) bool {
			return points[i].Date.Before(points[j].Date)
		})
		rollingMeans(points)

		d.regions[region] = &TimeSeries{Region: region, Points: points}
		d.names = append(d.names, region)
		d.total += len(points)
	}
	sort.Strings(d.names)

	d.aggregate = aggregate(d)

	return d, nil
}

// aggregate sums all regions per date into the AggregateRegion series.
func aggregate(d *Dataset) *TimeSeries {
	byDate := make(map[time.Time]Point)
	for _, ts := range d.regions {
		for _, p := range ts.Points {
			agg := byDate[p.Date]
			agg.Date = p.Date
			agg.Confirmed += p.Confirmed
			agg.Deaths += p.Deaths
			agg.Recovered += p.Recovered
			byDate[p.Date] = agg
		}
	}

	points := make([]Point, 0, len(byDate))
	for _, p := range byDate {
		p.Day = p.Date.Day()
		p.Month = int(p.Date.Month())
		p.Year = p.Date.Year()
		p.Weekday = int(p.Date.Weekday())
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Date.Before(points[j].Date)
	})
	rollingMeans(points)

	return &TimeSeries{Region: AggregateRegion, Points: points}
}

// rollingMeans fills the trailing 7-day means in place. The window counts
// observations, not calendar days, matching the sparse-calendar invariant.
func rollingMeans(points []Point) {
	const window = 7

	var confirmedSum, deathsSum float64
	for i := range points {
		confirmedSum += float64(points[i].Confirmed)
		deathsSum += float64(points[i].Deaths)
		if i >= window {
			confirmedSum -= float64(points[i-window].Confirmed)
			deathsSum -= float64(points[i-window].Deaths)
		}

		n := float64(min(i+1, window))
		points[i].ConfirmedMA7 = confirmedSum / n
		points[i].DeathsMA7 = deathsSum / n
	}
}

func hasColumn(tbl Table, col string) bool {
	for _, row := range tbl.Rows {
		if _, ok := row[col]; ok {
			return true
		}
	}
	return false
}

// ParseDate parses a date string using the accepted layouts, normalizing to
// midnight UTC.
func ParseDate(s string) (time.Time, error) {
	return parseDate(s)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// parseCount coerces a count field to a non-negative integer. Invalid or
// missing values become zero; fractional inputs truncate.
func parseCount(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 {
			return 0
		}
		return int(f)
	}

	return 0
}
