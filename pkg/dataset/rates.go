package dataset

// GrowthRate returns the day-over-day percent change of confirmed counts for
// a series, aligned with the series dates. The first element is zero, as is
// any element whose previous-day count is zero.
func GrowthRate(ts *TimeSeries) []float64 {
	rates := make([]float64, len(ts.Points))
	for i := 1; i < len(ts.Points); i++ {
		prev := float64(ts.Points[i-1].Confirmed)
		if prev == 0 {
			continue
		}
		cur := float64(ts.Points[i].Confirmed)
		rates[i] = (cur - prev) / prev * 100
	}
	return rates
}

// RecoveryRate returns recovered/confirmed as a percentage per day, aligned
// with the series dates. Days with zero confirmed count report zero.
func RecoveryRate(ts *TimeSeries) []float64 {
	rates := make([]float64, len(ts.Points))
	for i, p := range ts.Points {
		if p.Confirmed == 0 {
			continue
		}
		rates[i] = float64(p.Recovered) / float64(p.Confirmed) * 100
	}
	return rates
}
