// Package metrics provides Prometheus metrics instrumentation for the
// forecast service.
//
// It exposes operational metrics about the service's pipeline performance,
// including the duration of each stage (fetch, train, forecast), the age
// and quality of the trained model, and error tracking. All metrics are
// exposed via the /metrics HTTP endpoint for Prometheus scraping.
//
// Metrics exposed:
//   - epicast_source_fetch_seconds: Histogram of case data fetch duration
//   - epicast_train_seconds: Histogram of training duration
//   - epicast_forecast_seconds: Histogram of per-region forecast duration
//   - epicast_model_age_seconds: Gauge of current trained model age
//   - epicast_trained_regions: Gauge of regions in the trained dataset
//   - epicast_model_mse: Gauge of held-out mean squared error
//   - epicast_model_r_squared: Gauge of held-out R²
//   - epicast_errors_total: Counter of errors by component and reason
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the forecast service.
type Metrics struct {
	SourceFetchSeconds prometheus.Histogram
	TrainSeconds       prometheus.Histogram
	ForecastSeconds    prometheus.Histogram
	ModelAgeSeconds    prometheus.Gauge
	TrainedRegions     prometheus.Gauge
	ModelMSE           prometheus.Gauge
	ModelRSquared      prometheus.Gauge
	ErrorsTotal        *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(source string) *Metrics {
	return &Metrics{
		SourceFetchSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "epicast_source_fetch_seconds",
			Help: "Time spent fetching case data from the source",
			ConstLabels: prometheus.Labels{
				"source": source,
			},
			Buckets: prometheus.DefBuckets,
		}),

		TrainSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "epicast_train_seconds",
			Help:    "Time spent normalizing the batch and training the ensemble",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),

		ForecastSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "epicast_forecast_seconds",
			Help:    "Time spent fitting and forecasting all regions",
			Buckets: prometheus.DefBuckets,
		}),

		ModelAgeSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "epicast_model_age_seconds",
			Help: "Age of the current trained model in seconds",
		}),

		TrainedRegions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "epicast_trained_regions",
			Help: "Number of regions in the trained dataset",
		}),

		ModelMSE: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "epicast_model_mse",
			Help: "Held-out mean squared error of the trained ensemble",
		}),

		ModelRSquared: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "epicast_model_r_squared",
			Help: "Held-out coefficient of determination of the trained ensemble",
		}),

		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "epicast_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

// RecordFetch records the time spent fetching case data.
func (m *Metrics) RecordFetch(seconds float64) {
	m.SourceFetchSeconds.Observe(seconds)
}

// RecordTrain records the time spent training.
func (m *Metrics) RecordTrain(seconds float64) {
	m.TrainSeconds.Observe(seconds)
}

// RecordForecast records the time spent forecasting all regions.
func (m *Metrics) RecordForecast(seconds float64) {
	m.ForecastSeconds.Observe(seconds)
}

// SetModelAge sets the current trained model age.
func (m *Metrics) SetModelAge(seconds float64) {
	m.ModelAgeSeconds.Set(seconds)
}

// SetTrainedRegions sets the region count of the trained dataset.
func (m *Metrics) SetTrainedRegions(n int) {
	m.TrainedRegions.Set(float64(n))
}

// SetEvaluation sets the held-out evaluation gauges.
func (m *Metrics) SetEvaluation(mse, rSquared float64) {
	m.ModelMSE.Set(mse)
	m.ModelRSquared.Set(rSquared)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
