// Package metrics provides Prometheus instrumentation for the forecaster.
//
// Metrics exposed:
//   - gridcast_forecast_duration_seconds: Histogram of ensemble forecast duration
//   - gridcast_forecasts_total: Counter of forecasts by tenant and fallback flag
//   - gridcast_model_exclusions_total: Counter of models left out of a forecast
//   - gridcast_anchor_flagged_total: Counter of forecasts whose first hour strays from recent history
//   - gridcast_predicted_demand: Gauge of the first forecast hour
//   - gridcast_last_forecast_timestamp_seconds: Gauge of the latest forecast time
//   - gridcast_source_collect_seconds: Histogram of history collection duration
//   - gridcast_errors_total: Counter of errors by component and reason
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/gridcast/pkg/ensemble"
)

// Metrics holds all Prometheus metrics for the forecaster.
type Metrics struct {
	ForecastSeconds       *prometheus.HistogramVec
	ForecastsTotal        *prometheus.CounterVec
	ModelExclusionsTotal  *prometheus.CounterVec
	AnchorFlaggedTotal    *prometheus.CounterVec
	PredictedDemand       *prometheus.GaugeVec
	LastForecastTimestamp *prometheus.GaugeVec
	SourceCollectSeconds  *prometheus.HistogramVec
	ErrorsTotal           *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ForecastSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridcast_forecast_duration_seconds",
			Help:    "Time spent producing an ensemble forecast",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant"}),

		ForecastsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcast_forecasts_total",
			Help: "Forecasts produced, by tenant and whether the synthetic fallback answered",
		}, []string{"tenant", "fallback"}),

		ModelExclusionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcast_model_exclusions_total",
			Help: "Models excluded from a forecast, by model and reason",
		}, []string{"model", "reason"}),

		AnchorFlaggedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcast_anchor_flagged_total",
			Help: "Forecasts whose first hour deviates strongly from recent history",
		}, []string{"tenant"}),

		PredictedDemand: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridcast_predicted_demand",
			Help: "Point estimate of the first forecast hour",
		}, []string{"tenant"}),

		LastForecastTimestamp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridcast_last_forecast_timestamp_seconds",
			Help: "Unix time of the latest forecast",
		}, []string{"tenant"}),

		SourceCollectSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridcast_source_collect_seconds",
			Help:    "Time spent collecting history from a tenant source",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant", "source"}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcast_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

// ObserveForecast records one completed forecast.
func (m *Metrics) ObserveForecast(result *ensemble.Result, duration time.Duration) {
	tenant := result.Tenant
	m.ForecastSeconds.WithLabelValues(tenant).Observe(duration.Seconds())
	m.ForecastsTotal.WithLabelValues(tenant, strconv.FormatBool(result.Fallback)).Inc()
	m.LastForecastTimestamp.WithLabelValues(tenant).Set(float64(result.GeneratedAt.Unix()))

	for _, ex := range result.Excluded {
		m.ModelExclusionsTotal.WithLabelValues(ex.Model, string(ex.Reason)).Inc()
	}
	if len(result.Points) > 0 {
		m.PredictedDemand.WithLabelValues(tenant).Set(result.Points[0].PointEstimate)
		if result.Points[0].AnchorFlagged {
			m.AnchorFlaggedTotal.WithLabelValues(tenant).Inc()
		}
	}
}

// RecordCollect records the time spent collecting history.
func (m *Metrics) RecordCollect(tenant, source string, duration time.Duration) {
	m.SourceCollectSeconds.WithLabelValues(tenant, source).Observe(duration.Seconds())
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
