// Package telemetry provides observability primitives for the Shadowfax gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	PoolAcquisitions *prometheus.CounterVec
	TokenRefreshes   *prometheus.CounterVec
	QuotaExhausted   *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	StreamsActive    prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "shadowfax",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowfax",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "shadowfax",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"upstream", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors by kind.",
		}, []string{"upstream", "kind"}),

		PoolAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "pool_acquisitions_total",
			Help:      "Total upstream pool acquisitions.",
		}, []string{"upstream", "strategy"}),

		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "token_refreshes_total",
			Help:      "Total credential refresh attempts.",
		}, []string{"upstream", "outcome"}),

		QuotaExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "quota_exhausted_total",
			Help:      "Times an upstream was found quota-exhausted.",
		}, []string{"upstream"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowfax",
			Name:      "streams_active",
			Help:      "Number of currently open SSE streams.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.PoolAcquisitions,
		m.TokenRefreshes,
		m.QuotaExhausted,
		m.TokensProcessed,
		m.StreamsActive,
	)

	return m
}
