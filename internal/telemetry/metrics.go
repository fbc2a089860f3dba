// Package telemetry provides observability primitives for the Palantir gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	RateLimitRejects   *prometheus.CounterVec // labels: resource
	TokensProcessed    *prometheus.CounterVec // labels: provider, model, type
	UpstreamErrors     *prometheus.CounterVec // labels: provider
	UsageEventsDropped prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "palantir",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palantir",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "ratelimit_rejects_total",
			Help:      "Total quota rejections by exhausted resource.",
		}, []string{"resource"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "tokens_processed_total",
			Help:      "Total tokens streamed through completions.",
		}, []string{"provider", "model", "type"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider failures.",
		}, []string{"provider"}),

		UsageEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palantir",
			Name:      "usage_events_dropped_total",
			Help:      "Usage events dropped because the reporter queue was full.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.UpstreamErrors,
		m.UsageEventsDropped,
	)

	return m
}
