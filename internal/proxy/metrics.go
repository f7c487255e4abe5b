package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts requests handled by the gateway per service and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total number of proxied requests",
		},
		[]string{"service", "code"},
	)

	// ErrorsTotal counts proxy errors per service and error type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "proxy",
			Name:      "errors_total",
			Help:      "Total number of proxy errors",
		},
		[]string{"service", "error_type"},
	)

	// UpstreamDuration observes the latency of upstream calls.
	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "proxy",
			Name:      "upstream_duration_seconds",
			Help:      "Duration of upstream service calls",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service"},
	)

	// FallbacksTotal counts requests served by the degraded-path instance pick.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "proxy",
			Name:      "fallbacks_total",
			Help:      "Total number of requests routed to a fallback instance",
		},
		[]string{"service"},
	)
)
