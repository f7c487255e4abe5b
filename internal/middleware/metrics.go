package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PanicsRecovered counts handler panics caught by the recovery middleware.
	PanicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "middleware",
			Name:      "panics_recovered_total",
			Help:      "Total number of panics recovered in HTTP handlers",
		},
	)

	// RateLimitRejected counts requests rejected by the rate limiter.
	RateLimitRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "middleware",
			Name:      "ratelimit_rejected_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
	)
)
