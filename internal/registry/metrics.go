package registry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HealthProbesTotal counts health probes by service and result.
	HealthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_health_probes_total",
			Help: "Total number of health probes issued by the registry",
		},
		[]string{"service", "result"},
	)

	// HealthProbeDuration observes probe latency per service.
	HealthProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_health_probe_duration_seconds",
			Help:    "Duration of health probes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// HealthyInstances tracks the number of healthy instances per service.
	HealthyInstances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_service_healthy_instances",
			Help: "Number of healthy instances per service",
		},
		[]string{"service"},
	)

	// HealthTransitionsTotal counts observed health transitions.
	HealthTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_service_health_transitions_total",
			Help: "Total number of instance health transitions",
		},
		[]string{"service", "to"},
	)
)

// recordProbeMetrics records the outcome of a single probe.
func recordProbeMetrics(service string, healthy bool, elapsed time.Duration) {
	result := "success"
	if !healthy {
		result = "failure"
	}
	HealthProbesTotal.WithLabelValues(service, result).Inc()
	HealthProbeDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}
