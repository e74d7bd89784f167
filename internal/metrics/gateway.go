// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dependencyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_dependency_requests_total",
		Help: "Provider calls by provider, operation, and classified status",
	}, []string{"provider", "operation", "status"})

	dependencyDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harmony_dependency_duration_seconds",
		Help:    "Provider call latency per attempt",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"provider", "operation"})

	dependencyRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_dependency_retries_total",
		Help: "Provider call retries by provider and operation",
	}, []string{"provider", "operation"})

	providerHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harmony_provider_health",
		Help: "Provider health: 1 ok, 0.5 degraded, 0 down",
	}, []string{"provider"})

	providerHealthOverall = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harmony_provider_health_overall",
		Help: "Overall provider verdict: 1 ok, 0.5 degraded, 0 down",
	})
)

func IncDependencyRequest(provider, operation, status string) {
	dependencyRequestsTotal.WithLabelValues(provider, operation, status).Inc()
}

func ObserveDependencyDuration(provider, operation string, seconds float64) {
	dependencyDurationSeconds.WithLabelValues(provider, operation).Observe(seconds)
}

func IncDependencyRetry(provider, operation string) {
	dependencyRetriesTotal.WithLabelValues(provider, operation).Inc()
}

// RecordProviderHealth maps the verdict strings to gauge values.
func RecordProviderHealth(provider, verdict string) {
	providerHealth.WithLabelValues(provider).Set(healthValue(verdict))
}

func RecordOverallHealth(verdict string) {
	providerHealthOverall.Set(healthValue(verdict))
}

func healthValue(verdict string) float64 {
	switch verdict {
	case "ok":
		return 1
	case "degraded":
		return 0.5
	default:
		return 0
	}
}
