// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_orchestrator_dispatch_total",
		Help: "Jobs handed to handler tasks",
	}, []string{"type"})

	jobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harmony_orchestrator_job_duration_seconds",
		Help:    "Handler execution time by type and result",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"type", "result"})

	jobsInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harmony_orchestrator_jobs_inflight",
		Help: "Handler tasks currently running",
	})

	jobsDeferredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_orchestrator_jobs_deferred_total",
		Help: "Leased jobs returned to the queue because the type pool was full",
	}, []string{"type"})

	leaseLostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_orchestrator_lease_lost_total",
		Help: "Leases lost during heartbeat or commit",
	}, []string{"type"})

	pollIntervalMS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harmony_orchestrator_poll_interval_ms",
		Help: "Current adaptive scheduler poll interval",
	})

	timerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_watchlist_timer_ticks_total",
		Help: "Watchlist timer ticks by status",
	}, []string{"status"}) // status=ok|skipped|error

	timerEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_watchlist_enqueued_total",
		Help: "Watchlist jobs enqueued by the timer",
	})
)

func IncDispatch(jobType string) { dispatchTotal.WithLabelValues(jobType).Inc() }

func ObserveJobDuration(jobType, result string, seconds float64) {
	jobDurationSeconds.WithLabelValues(jobType, result).Observe(seconds)
}

func IncJobsInflight()             { jobsInflight.Inc() }
func DecJobsInflight()             { jobsInflight.Dec() }
func IncJobsDeferred(t string)     { jobsDeferredTotal.WithLabelValues(t).Inc() }
func IncLeaseLost(jobType string)  { leaseLostTotal.WithLabelValues(jobType).Inc() }
func RecordPollInterval(ms int64)  { pollIntervalMS.Set(float64(ms)) }
func IncTimerTick(status string)   { timerTicksTotal.WithLabelValues(status).Inc() }
func AddTimerEnqueued(n int)       { timerEnqueuedTotal.Add(float64(n)) }
