// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_queue_jobs_enqueued_total",
		Help: "Jobs accepted by enqueue, by type and dedup outcome",
	}, []string{"type", "deduplicated"})

	jobsLeasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_queue_jobs_leased_total",
		Help: "Jobs handed to workers by lease calls",
	}, []string{"type"})

	jobsCommittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_queue_jobs_committed_total",
		Help: "Jobs transitioned to succeeded",
	}, []string{"type"})

	jobsRetriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_queue_jobs_retried_total",
		Help: "Retryable failures rescheduled with backoff",
	}, []string{"type"})

	jobsDeadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_queue_jobs_dead_total",
		Help: "Jobs moved to the dead-letter tier",
	}, []string{"type"})

	jobsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_queue_jobs_reaped_total",
		Help: "Expired leases returned to pending by the reaper",
	})

	heartbeatFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_queue_heartbeat_failures_total",
		Help: "Heartbeats rejected because the lease was lost",
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "harmony_queue_depth",
		Help: "Jobs per state at last poll",
	}, []string{"state"})

	retentionDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_queue_retention_deleted_total",
		Help: "Succeeded jobs removed by the retention sweep",
	})

	dlqRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_dlq_requeued_total",
		Help: "Dead-letter entries requeued by operators",
	})

	dlqPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_dlq_purged_total",
		Help: "Dead-letter entries purged by operators",
	})
)

func IncJobsEnqueued(jobType string, deduplicated bool) {
	dedup := "false"
	if deduplicated {
		dedup = "true"
	}
	jobsEnqueuedTotal.WithLabelValues(jobType, dedup).Inc()
}

func IncJobsLeased(jobType string)    { jobsLeasedTotal.WithLabelValues(jobType).Inc() }
func IncJobsCommitted(jobType string) { jobsCommittedTotal.WithLabelValues(jobType).Inc() }
func IncJobsRetried(jobType string)   { jobsRetriedTotal.WithLabelValues(jobType).Inc() }
func IncJobsDead(jobType string)      { jobsDeadTotal.WithLabelValues(jobType).Inc() }

func AddJobsReaped(n int)       { jobsReapedTotal.Add(float64(n)) }
func IncHeartbeatFailure()      { heartbeatFailuresTotal.Inc() }
func AddRetentionDeleted(n int) { retentionDeletedTotal.Add(float64(n)) }
func AddDLQRequeued(n int)      { dlqRequeuedTotal.Add(float64(n)) }
func AddDLQPurged(n int)        { dlqPurgedTotal.Add(float64(n)) }

func RecordQueueDepth(state string, n int) {
	queueDepth.WithLabelValues(state).Set(float64(n))
}
