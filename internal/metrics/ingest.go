// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_ingest_submissions_total",
		Help: "Ingest submissions by mode and outcome",
	}, []string{"mode", "outcome"}) // outcome=accepted|partial|rejected

	ingestItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_ingest_items_total",
		Help: "Ingest items by disposition",
	}, []string{"disposition"}) // disposition=accepted|skipped

	ingestBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_ingest_batches_total",
		Help: "Matching batches enqueued by the ingest service",
	})

	ingestBackpressureTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_ingest_backpressure_total",
		Help: "Batch enqueues delayed by the pending-jobs ceiling",
	})

	matchingStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_matching_stored_total",
		Help: "Match candidates persisted above the confidence threshold",
	})

	matchingDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_matching_discarded_total",
		Help: "Match candidates discarded, by reason",
	}, []string{"reason"})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_downloads_total",
		Help: "Per-file download terminal transitions",
	}, []string{"state"}) // state=completed|failed
)

func IncIngestSubmission(mode, outcome string) {
	ingestSubmissionsTotal.WithLabelValues(mode, outcome).Inc()
}

func AddIngestItems(disposition string, n int) {
	ingestItemsTotal.WithLabelValues(disposition).Add(float64(n))
}

func IncIngestBatch()        { ingestBatchesTotal.Inc() }
func IncIngestBackpressure() { ingestBackpressureTotal.Inc() }

func IncMatchingStored() { matchingStoredTotal.Inc() }
func IncMatchingDiscarded(reason string) {
	matchingDiscardedTotal.WithLabelValues(reason).Inc()
}

func IncDownload(state string) { downloadsTotal.WithLabelValues(state).Inc() }
