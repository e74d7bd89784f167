// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_cache_requests_total",
		Help: "Response cache lookups by outcome",
	}, []string{"outcome"}) // outcome=hit|stale|miss

	cacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_cache_evictions_total",
		Help: "Entries removed from the response cache",
	}, []string{"reason"}) // reason=lru|invalidate|expired

	cacheItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harmony_cache_items",
		Help: "Entries currently held by the response cache",
	})

	metadataCacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_metadata_cache_requests_total",
		Help: "Metadata provider cache lookups by outcome",
	}, []string{"outcome"}) // outcome=hit|miss
)

func IncCacheLookup(outcome string)        { cacheRequestsTotal.WithLabelValues(outcome).Inc() }
func AddCacheEvictions(reason string, n int) {
	cacheEvictionsTotal.WithLabelValues(reason).Add(float64(n))
}
func RecordCacheItems(n int) { cacheItems.Set(float64(n)) }

func IncMetadataCacheLookup(outcome string) {
	metadataCacheRequestsTotal.WithLabelValues(outcome).Inc()
}
