// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deltaOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_library_delta_ops_total",
		Help: "Artist and release operations applied by artist sync",
	}, []string{"op"}) // op=create|update|soft_delete|hard_delete

	auditEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_library_audit_events_total",
		Help: "Rows appended to the artist audit trail",
	}, []string{"event"}) // event=created|updated|inactivated|reactivated

	watchlistSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harmony_watchlist_artists",
		Help: "Artists currently on the watchlist",
	})
)

func IncDeltaOp(op string)       { deltaOpsTotal.WithLabelValues(op).Inc() }
func IncAuditEvent(event string) { auditEventsTotal.WithLabelValues(event).Inc() }

func RecordWatchlistSize(n int) { watchlistSize.Set(float64(n)) }
