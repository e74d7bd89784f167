// SPDX-License-Identifier: MIT

package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/metrics"
)

// Health verdicts, ordered by severity.
const (
	VerdictOK       = "ok"
	VerdictDegraded = "degraded"
	VerdictDown     = "down"
)

// ProviderHealth is one provider's last probe result.
type ProviderHealth struct {
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthSnapshot is the published view: the overall verdict plus each
// provider's status.
type HealthSnapshot struct {
	Overall   string                    `json:"overall"`
	Providers map[string]ProviderHealth `json:"providers"`
}

// Monitor probes both providers on an interval and folds the results into
// an overall verdict. A down critical provider takes the verdict to down;
// any other non-ok provider degrades it.
type Monitor struct {
	gw       *Gateway
	interval time.Duration
	critical map[string]struct{}
	logger   zerolog.Logger

	mu   sync.RWMutex
	snap HealthSnapshot
}

func NewMonitor(gw *Gateway, interval time.Duration, critical []string) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	crit := make(map[string]struct{}, len(critical))
	for _, name := range critical {
		crit[name] = struct{}{}
	}
	return &Monitor{
		gw:       gw,
		interval: interval,
		critical: crit,
		logger:   log.WithComponent("gateway"),
		snap: HealthSnapshot{
			Overall:   VerdictDown,
			Providers: map[string]ProviderHealth{},
		},
	}
}

// Run probes immediately, then on every interval tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// Snapshot returns the last published verdict. Safe for concurrent use.
func (m *Monitor) Snapshot() HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := HealthSnapshot{
		Overall:   m.snap.Overall,
		Providers: make(map[string]ProviderHealth, len(m.snap.Providers)),
	}
	for name, ph := range m.snap.Providers {
		out.Providers[name] = ph
	}
	return out
}

func (m *Monitor) probe(ctx context.Context) {
	now := time.Now().UTC()
	metaHealth, metaErr := m.gw.CheckMetadataHealth(ctx)
	peerHealth, peerErr := m.gw.CheckPeerHealth(ctx)
	providers := map[string]ProviderHealth{
		ProviderSpotify:  m.resolve(now, metaHealth, metaErr),
		ProviderSoulseek: m.resolve(now, peerHealth, peerErr),
	}

	overall := VerdictOK
	for name, ph := range providers {
		metrics.RecordProviderHealth(name, ph.Status)
		if ph.Status == VerdictOK {
			continue
		}
		_, crit := m.critical[name]
		if crit && ph.Status == VerdictDown {
			overall = VerdictDown
		} else if overall != VerdictDown {
			overall = VerdictDegraded
		}
	}
	metrics.RecordOverallHealth(overall)

	m.mu.Lock()
	changed := m.snap.Overall != overall
	m.snap = HealthSnapshot{Overall: overall, Providers: providers}
	m.mu.Unlock()

	if changed {
		m.logger.Info().
			Str("event", "provider.health").
			Str("overall", overall).
			Str("spotify", providers[ProviderSpotify].Status).
			Str("soulseek", providers[ProviderSoulseek].Status).
			Msg("provider health changed")
	}
}

func (m *Monitor) resolve(now time.Time, h Health, err error) ProviderHealth {
	if err != nil {
		return ProviderHealth{Status: VerdictDown, Detail: err.Error(), CheckedAt: now}
	}
	status := h.Status
	switch status {
	case VerdictOK, VerdictDegraded, VerdictDown:
	default:
		status = VerdictDegraded
	}
	return ProviderHealth{Status: status, Detail: h.Detail, CheckedAt: now}
}
