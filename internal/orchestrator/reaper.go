// SPDX-License-Identifier: MIT
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/metrics"
	"github.com/harmonyhub/harmony/internal/queue"
)

// reapLoop runs queue maintenance on a fixed interval: expired leases
// back to pending, settled jobs past retention deleted, stale entity
// leases swept, and queue depth gauges refreshed.
func (o *Orchestrator) reapLoop(ctx context.Context) {
	logger := o.log.With().Str("component", "orchestrator.reaper").Logger()

	ticker := time.NewTicker(o.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.maintain(ctx, logger)
		}
	}
}

func (o *Orchestrator) maintain(ctx context.Context, logger zerolog.Logger) {
	now := o.now()

	reaped, err := o.store.Reap(ctx, now)
	if err != nil {
		logger.Error().Err(err).Msg("reap failed")
	}
	for _, r := range reaped {
		logger.Warn().
			Str("event", "orchestrator.lease.lost").
			Int64("job_id", r.ID).
			Str("type", r.Type).
			Msg("expired lease returned to pending")
	}

	if o.cfg.RetentionAge > 0 {
		n, err := o.store.DeleteSucceededBefore(ctx, now.Add(-o.cfg.RetentionAge), retentionBatch)
		if err != nil {
			logger.Error().Err(err).Msg("retention sweep failed")
		} else if n > 0 {
			logger.Debug().Int64("deleted", n).Msg("retention sweep")
		}
	}

	if o.sweeper != nil {
		n, err := o.sweeper.SweepLeases(ctx, now)
		if err != nil {
			logger.Error().Err(err).Msg("entity lease sweep failed")
		} else if n > 0 {
			logger.Debug().Int("released", n).Msg("stale entity leases released")
		}
	}

	counts, err := o.store.CountByState(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("queue depth count failed")
		return
	}
	for _, state := range []queue.JobState{
		queue.StatePending, queue.StateLeased, queue.StateSucceeded, queue.StateFailed, queue.StateDead,
	} {
		metrics.RecordQueueDepth(string(state), int(counts[state]))
	}
}
