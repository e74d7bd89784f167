// SPDX-License-Identifier: MIT
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/harmonyhub/harmony/internal/metrics"
	"github.com/harmonyhub/harmony/internal/queue"
)

// schedule is the lease loop: sleep, lease up to the free global
// capacity, dispatch, adjust the interval. A fruitful poll snaps the
// interval back to the configured floor; an empty one doubles it up to
// the configured ceiling, so an idle queue costs one cheap query every
// few seconds while a busy one is drained at the floor rate.
func (o *Orchestrator) schedule(ctx context.Context) {
	logger := o.log.With().Str("component", "orchestrator.scheduler").Logger()

	interval := o.cfg.PollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		metrics.RecordPollInterval(interval.Milliseconds())

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		leased := 0
		free := o.cfg.GlobalConcurrency - int(o.inflight.Load())
		if free > 0 {
			start := o.now()
			jobs, err := o.store.Lease(ctx, queue.LeaseOptions{
				Types:    o.types,
				Limit:    free,
				LeaseFor: o.cfg.VisibilityTimeout,
			})
			switch {
			case err == nil:
				for _, job := range jobs {
					o.dispatch(job)
				}
				leased = len(jobs)
				if leased > 0 {
					logger.Debug().
						Str("event", "orchestrator.schedule").
						Int("leased", leased).
						Int("free", free).
						Int64("duration_ms", o.now().Sub(start).Milliseconds()).
						Msg("leased jobs")
				}
			case errors.Is(err, context.Canceled):
			default:
				logger.Error().Err(err).Msg("lease poll failed")
			}
		}

		if leased > 0 {
			interval = o.cfg.PollInterval
		} else {
			interval *= 2
			if interval > o.cfg.PollIntervalMax {
				interval = o.cfg.PollIntervalMax
			}
		}
		timer.Reset(interval)
	}
}
