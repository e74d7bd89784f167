// SPDX-License-Identifier: MIT

// Package watchlist runs the timer that turns watchlist entries into
// queue jobs. Each tick auto-resumes paused entries whose wake time
// passed, selects eligible artists in priority order, and enqueues one
// watchlist job per artist under a per-interval idempotency key, so a
// restarted or doubled-up timer collapses into the same jobs.
package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/library"
	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/metrics"
	"github.com/harmonyhub/harmony/internal/queue"
)

// Options wires a Timer.
type Options struct {
	Library *library.Store
	Queue   queue.Store
	Config  config.WatchlistConfig

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Timer is the watchlist scheduler. Ticks fire on a fixed interval,
// or on a cron expression when one is configured.
type Timer struct {
	library *library.Store
	queue   queue.Store
	cfg     config.WatchlistConfig
	sched   cron.Schedule // nil in interval mode

	busy atomic.Bool
	wg   sync.WaitGroup

	log zerolog.Logger
	now func() time.Time
}

// New validates opts and parses the cron expression when set, so a
// bad schedule fails at startup instead of at first tick.
func New(opts Options) (*Timer, error) {
	if opts.Library == nil {
		return nil, fmt.Errorf("watchlist: nil library store")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("watchlist: nil queue store")
	}

	cfg := opts.Config
	if cfg.TimerInterval <= 0 {
		cfg.TimerInterval = 5 * time.Minute
	}
	if cfg.MaxPerTick <= 0 {
		cfg.MaxPerTick = 20
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}

	var sched cron.Schedule
	if cfg.TimerCron != "" {
		var err error
		sched, err = cron.ParseStandard(cfg.TimerCron)
		if err != nil {
			return nil, fmt.Errorf("watchlist: invalid cron %q: %w", cfg.TimerCron, err)
		}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Timer{
		library: opts.Library,
		queue:   opts.Queue,
		cfg:     cfg,
		sched:   sched,
		log:     log.WithComponent("watchlist.timer"),
		now:     now,
	}, nil
}

// Run fires ticks until ctx is canceled, then waits for an in-flight
// tick up to the shutdown grace. A tick cut short by shutdown is
// harmless: the idempotency keys collapse its rerun.
func (t *Timer) Run(ctx context.Context) error {
	if t.sched != nil {
		t.log.Info().Str("cron", t.cfg.TimerCron).Msg("watchlist timer starting")
		t.runCron(ctx)
	} else {
		t.log.Info().Dur("interval", t.cfg.TimerInterval).Msg("watchlist timer starting")
		t.runInterval(ctx)
	}
	return t.drain()
}

func (t *Timer) runInterval(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.TimerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fire(ctx)
		}
	}
}

func (t *Timer) runCron(ctx context.Context) {
	for {
		wait := time.Until(t.sched.Next(t.now()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			t.fire(ctx)
		}
	}
}

// fire runs one tick in its own goroutine. A tick arriving while the
// previous one still runs is skipped, not queued.
func (t *Timer) fire(ctx context.Context) {
	if !t.busy.CompareAndSwap(false, true) {
		metrics.IncTimerTick("skipped")
		t.log.Warn().
			Str("event", "orchestrator.timer.tick").
			Str("status", "skipped").
			Str("reason", "busy").
			Msg("watchlist tick overlapped")
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.busy.Store(false)
		t.tick(ctx)
	}()
}

func (t *Timer) tick(ctx context.Context) {
	start := t.now()

	resumed, err := t.library.AutoResumeWatchlist(ctx, start)
	if err != nil {
		t.log.Error().Err(err).Msg("auto-resume failed")
	}

	entries, err := t.library.EligibleWatchlist(ctx, start, t.cfg.MaxPerTick)
	if err != nil {
		metrics.IncTimerTick("error")
		t.log.Error().Err(err).
			Str("event", "orchestrator.timer.tick").
			Str("status", "error").
			Msg("eligibility query failed")
		return
	}

	window := start.Unix() / int64(t.cfg.TimerInterval.Seconds())

	enqueued, skipped := 0, 0
	for _, e := range entries {
		payload, err := json.Marshal(queue.WatchlistPayload{ArtistKey: e.ArtistKey})
		if err != nil {
			skipped++
			continue
		}
		res, err := t.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type:           queue.TypeWatchlist,
			Payload:        payload,
			IdempotencyKey: fmt.Sprintf("watchlist:%s:%d", e.ArtistKey, window),
		})
		if err != nil {
			skipped++
			t.log.Warn().Err(err).Str("artist_key", e.ArtistKey).Msg("enqueue failed")
			continue
		}
		if res.Deduplicated {
			skipped++
		} else {
			enqueued++
		}
		// Deduplicated entries are stamped too: their job for this
		// window exists, so eligibility order should move past them.
		if err := t.library.MarkEnqueued(ctx, e.ArtistKey, start); err != nil {
			t.log.Warn().Err(err).Str("artist_key", e.ArtistKey).Msg("mark enqueued failed")
		}
	}

	metrics.IncTimerTick("ok")
	metrics.AddTimerEnqueued(enqueued)
	if n, err := t.library.CountWatchlist(ctx); err == nil {
		metrics.RecordWatchlistSize(n)
	}

	t.log.Info().
		Str("event", "orchestrator.timer.tick").
		Str("status", "ok").
		Int("considered", len(entries)).
		Int("enqueued", enqueued).
		Int("skipped", skipped).
		Int("resumed", resumed).
		Int64("duration_ms", t.now().Sub(start).Milliseconds()).
		Msg("watchlist tick")
}

func (t *Timer) drain() error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(t.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.log.Warn().Dur("grace", t.cfg.ShutdownGrace).Msg("shutdown grace expired with a tick running")
	}
	return nil
}
