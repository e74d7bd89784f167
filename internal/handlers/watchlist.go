// SPDX-License-Identifier: MIT

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/library"
	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/orchestrator"
	"github.com/harmonyhub/harmony/internal/queue"
)

// Watchlist turns one timer-enqueued watchlist job into an artist_sync
// job, unless the artist's retry budget is spent. An exhausted entry is
// put behind a cooldown with a fresh budget and the job succeeds with
// nothing enqueued, so a flapping artist cannot monopolize the queue.
type Watchlist struct {
	library *library.Store
	queue   queue.Store
	cfg     config.WatchlistConfig
	log     zerolog.Logger
	now     func() time.Time
}

// WatchlistOptions wires a Watchlist handler.
type WatchlistOptions struct {
	Library *library.Store
	Queue   queue.Store
	Config  config.WatchlistConfig

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewWatchlist validates opts and applies defaults.
func NewWatchlist(opts WatchlistOptions) (*Watchlist, error) {
	if opts.Library == nil {
		return nil, fmt.Errorf("handlers: watchlist: nil library store")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("handlers: watchlist: nil queue store")
	}
	cfg := opts.Config
	if cfg.ArtistCooldown <= 0 {
		cfg.ArtistCooldown = time.Hour
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Watchlist{
		library: opts.Library,
		queue:   opts.Queue,
		cfg:     cfg,
		log:     log.WithComponent("handlers.watchlist"),
		now:     now,
	}, nil
}

func (h *Watchlist) Type() string { return queue.TypeWatchlist }

// Handle refreshes one watched artist. Reruns are safe: the artist_sync
// enqueue deduplicates on its idempotency key while the previous fan-out
// is still live.
func (h *Watchlist) Handle(ctx context.Context, job *queue.Job) orchestrator.Outcome {
	var p queue.WatchlistPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return orchestrator.Permanent(fmt.Errorf("watchlist payload: %w", err))
	}
	if p.ArtistKey == "" {
		return orchestrator.Permanent(errors.New("watchlist payload: artist_key is required"))
	}

	logger := log.WithContext(ctx, h.log).With().Str("artist_key", p.ArtistKey).Logger()

	entry, err := h.library.GetWatchlist(ctx, p.ArtistKey)
	if errors.Is(err, library.ErrNotFound) {
		// Unwatched between the timer tick and this run.
		logger.Info().Bool("skipped", true).Msg("artist no longer watched")
		return orchestrator.Success()
	}
	if err != nil {
		return orchestrator.Retryable(err)
	}

	now := h.now().UTC()
	if entry.RetryBudgetRemaining <= 0 {
		until := now.Add(h.cfg.ArtistCooldown)
		if err := h.library.ResetBudget(ctx, p.ArtistKey, h.cfg.RetryBudget, until); err != nil {
			return orchestrator.Retryable(err)
		}
		logger.Info().
			Bool("skipped", true).
			Str(log.FieldErrorKind, "BUDGET_EXHAUSTED").
			Time("cooldown_until", until).
			Msg("retry budget spent, artist cooling down")
		return orchestrator.Success()
	}

	payload, err := json.Marshal(queue.ArtistSyncPayload{ArtistKey: p.ArtistKey})
	if err != nil {
		return orchestrator.Permanent(err)
	}
	res, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{
		Type:           queue.TypeArtistSync,
		Payload:        payload,
		IdempotencyKey: "artist_sync:" + p.ArtistKey,
	})
	if err != nil {
		return orchestrator.Retryable(err)
	}

	if err := h.library.MarkSynced(ctx, p.ArtistKey, now); err != nil && !errors.Is(err, library.ErrNotFound) {
		return orchestrator.Retryable(err)
	}

	logger.Info().
		Int64("sync_job_id", res.JobID).
		Bool("deduplicated", res.Deduplicated).
		Msg("artist sync enqueued")
	return orchestrator.Success()
}
