// SPDX-License-Identifier: MIT

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/library"
	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/orchestrator"
	"github.com/harmonyhub/harmony/internal/queue"
)

// Retry scans for failed downloads whose backoff elapsed and hands them
// back to sync jobs, one per peer. Rows stay failed until their new
// sync job picks them up, so a crash between enqueue and requeue only
// means the next scan finds them again and the idempotent enqueue
// dedupes.
type Retry struct {
	library     *library.Store
	queue       queue.Store
	maxAttempts int
	scanLimit   int
	log         zerolog.Logger
	now         func() time.Time
}

// RetryOptions configures NewRetry.
type RetryOptions struct {
	Library *library.Store
	Queue   queue.Store

	// Retry supplies the attempt ceiling and the default scan batch
	// limit.
	Retry config.RetryConfig

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewRetry validates the wiring and returns the handler.
func NewRetry(opts RetryOptions) (*Retry, error) {
	if opts.Library == nil {
		return nil, errors.New("handlers: retry: nil library store")
	}
	if opts.Queue == nil {
		return nil, errors.New("handlers: retry: nil queue store")
	}
	maxAttempts := opts.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	scanLimit := opts.Retry.ScanBatchLimit
	if scanLimit <= 0 {
		scanLimit = 50
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Retry{
		library:     opts.Library,
		queue:       opts.Queue,
		maxAttempts: maxAttempts,
		scanLimit:   scanLimit,
		log:         log.WithComponent("handlers.retry"),
		now:         now,
	}, nil
}

// Type implements orchestrator.Handler.
func (h *Retry) Type() string { return queue.TypeRetry }

// Handle implements orchestrator.Handler.
func (h *Retry) Handle(ctx context.Context, job *queue.Job) orchestrator.Outcome {
	var p queue.RetryPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return orchestrator.Permanent(fmt.Errorf("retry payload: %w", err))
		}
	}
	limit := p.Limit
	if limit <= 0 {
		limit = h.scanLimit
	}

	logger := log.WithContext(ctx, h.log)
	start := h.now()

	rows, err := h.library.ListRetryableDownloads(ctx, start.UTC(), h.maxAttempts, limit)
	if err != nil {
		return orchestrator.Retryable(fmt.Errorf("scan retryable downloads: %w", err))
	}
	if len(rows) == 0 {
		logger.Debug().Msg("nothing due for retry")
		return orchestrator.Success()
	}

	groups := make(map[string][]int64)
	for _, row := range rows {
		groups[row.Username] = append(groups[row.Username], row.ID)
	}
	usernames := make([]string, 0, len(groups))
	for username := range groups {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)

	enqueued := 0
	for _, username := range usernames {
		ids := groups[username]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		payload, err := json.Marshal(queue.SyncPayload{Username: username, DownloadIDs: ids})
		if err != nil {
			return orchestrator.Permanent(fmt.Errorf("sync payload: %w", err))
		}
		// The key pins the exact row set, so a rescan of the same rows
		// dedupes instead of stacking jobs.
		key := fmt.Sprintf("retry:%s:%d-%d-%d", username, ids[0], ids[len(ids)-1], len(ids))
		res, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type:           queue.TypeSync,
			Payload:        payload,
			IdempotencyKey: key,
		})
		if err != nil {
			return orchestrator.Retryable(fmt.Errorf("enqueue retry sync for %s: %w", username, err))
		}
		if !res.Deduplicated {
			enqueued++
		}
		logger.Info().
			Str("username", username).
			Int64("sync_job_id", res.JobID).
			Int("downloads", len(ids)).
			Bool("deduplicated", res.Deduplicated).
			Msg("retry sync enqueued")
	}

	logger.Info().
		Str("event", "service.call").
		Int("scanned", len(rows)).
		Int("peers", len(usernames)).
		Int("enqueued", enqueued).
		Int64(log.FieldDurationMS, h.now().Sub(start).Milliseconds()).
		Msg("retry scan finished")
	return orchestrator.Success()
}
