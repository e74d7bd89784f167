// SPDX-License-Identifier: MIT

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/gateway"
	"github.com/harmonyhub/harmony/internal/library"
	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/orchestrator"
	"github.com/harmonyhub/harmony/internal/queue"
	"github.com/harmonyhub/harmony/internal/retrypolicy"
)

// Poll pacing for in-flight peer downloads. The interval grows by half
// after every poll until it hits the cap.
const (
	pollInitialInterval = 500 * time.Millisecond
	pollMaxInterval     = 5 * time.Second
)

// Sync fetches one peer's files. Every file has a download row whose
// state survives crashes: queued rows get enqueued with the peer
// daemon, running rows resume polling their existing ticket, completed
// rows count as done, and failed rows wait for the retry scanner.
//
// Files transfer in parallel up to the configured worker limit. The
// job succeeds once at least one file completes; rows that failed keep
// their own retry schedule and do not hold the job open.
type Sync struct {
	library     *library.Store
	peers       PeerGateway
	retry       retrypolicy.Policy
	concurrency int
	log         zerolog.Logger
	now         func() time.Time
}

// SyncOptions configures NewSync.
type SyncOptions struct {
	Library *library.Store
	Peers   PeerGateway

	// Retry shapes the per-file next_retry_at backoff.
	Retry config.RetryConfig

	// Concurrency caps parallel file transfers. Zero means 4.
	Concurrency int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewSync validates the wiring and returns the handler.
func NewSync(opts SyncOptions) (*Sync, error) {
	if opts.Library == nil {
		return nil, errors.New("handlers: sync: nil library store")
	}
	if opts.Peers == nil {
		return nil, errors.New("handlers: sync: nil peer gateway")
	}
	pol := retrypolicy.Policy{
		MaxAttempts: opts.Retry.MaxAttempts,
		Base:        opts.Retry.Base,
		JitterPct:   opts.Retry.JitterPct,
	}
	if pol.Base <= 0 {
		pol.Base = 2 * time.Second
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sync{
		library:     opts.Library,
		peers:       opts.Peers,
		retry:       pol,
		concurrency: concurrency,
		log:         log.WithComponent("handlers.sync"),
		now:         now,
	}, nil
}

// Type implements orchestrator.Handler.
func (h *Sync) Type() string { return queue.TypeSync }

// rowOutcome is what one file transfer settled to during this pass.
type rowOutcome int

const (
	rowSkipped rowOutcome = iota
	rowCompleted
	rowFailed
	rowInterrupted
)

// Handle implements orchestrator.Handler.
func (h *Sync) Handle(ctx context.Context, job *queue.Job) orchestrator.Outcome {
	var p queue.SyncPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return orchestrator.Permanent(fmt.Errorf("sync payload: %w", err))
	}
	if p.Username == "" {
		return orchestrator.Permanent(errors.New("sync payload: peer username is required"))
	}

	logger := log.WithContext(ctx, h.log).With().Str("username", p.Username).Logger()
	start := h.now()

	rows, out := h.loadRows(ctx, job, p, logger)
	if out != nil {
		return *out
	}

	results := make([]rowOutcome, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for i, row := range rows {
		g.Go(func() error {
			results[i] = h.syncFile(gctx, row, logger)
			return nil
		})
	}
	_ = g.Wait()

	var completed, failed, interrupted, skipped int
	for _, r := range results {
		switch r {
		case rowCompleted:
			completed++
		case rowFailed:
			failed++
		case rowInterrupted:
			interrupted++
		default:
			skipped++
		}
	}

	logger.Info().
		Str("event", "service.call").
		Int("completed", completed).
		Int("failed", failed).
		Int("interrupted", interrupted).
		Int("skipped", skipped).
		Int64(log.FieldDurationMS, h.now().Sub(start).Milliseconds()).
		Msg("sync pass finished")

	switch {
	case interrupted > 0:
		// Unresolved rows would otherwise sit running forever; a replay
		// resumes their tickets.
		return orchestrator.Retryable(fmt.Errorf("%d transfers interrupted", interrupted))
	case completed > 0:
		return orchestrator.Success()
	case failed > 0:
		return orchestrator.Retryable(fmt.Errorf("no file completed for %s", p.Username))
	default:
		return orchestrator.Success()
	}
}

// loadRows resolves the payload to download rows. Explicit DownloadIDs
// come from the retry scanner and imply requeueing rows that sit in
// failed; otherwise the rows hang off this job's id, created from the
// payload's file list when matching did not create them already.
func (h *Sync) loadRows(ctx context.Context, job *queue.Job, p queue.SyncPayload, logger zerolog.Logger) ([]library.DownloadEntry, *orchestrator.Outcome) {
	abort := func(o orchestrator.Outcome) ([]library.DownloadEntry, *orchestrator.Outcome) { return nil, &o }

	if len(p.DownloadIDs) > 0 {
		rows := make([]library.DownloadEntry, 0, len(p.DownloadIDs))
		for _, id := range p.DownloadIDs {
			row, err := h.library.GetDownload(ctx, id)
			if errors.Is(err, library.ErrNotFound) {
				logger.Warn().Int64("download_id", id).Msg("download row vanished")
				continue
			}
			if err != nil {
				return abort(orchestrator.Retryable(err))
			}
			if row.State == library.DownloadFailed {
				switch err := h.library.RequeueDownload(ctx, row.ID); {
				case err == nil:
					row.State = library.DownloadQueued
					row.TicketID = ""
					row.NextRetryAt = nil
				case errors.Is(err, library.ErrNotFound):
					// Already moved by someone else; work with the fresh row.
					if row, err = h.library.GetDownload(ctx, id); err != nil {
						continue
					}
				default:
					return abort(orchestrator.Retryable(err))
				}
			}
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			return abort(orchestrator.Success())
		}
		return rows, nil
	}

	rows, err := h.library.ListDownloadsByJob(ctx, job.ID)
	if err != nil {
		return abort(orchestrator.Retryable(err))
	}
	if len(rows) == 0 && len(p.Files) > 0 {
		entries := make([]library.DownloadEntry, 0, len(p.Files))
		for _, f := range p.Files {
			entries = append(entries, library.DownloadEntry{
				JobID:     job.ID,
				Username:  p.Username,
				Filename:  f.Filename,
				SizeBytes: f.SizeBytes,
			})
		}
		if rows, err = h.library.CreateDownloads(ctx, entries); err != nil {
			return abort(orchestrator.Retryable(err))
		}
	}
	if len(rows) == 0 {
		return abort(orchestrator.Permanent(errors.New("sync payload names no files or downloads")))
	}
	return rows, nil
}

// syncFile drives one download row to a terminal state, or as far as
// the context allows.
func (h *Sync) syncFile(ctx context.Context, row library.DownloadEntry, logger zerolog.Logger) rowOutcome {
	switch row.State {
	case library.DownloadCompleted:
		return rowCompleted
	case library.DownloadFailed:
		// The retry scanner owns failed rows.
		return rowSkipped
	}

	ticket := gateway.DownloadTicket{ID: row.TicketID, Username: row.Username}
	if row.State != library.DownloadRunning || row.TicketID == "" {
		t, err := h.peers.EnqueueDownload(ctx, row.Username, []gateway.FileRequest{{Filename: row.Filename, SizeBytes: row.SizeBytes}})
		if err != nil {
			if o := classify(err); o.Result == orchestrator.ResultRetryable {
				return rowInterrupted
			}
			return h.failRow(ctx, row, fmt.Errorf("peer enqueue: %w", err), logger)
		}
		if err := h.library.MarkDownloadRunning(ctx, row.ID, t.ID); err != nil {
			logger.Warn().Err(err).Int64("download_id", row.ID).Msg("running state not recorded")
			return rowInterrupted
		}
		ticket = t
	}

	interval := pollInitialInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		state, err := h.peers.PollDownload(ctx, ticket)
		switch {
		case err != nil:
			// Transient poll errors ride out here; the job deadline
			// bounds the loop.
			if gateway.Classify(err) == gateway.ClassPermanent {
				return h.failRow(ctx, row, fmt.Errorf("poll ticket %s: %w", ticket.ID, err), logger)
			}
		case state == gateway.DownloadCompleted:
			if err := h.library.MarkDownloadCompleted(ctx, row.ID); err != nil {
				logger.Warn().Err(err).Int64("download_id", row.ID).Msg("completion not recorded")
				return rowInterrupted
			}
			logger.Info().Int64("download_id", row.ID).Str("filename", row.Filename).Msg("download completed")
			return rowCompleted
		case state == gateway.DownloadFailed:
			return h.failRow(ctx, row, errors.New("peer reported transfer failure"), logger)
		case state == gateway.DownloadCancelled:
			return h.failRow(ctx, row, errors.New("download cancelled"), logger)
		}

		select {
		case <-ctx.Done():
			// Leave the row running; a replay resumes the ticket.
			return rowInterrupted
		case <-timer.C:
		}
		if interval = interval * 3 / 2; interval > pollMaxInterval {
			interval = pollMaxInterval
		}
		timer.Reset(interval)
	}
}

// failRow records the failure and schedules the row's next retry. The
// store bumps retry_count itself.
func (h *Sync) failRow(ctx context.Context, row library.DownloadEntry, cause error, logger zerolog.Logger) rowOutcome {
	next := h.now().UTC().Add(retrypolicy.Backoff(h.retry, row.RetryCount+1))
	if err := h.library.MarkDownloadFailed(ctx, row.ID, cause.Error(), &next); err != nil {
		logger.Warn().Err(err).Int64("download_id", row.ID).Msg("failure not recorded")
		return rowInterrupted
	}
	logger.Warn().
		Err(cause).
		Int64("download_id", row.ID).
		Str("filename", row.Filename).
		Time("next_retry_at", next).
		Msg("download failed")
	return rowFailed
}
