// SPDX-License-Identifier: MIT

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/gateway"
	"github.com/harmonyhub/harmony/internal/library"
	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/matching"
	"github.com/harmonyhub/harmony/internal/metrics"
	"github.com/harmonyhub/harmony/internal/orchestrator"
	"github.com/harmonyhub/harmony/internal/queue"
)

// Matching resolves wanted tracks against the peer network. Each want
// is searched, the candidates are scored, and the best one is either
// stored as a download and handed to a sync job, or discarded with a
// recorded reason when nothing clears the confidence threshold.
//
// The payload carries one of three shapes: a batch of ingest item ids,
// a metadata track id, or inline search terms. Replayed batches skip
// items that already reached a terminal state, and the per-user sync
// jobs dedupe on an idempotency key derived from this job's id, so
// re-delivery never doubles downloads.
type Matching struct {
	library *library.Store
	queue   queue.Store
	meta    MetadataGateway
	peers   PeerGateway
	matcher *matching.Matcher
	log     zerolog.Logger
	now     func() time.Time
}

// MatchingOptions configures NewMatching.
type MatchingOptions struct {
	Library  *library.Store
	Queue    queue.Store
	Metadata MetadataGateway
	Peers    PeerGateway
	Matcher  *matching.Matcher

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewMatching validates the wiring and returns the handler.
func NewMatching(opts MatchingOptions) (*Matching, error) {
	if opts.Library == nil {
		return nil, errors.New("handlers: matching: nil library store")
	}
	if opts.Queue == nil {
		return nil, errors.New("handlers: matching: nil queue store")
	}
	if opts.Metadata == nil {
		return nil, errors.New("handlers: matching: nil metadata gateway")
	}
	if opts.Peers == nil {
		return nil, errors.New("handlers: matching: nil peer gateway")
	}
	if opts.Matcher == nil {
		return nil, errors.New("handlers: matching: nil matcher")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Matching{
		library: opts.Library,
		queue:   opts.Queue,
		meta:    opts.Metadata,
		peers:   opts.Peers,
		matcher: opts.Matcher,
		log:     log.WithComponent("handlers.matching"),
		now:     now,
	}, nil
}

// Type implements orchestrator.Handler.
func (h *Matching) Type() string { return queue.TypeMatching }

// wantItem pairs a search want with the ingest item it came from.
// Track and inline wants carry no item and leave the id zero.
type wantItem struct {
	itemID int64
	want   matching.Want
}

// storedMatch is a want that cleared the threshold, pinned to the peer
// result that won.
type storedMatch struct {
	itemID     int64
	result     gateway.PeerResult
	confidence float64
}

// Handle implements orchestrator.Handler.
func (h *Matching) Handle(ctx context.Context, job *queue.Job) orchestrator.Outcome {
	var p queue.MatchingPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return orchestrator.Permanent(fmt.Errorf("matching payload: %w", err))
	}

	logger := log.WithContext(ctx, h.log)
	start := h.now()

	wants, out := h.collectWants(ctx, p, logger)
	if out != nil {
		return *out
	}

	var (
		stored    []storedMatch
		discarded int
		confSum   float64
	)
	for _, wi := range wants {
		query := searchQuery(wi.want)
		if query == "" {
			h.discard(ctx, wi.itemID, "missing_terms", logger)
			discarded++
			continue
		}
		results, err := h.peers.SearchPeer(ctx, query)
		if err != nil {
			if o := classify(fmt.Errorf("peer search %q: %w", query, err)); o.Result == orchestrator.ResultRetryable {
				return o
			}
			h.discard(ctx, wi.itemID, "search_failed", logger)
			discarded++
			continue
		}
		best, ok := h.matcher.Best(wi.want, results)
		if !ok {
			reason := "below_threshold"
			if len(results) == 0 {
				reason = "no_results"
			}
			logger.Debug().
				Str("query", query).
				Str("reason", reason).
				Float64("confidence", best.Confidence).
				Msg("candidate discarded")
			h.discard(ctx, wi.itemID, reason, logger)
			discarded++
			continue
		}
		stored = append(stored, storedMatch{
			itemID:     wi.itemID,
			result:     best.Result,
			confidence: best.Confidence,
		})
		confSum += best.Confidence
	}

	if out := h.storeMatches(ctx, job.ID, stored, logger); out != nil {
		return *out
	}

	if p.IngestJobID != "" {
		settled, err := h.library.SettleIngestJob(ctx, p.IngestJobID)
		if err != nil {
			return orchestrator.Retryable(fmt.Errorf("settle ingest job %s: %w", p.IngestJobID, err))
		}
		if settled {
			logger.Info().Str("ingest_job_id", p.IngestJobID).Msg("ingest job settled")
		}
	}

	avg := 0.0
	if len(stored) > 0 {
		avg = confSum / float64(len(stored))
	}
	logger.Info().
		Str("event", "matching.batch").
		Int("stored", len(stored)).
		Int("discarded", discarded).
		Float64("average_confidence", avg).
		Int64(log.FieldDurationMS, h.now().Sub(start).Milliseconds()).
		Msg("matching batch settled")
	return orchestrator.Success()
}

// collectWants expands the payload into concrete search wants. A non-nil
// outcome aborts the job.
func (h *Matching) collectWants(ctx context.Context, p queue.MatchingPayload, logger zerolog.Logger) ([]wantItem, *orchestrator.Outcome) {
	abort := func(o orchestrator.Outcome) ([]wantItem, *orchestrator.Outcome) { return nil, &o }

	switch {
	case len(p.ItemIDs) > 0:
		wants := make([]wantItem, 0, len(p.ItemIDs))
		for _, id := range p.ItemIDs {
			item, err := h.library.GetIngestItem(ctx, id)
			if errors.Is(err, library.ErrNotFound) {
				logger.Warn().Int64("item_id", id).Msg("ingest item vanished")
				continue
			}
			if err != nil {
				return abort(orchestrator.Retryable(err))
			}
			if item.State == library.IngestCompleted || item.State == library.IngestFailed {
				continue
			}
			wants = append(wants, wantItem{
				itemID: id,
				want:   matching.Want{Artist: item.Artist, Title: item.Title, Album: item.Album},
			})
		}
		return wants, nil

	case p.TrackID != "":
		track, err := h.meta.GetTrack(ctx, p.TrackID)
		if err != nil {
			return abort(classify(fmt.Errorf("track %s: %w", p.TrackID, err)))
		}
		if track == nil {
			return abort(orchestrator.Permanent(fmt.Errorf("track %s not found", p.TrackID)))
		}
		return []wantItem{{want: matching.WantFromTrack(*track)}}, nil

	default:
		w := matching.Want{Artist: p.Artist, Title: p.Title, Album: p.Album}
		if searchQuery(w) == "" {
			return abort(orchestrator.Permanent(errors.New("matching payload names no items, track, or search terms")))
		}
		return []wantItem{{want: w}}, nil
	}
}

// storeMatches groups the winners by peer, enqueues one sync job per
// peer, creates the download rows, and settles the originating ingest
// items. A non-nil outcome aborts the job.
func (h *Matching) storeMatches(ctx context.Context, jobID int64, stored []storedMatch, logger zerolog.Logger) *orchestrator.Outcome {
	abort := func(o orchestrator.Outcome) *orchestrator.Outcome { return &o }
	if len(stored) == 0 {
		return nil
	}

	groups := make(map[string][]storedMatch)
	for _, sm := range stored {
		groups[sm.result.Username] = append(groups[sm.result.Username], sm)
	}
	usernames := make([]string, 0, len(groups))
	for username := range groups {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)

	var completedIDs []int64
	for _, username := range usernames {
		group := groups[username]
		files := make([]queue.SyncFile, 0, len(group))
		for _, sm := range group {
			files = append(files, queue.SyncFile{Filename: sm.result.Filename, SizeBytes: sm.result.SizeBytes})
		}
		payload, err := json.Marshal(queue.SyncPayload{Username: username, Files: files})
		if err != nil {
			return abort(orchestrator.Permanent(fmt.Errorf("sync payload: %w", err)))
		}
		res, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type:           queue.TypeSync,
			Payload:        payload,
			IdempotencyKey: fmt.Sprintf("sync:%d:%s", jobID, username),
		})
		if err != nil {
			return abort(orchestrator.Retryable(fmt.Errorf("enqueue sync for %s: %w", username, err)))
		}

		// A replay finds the sync job deduplicated and its rows already
		// written; only a first pass creates them.
		rows, err := h.library.ListDownloadsByJob(ctx, res.JobID)
		if err != nil {
			return abort(orchestrator.Retryable(err))
		}
		if len(rows) == 0 {
			entries := make([]library.DownloadEntry, 0, len(group))
			for _, sm := range group {
				entries = append(entries, library.DownloadEntry{
					JobID:     res.JobID,
					Username:  username,
					Filename:  sm.result.Filename,
					SizeBytes: sm.result.SizeBytes,
				})
			}
			if _, err := h.library.CreateDownloads(ctx, entries); err != nil {
				return abort(orchestrator.Retryable(err))
			}
		}

		for _, sm := range group {
			if sm.itemID == 0 {
				continue
			}
			if err := h.library.BindItemDownloadJob(ctx, sm.itemID, res.JobID); err != nil && !errors.Is(err, library.ErrNotFound) {
				return abort(orchestrator.Retryable(err))
			}
			completedIDs = append(completedIDs, sm.itemID)
		}
		for range group {
			metrics.IncMatchingStored()
		}
		logger.Info().
			Str("username", username).
			Int64("sync_job_id", res.JobID).
			Int("files", len(files)).
			Bool("deduplicated", res.Deduplicated).
			Msg("sync job enqueued")
	}

	if len(completedIDs) > 0 {
		if _, err := h.library.AdvanceIngestItems(ctx, completedIDs, library.IngestCompleted); err != nil {
			return abort(orchestrator.Retryable(err))
		}
	}
	return nil
}

// discard records why a want produced no download. Wants without an
// ingest item only count the metric.
func (h *Matching) discard(ctx context.Context, itemID int64, reason string, logger zerolog.Logger) {
	metrics.IncMatchingDiscarded(reason)
	if itemID == 0 {
		return
	}
	if err := h.library.MarkIngestItemFailed(ctx, itemID, reason); err != nil && !errors.Is(err, library.ErrNotFound) {
		logger.Warn().Err(err).Int64("item_id", itemID).Msg("discard not recorded")
	}
}

// searchQuery builds the peer search string: artist plus title, falling
// back to the album for release-level wants.
func searchQuery(w matching.Want) string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(w.Artist); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(w.Title); s != "" {
		parts = append(parts, s)
	} else if s := strings.TrimSpace(w.Album); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}
