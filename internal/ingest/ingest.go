// SPDX-License-Identifier: MIT

// Package ingest turns user submissions (pasted lines, playlist links,
// uploaded files) into one ingest job with normalized items, then feeds
// the matching pipeline in bounded batches. Free-tier submissions are
// capped per input kind; every submission is bounded by an absolute
// candidate fuse.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/library"
	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/matching"
	"github.com/harmonyhub/harmony/internal/metrics"
	"github.com/harmonyhub/harmony/internal/queue"
)

// Submission modes.
const (
	ModeFree = "FREE"
	ModePro  = "PRO"
)

// Submission outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomePartial  = "partial"
	OutcomeRejected = "rejected"
)

var (
	// ErrInvalid marks a submission the service cannot process at all:
	// no input, an unknown mode, or a structurally broken upload.
	ErrInvalid = errors.New("ingest: invalid submission")

	// ErrTooLarge marks a submission over the upload byte cap or the
	// absolute candidate fuse.
	ErrTooLarge = errors.New("ingest: submission too large")

	// ErrBusy marks a submission refused because the matching backlog
	// already sits at its ceiling.
	ErrBusy = errors.New("ingest: matching backlog full")
)

// Submission is one user import request.
type Submission struct {
	Mode  string   `json:"mode"`
	Lines []string `json:"lines,omitempty"`
	Links []string `json:"links,omitempty"`

	// Upload carries a pasted or posted file; Bytes round-trips as
	// base64 in JSON.
	Upload *Upload `json:"upload,omitempty"`
}

// Upload is an attached submission file.
type Upload struct {
	ContentType string `json:"content_type"`
	Bytes       []byte `json:"bytes"`
}

// AcceptedItem echoes one persisted ingest item.
type AcceptedItem struct {
	ItemID     int64  `json:"item_id"`
	SourceType string `json:"source_type"`
	Artist     string `json:"artist,omitempty"`
	Title      string `json:"title,omitempty"`
	Album      string `json:"album,omitempty"`
	PlaylistID string `json:"playlist_id,omitempty"`
}

// SkippedItem reports one rejected submission entry and why.
type SkippedItem struct {
	Input  string `json:"input"`
	Reason string `json:"reason"`
}

// Result is the submission response. JobID is empty when every entry was
// skipped and no job was created.
type Result struct {
	JobID    string         `json:"job_id,omitempty"`
	Outcome  string         `json:"outcome"`
	Accepted []AcceptedItem `json:"accepted"`
	Skipped  []SkippedItem  `json:"skipped"`
	Batches  int            `json:"batches"`
}

// Service parses, caps, normalizes, persists, and enqueues submissions.
type Service struct {
	library *library.Store
	queue   queue.Store
	cfg     config.IngestConfig
	log     zerolog.Logger
	now     func() time.Time
}

// Options wires a Service.
type Options struct {
	Library *library.Store
	Queue   queue.Store
	Config  config.IngestConfig

	// Now overrides the clock in tests.
	Now func() time.Time
}

// New validates opts and applies defaults.
func New(opts Options) (*Service, error) {
	if opts.Library == nil {
		return nil, fmt.Errorf("ingest: nil library store")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("ingest: nil queue store")
	}
	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		library: opts.Library,
		queue:   opts.Queue,
		cfg:     cfg,
		log:     log.WithComponent("ingest"),
		now:     now,
	}, nil
}

// Submit processes one submission end to end: parse, enforce caps,
// normalize and dedupe, persist one ingest job, enqueue matching batches
// for track items and expansion jobs for link items. A mixed outcome is
// partial success; only structural violations return an error.
func (s *Service) Submit(ctx context.Context, sub Submission) (Result, error) {
	start := s.now()
	logger := log.WithContext(ctx, s.log)

	mode, err := normalizeMode(sub.Mode)
	if err != nil {
		metrics.IncIngestSubmission("unknown", OutcomeRejected)
		return Result{}, err
	}
	label := strings.ToLower(mode)
	free := mode == ModeFree

	if len(sub.Lines) == 0 && len(sub.Links) == 0 && (sub.Upload == nil || len(sub.Upload.Bytes) == 0) {
		metrics.IncIngestSubmission(label, OutcomeRejected)
		return Result{}, fmt.Errorf("%w: no lines, links, or upload", ErrInvalid)
	}

	// Refuse new work while the matching backlog sits at the ceiling;
	// accepted items that cannot be enqueued would strand in normalized.
	if s.cfg.MaxPendingJobs > 0 {
		pending, err := s.queue.CountJobs(ctx, queue.JobFilter{
			Types:  []string{queue.TypeMatching},
			States: []queue.JobState{queue.StatePending},
		})
		if err != nil {
			return Result{}, fmt.Errorf("ingest: count pending matching jobs: %w", err)
		}
		if pending >= int64(s.cfg.MaxPendingJobs) {
			metrics.IncIngestBackpressure()
			metrics.IncIngestSubmission(label, OutcomeRejected)
			return Result{}, fmt.Errorf("%w: %d matching jobs pending (ceiling %d)", ErrBusy, pending, s.cfg.MaxPendingJobs)
		}
	}

	if free && sub.Upload != nil && s.cfg.FreeMaxFileBytes > 0 && len(sub.Upload.Bytes) > s.cfg.FreeMaxFileBytes {
		metrics.IncIngestSubmission(label, OutcomeRejected)
		return Result{}, fmt.Errorf("%w: upload is %d bytes (cap %d)", ErrTooLarge, len(sub.Upload.Bytes), s.cfg.FreeMaxFileBytes)
	}

	recs, skipped, err := s.parseAll(sub)
	if err != nil {
		metrics.IncIngestSubmission(label, OutcomeRejected)
		return Result{}, err
	}

	// The fuse is absolute: it rejects rather than trims, in every mode.
	if fuse := s.cfg.FreeMaxTracks * s.cfg.HardCapMultiplier; fuse > 0 && len(recs) > fuse {
		metrics.IncIngestSubmission(label, OutcomeRejected)
		return Result{}, fmt.Errorf("%w: %d candidates exceed the absolute cap %d", ErrTooLarge, len(recs), fuse)
	}

	tracks, links, skipped := s.normalize(recs, skipped, free)

	if len(tracks)+len(links) == 0 {
		metrics.IncIngestSubmission(label, OutcomeRejected)
		logger.Info().
			Str("event", "service.call").
			Str("status", "rejected").
			Str("mode", label).
			Int("skipped", len(skipped)).
			Int64(log.FieldDurationMS, s.now().Sub(start).Milliseconds()).
			Msg("submission yielded no items")
		return Result{Outcome: OutcomeRejected, Accepted: []AcceptedItem{}, Skipped: skipped}, nil
	}

	job := library.IngestJob{
		Mode:     mode,
		State:    library.IngestNormalized,
		Accepted: len(tracks) + len(links),
		Skipped:  len(skipped),
	}
	job, items, err := s.library.CreateIngestJob(ctx, job, append(tracks, links...))
	if err != nil {
		return Result{}, fmt.Errorf("ingest: create job: %w", err)
	}
	metrics.AddIngestItems("accepted", len(items))
	metrics.AddIngestItems("skipped", len(skipped))

	trackItems := items[:len(tracks)]
	linkItems := items[len(tracks):]

	batches, err := s.enqueueBatches(ctx, job.ID, trackItems, logger)
	if err != nil {
		return Result{}, err
	}
	if err := s.enqueueExpansions(ctx, job.ID, linkItems); err != nil {
		return Result{}, err
	}
	if err := s.library.AdvanceIngestJob(ctx, job.ID, library.IngestQueued); err != nil {
		return Result{}, fmt.Errorf("ingest: advance job %s: %w", job.ID, err)
	}

	outcome := OutcomeAccepted
	if len(skipped) > 0 {
		outcome = OutcomePartial
	}
	metrics.IncIngestSubmission(label, outcome)

	accepted := make([]AcceptedItem, 0, len(items))
	for _, it := range items {
		accepted = append(accepted, AcceptedItem{
			ItemID:     it.ID,
			SourceType: it.SourceType,
			Artist:     it.Artist,
			Title:      it.Title,
			Album:      it.Album,
			PlaylistID: it.PlaylistID,
		})
	}

	logger.Info().
		Str("event", "service.call").
		Str("status", "ok").
		Str("ingest_job_id", job.ID).
		Str("mode", label).
		Int("accepted", len(accepted)).
		Int("skipped", len(skipped)).
		Int("batches", batches).
		Int("links", len(linkItems)).
		Int64(log.FieldDurationMS, s.now().Sub(start).Milliseconds()).
		Msg("submission ingested")

	return Result{
		JobID:    job.ID,
		Outcome:  outcome,
		Accepted: accepted,
		Skipped:  skipped,
		Batches:  batches,
	}, nil
}

// parseAll gathers records from every input source in submission order:
// pasted lines, the upload, then explicit links.
func (s *Service) parseAll(sub Submission) ([]record, []SkippedItem, error) {
	var (
		recs    []record
		skipped []SkippedItem
	)
	for _, line := range sub.Lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		rec, reason := parseLine(trimmed)
		if reason != "" {
			skipped = append(skipped, SkippedItem{Input: trimmed, Reason: reason})
			continue
		}
		rec.fromLines = true
		recs = append(recs, rec)
	}
	if sub.Upload != nil && len(sub.Upload.Bytes) > 0 {
		urecs, uskips, err := parseUpload(sub.Upload)
		if err != nil {
			return nil, nil, err
		}
		// Upload rows count against the free line cap like pasted lines.
		for i := range urecs {
			urecs[i].fromLines = true
		}
		recs = append(recs, urecs...)
		skipped = append(skipped, uskips...)
	}
	for _, link := range sub.Links {
		trimmed := strings.TrimSpace(link)
		if trimmed == "" {
			continue
		}
		id := extractPlaylistID(trimmed)
		if id == "" && bareIDRe.MatchString(trimmed) {
			// The links field is explicit, so a bare token is taken
			// as the playlist id itself.
			id = trimmed
		}
		if id == "" {
			skipped = append(skipped, SkippedItem{Input: trimmed, Reason: ReasonUnsupportedLink})
			continue
		}
		recs = append(recs, record{raw: trimmed, playlistID: id})
	}
	return recs, skipped, nil
}

// normalize cleans and dedupes records into ingest items, applying the
// free-tier caps in input order. Duplicates are keyed on the folded
// (artist, title, album) tuple, links on their playlist id.
func (s *Service) normalize(recs []record, skipped []SkippedItem, free bool) (tracks, links []library.IngestItem, _ []SkippedItem) {
	seen := make(map[string]struct{}, len(recs))
	lineRecords := 0
	for _, rec := range recs {
		if rec.fromLines {
			lineRecords++
			if free && s.cfg.FreeMaxLines > 0 && lineRecords > s.cfg.FreeMaxLines {
				skipped = append(skipped, SkippedItem{Input: rec.raw, Reason: ReasonLineCap})
				continue
			}
		}

		if rec.playlistID != "" {
			key := "link|" + rec.playlistID
			if _, dup := seen[key]; dup {
				skipped = append(skipped, SkippedItem{Input: rec.raw, Reason: ReasonDuplicate})
				continue
			}
			seen[key] = struct{}{}
			if free && s.cfg.FreeMaxPlaylistLinks > 0 && len(links) >= s.cfg.FreeMaxPlaylistLinks {
				skipped = append(skipped, SkippedItem{Input: rec.raw, Reason: ReasonLinkCap})
				continue
			}
			links = append(links, library.IngestItem{
				SourceType: library.SourceLink,
				Raw:        rec.raw,
				PlaylistID: rec.playlistID,
				State:      library.IngestNormalized,
			})
			continue
		}

		artist, title, album := clean(rec.artist), clean(rec.title), clean(rec.album)
		if artist == "" && title == "" {
			skipped = append(skipped, SkippedItem{Input: rec.raw, Reason: ReasonEmpty})
			continue
		}
		key := matching.Fold(artist) + "|" + matching.Fold(title) + "|" + matching.Fold(album)
		if _, dup := seen[key]; dup {
			skipped = append(skipped, SkippedItem{Input: rec.raw, Reason: ReasonDuplicate})
			continue
		}
		seen[key] = struct{}{}
		if free && s.cfg.FreeMaxTracks > 0 && len(tracks) >= s.cfg.FreeMaxTracks {
			skipped = append(skipped, SkippedItem{Input: rec.raw, Reason: ReasonTrackCap})
			continue
		}
		tracks = append(tracks, library.IngestItem{
			SourceType: library.SourceTrack,
			Raw:        rec.raw,
			Artist:     artist,
			Title:      title,
			Album:      album,
			State:      library.IngestNormalized,
		})
	}
	return tracks, links, skipped
}

// enqueueBatches slices track items into matching jobs of at most
// BatchSize ids and advances each enqueued batch to queued. The
// idempotency key pins the job id and batch index.
func (s *Service) enqueueBatches(ctx context.Context, jobID string, items []library.IngestItem, logger zerolog.Logger) (int, error) {
	batches := 0
	for startIdx := 0; startIdx < len(items); startIdx += s.cfg.BatchSize {
		chunk := items[startIdx:min(startIdx+s.cfg.BatchSize, len(items))]
		ids := make([]int64, 0, len(chunk))
		for _, it := range chunk {
			ids = append(ids, it.ID)
		}
		payload, err := json.Marshal(queue.MatchingPayload{IngestJobID: jobID, ItemIDs: ids})
		if err != nil {
			return batches, fmt.Errorf("ingest: marshal matching batch: %w", err)
		}
		res, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type:           queue.TypeMatching,
			Payload:        payload,
			IdempotencyKey: fmt.Sprintf("ingest:%s:%d", jobID, startIdx/s.cfg.BatchSize),
		})
		if err != nil {
			return batches, fmt.Errorf("ingest: enqueue matching batch: %w", err)
		}
		if _, err := s.library.AdvanceIngestItems(ctx, ids, library.IngestQueued); err != nil {
			return batches, fmt.Errorf("ingest: advance batch items: %w", err)
		}
		metrics.IncIngestBatch()
		batches++
		logger.Debug().
			Int64(log.FieldJobID, res.JobID).
			Int("items", len(ids)).
			Msg("matching batch enqueued")
	}
	return batches, nil
}

// enqueueExpansions spawns one playlist_expand job per link item. Link
// items stay normalized; expansion is their queue step and the expand
// handler completes them.
func (s *Service) enqueueExpansions(ctx context.Context, jobID string, items []library.IngestItem) error {
	for _, it := range items {
		payload, err := json.Marshal(queue.PlaylistExpandPayload{IngestItemID: it.ID, PlaylistID: it.PlaylistID})
		if err != nil {
			return fmt.Errorf("ingest: marshal expand payload: %w", err)
		}
		if _, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type:           queue.TypePlaylistExpand,
			Payload:        payload,
			IdempotencyKey: fmt.Sprintf("ingest:%s:link:%d", jobID, it.ID),
		}); err != nil {
			return fmt.Errorf("ingest: enqueue playlist expand: %w", err)
		}
	}
	return nil
}

func normalizeMode(m string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(m)) {
	case "", ModeFree:
		return ModeFree, nil
	case ModePro:
		return ModePro, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalid, m)
	}
}
