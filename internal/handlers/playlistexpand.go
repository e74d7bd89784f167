// SPDX-License-Identifier: MIT

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/gateway"
	"github.com/harmonyhub/harmony/internal/library"
	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/metrics"
	"github.com/harmonyhub/harmony/internal/orchestrator"
	"github.com/harmonyhub/harmony/internal/queue"
)

// PlaylistExpand turns one LINK ingest item into LINK_EXPANSION items,
// one per playlist track, and fans them out to matching jobs in batches.
// The parent item completes inside the same transaction that appends
// the children, so a replay that finds the parent completed only has to
// re-batch children that never reached a matching job.
type PlaylistExpand struct {
	library   *library.Store
	queue     queue.Store
	meta      MetadataGateway
	batchSize int
	log       zerolog.Logger
	now       func() time.Time
}

// PlaylistExpandOptions configures NewPlaylistExpand.
type PlaylistExpandOptions struct {
	Library  *library.Store
	Queue    queue.Store
	Metadata MetadataGateway

	// BatchSize caps the items per matching job. Zero means 25.
	BatchSize int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewPlaylistExpand validates the wiring and returns the handler.
func NewPlaylistExpand(opts PlaylistExpandOptions) (*PlaylistExpand, error) {
	if opts.Library == nil {
		return nil, errors.New("handlers: playlist expand: nil library store")
	}
	if opts.Queue == nil {
		return nil, errors.New("handlers: playlist expand: nil queue store")
	}
	if opts.Metadata == nil {
		return nil, errors.New("handlers: playlist expand: nil metadata gateway")
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 25
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PlaylistExpand{
		library:   opts.Library,
		queue:     opts.Queue,
		meta:      opts.Metadata,
		batchSize: batchSize,
		log:       log.WithComponent("handlers.playlist_expand"),
		now:       now,
	}, nil
}

// Type implements orchestrator.Handler.
func (h *PlaylistExpand) Type() string { return queue.TypePlaylistExpand }

// Handle implements orchestrator.Handler.
func (h *PlaylistExpand) Handle(ctx context.Context, job *queue.Job) orchestrator.Outcome {
	var p queue.PlaylistExpandPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return orchestrator.Permanent(fmt.Errorf("playlist_expand payload: %w", err))
	}
	if p.IngestItemID == 0 {
		return orchestrator.Permanent(errors.New("playlist_expand payload: ingest_item_id is required"))
	}

	logger := log.WithContext(ctx, h.log).With().Int64("item_id", p.IngestItemID).Logger()
	start := h.now()

	item, err := h.library.GetIngestItem(ctx, p.IngestItemID)
	if errors.Is(err, library.ErrNotFound) {
		return orchestrator.Permanent(fmt.Errorf("ingest item %d not found", p.IngestItemID))
	}
	if err != nil {
		return orchestrator.Retryable(err)
	}
	if item.SourceType != library.SourceLink {
		return orchestrator.Permanent(fmt.Errorf("ingest item %d is %s, not a link", item.ID, item.SourceType))
	}
	playlistID := p.PlaylistID
	if playlistID == "" {
		playlistID = item.PlaylistID
	}
	if playlistID == "" {
		return orchestrator.Permanent(fmt.Errorf("ingest item %d carries no playlist id", item.ID))
	}

	logger = logger.With().Str("playlist_id", playlistID).Logger()

	var childIDs []int64
	switch item.State {
	case library.IngestFailed:
		logger.Info().Msg("link item already failed, nothing to expand")
		return orchestrator.Success()
	case library.IngestCompleted:
		// The children exist from an earlier pass; pick up the ones
		// that never made it into a matching batch.
		childIDs, err = h.strandedChildren(ctx, item.IngestJobID, playlistID)
		if err != nil {
			return orchestrator.Retryable(err)
		}
		logger.Info().Int("stranded", len(childIDs)).Msg("resuming expanded playlist")
	default:
		playlist, err := h.meta.GetPlaylist(ctx, playlistID)
		if err != nil {
			return classify(fmt.Errorf("playlist %s: %w", playlistID, err))
		}
		if playlist == nil {
			return orchestrator.Permanent(fmt.Errorf("playlist %s not found", playlistID))
		}

		children := expansionItems(playlistID, playlist.Tracks)
		inserted, err := h.library.AppendExpansionItems(ctx, item.ID, children)
		if err != nil {
			if errors.Is(err, library.ErrNotFound) {
				return orchestrator.Permanent(err)
			}
			return orchestrator.Retryable(err)
		}
		metrics.AddIngestItems("expanded", len(inserted))
		childIDs = make([]int64, 0, len(inserted))
		for _, child := range inserted {
			childIDs = append(childIDs, child.ID)
		}
		logger.Info().
			Int("tracks", len(playlist.Tracks)).
			Int("expanded", len(inserted)).
			Msg("playlist expanded")
	}

	batches := 0
	for startIdx := 0; startIdx < len(childIDs); startIdx += h.batchSize {
		chunk := childIDs[startIdx:min(startIdx+h.batchSize, len(childIDs))]
		payload, err := json.Marshal(queue.MatchingPayload{IngestJobID: item.IngestJobID, ItemIDs: chunk})
		if err != nil {
			return orchestrator.Permanent(fmt.Errorf("matching payload: %w", err))
		}
		res, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type:           queue.TypeMatching,
			Payload:        payload,
			IdempotencyKey: fmt.Sprintf("expand:%d:%d", item.ID, startIdx/h.batchSize),
		})
		if err != nil {
			return orchestrator.Retryable(fmt.Errorf("enqueue matching batch: %w", err))
		}
		if _, err := h.library.AdvanceIngestItems(ctx, chunk, library.IngestQueued); err != nil {
			return orchestrator.Retryable(err)
		}
		metrics.IncIngestBatch()
		batches++
		logger.Debug().Int64("matching_job_id", res.JobID).Int("items", len(chunk)).Msg("matching batch enqueued")
	}

	if len(childIDs) == 0 {
		// Nothing left to match, so no matching job will settle the
		// ingest job.
		if _, err := h.library.SettleIngestJob(ctx, item.IngestJobID); err != nil {
			return orchestrator.Retryable(err)
		}
	}

	logger.Info().
		Str("event", "service.call").
		Int("children", len(childIDs)).
		Int("batches", batches).
		Int64(log.FieldDurationMS, h.now().Sub(start).Milliseconds()).
		Msg("playlist expansion finished")
	return orchestrator.Success()
}

// strandedChildren lists this playlist's expansion items that were
// appended but never handed to a matching batch.
func (h *PlaylistExpand) strandedChildren(ctx context.Context, jobID, playlistID string) ([]int64, error) {
	items, err := h.library.ListIngestItems(ctx, jobID)
	if err != nil {
		return nil, err
	}
	prefix := playlistID + ":"
	var ids []int64
	for _, it := range items {
		if it.SourceType != library.SourceLinkExpansion || it.State != library.IngestNormalized {
			continue
		}
		if !strings.HasPrefix(it.Raw, prefix) {
			continue
		}
		ids = append(ids, it.ID)
	}
	return ids, nil
}

// expansionItems builds the child items for a playlist's tracks,
// dropping unsearchable tracks and duplicates within the playlist.
func expansionItems(playlistID string, tracks []gateway.Track) []library.IngestItem {
	seen := make(map[string]struct{}, len(tracks))
	items := make([]library.IngestItem, 0, len(tracks))
	for i, track := range tracks {
		if strings.TrimSpace(track.Artist) == "" && strings.TrimSpace(track.Title) == "" {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(track.Artist)) + "|" +
			strings.ToLower(strings.TrimSpace(track.Title)) + "|" +
			strings.ToLower(strings.TrimSpace(track.Album))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		raw := playlistID + ":" + track.ID
		if track.ID == "" {
			raw = fmt.Sprintf("%s:%d", playlistID, i)
		}
		items = append(items, library.IngestItem{
			Raw:        raw,
			Artist:     track.Artist,
			Title:      track.Title,
			Album:      track.Album,
			PlaylistID: playlistID,
		})
	}
	return items
}
