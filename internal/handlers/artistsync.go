// SPDX-License-Identifier: MIT

package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/cache"
	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/delta"
	"github.com/harmonyhub/harmony/internal/library"
	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/metrics"
	"github.com/harmonyhub/harmony/internal/orchestrator"
	"github.com/harmonyhub/harmony/internal/queue"
)

// artistLeaseTTL bounds how long a crashed sync can wedge its artist
// before the lease sweep frees it.
const artistLeaseTTL = 5 * time.Minute

// cleanupTimeout bounds the lease release and budget writes that run
// after the job context may already be canceled.
const cleanupTimeout = 5 * time.Second

// ArtistSync reconciles one artist's stored releases against the
// metadata provider. It diffs the provider snapshot against the library,
// applies the resulting operations and audit rows in one transaction,
// invalidates the artist's cached API responses, and optionally enqueues
// matching jobs for newly discovered releases.
//
// A per-artist advisory lease keeps concurrent syncs of the same artist
// from interleaving their writes. Finding the lease taken is not a
// failure: the job retries later without spending the artist's retry
// budget.
type ArtistSync struct {
	library  *library.Store
	queue    queue.Store
	metadata MetadataGateway
	cache    cache.Store
	policy   delta.Policy
	restock  int
	backfill config.IngestConfig
	log      zerolog.Logger
	now      func() time.Time
}

// ArtistSyncOptions configures NewArtistSync.
type ArtistSyncOptions struct {
	Library  *library.Store
	Queue    queue.Store
	Metadata MetadataGateway
	Cache    cache.Store

	// Policy controls what happens to releases the provider stopped
	// listing: soft-delete them, additionally drop the rows, or keep
	// them active.
	Policy delta.Policy

	// Watchlist supplies the retry budget restocked after a successful
	// sync.
	Watchlist config.WatchlistConfig

	// Ingest supplies the backfill knobs. When BackfillEnabled is set,
	// newly created releases fan out into matching jobs, at most
	// BackfillMaxReleases per sync (zero means unbounded).
	Ingest config.IngestConfig

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewArtistSync validates the wiring and returns the handler.
func NewArtistSync(opts ArtistSyncOptions) (*ArtistSync, error) {
	if opts.Library == nil {
		return nil, errors.New("handlers: artist sync: nil library store")
	}
	if opts.Queue == nil {
		return nil, errors.New("handlers: artist sync: nil queue store")
	}
	if opts.Metadata == nil {
		return nil, errors.New("handlers: artist sync: nil metadata gateway")
	}
	if opts.Cache == nil {
		return nil, errors.New("handlers: artist sync: nil cache")
	}
	restock := opts.Watchlist.RetryBudget
	if restock <= 0 {
		restock = 3
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ArtistSync{
		library:  opts.Library,
		queue:    opts.Queue,
		metadata: opts.Metadata,
		cache:    opts.Cache,
		policy:   opts.Policy,
		restock:  restock,
		backfill: opts.Ingest,
		log:      log.WithComponent("handlers.artist_sync"),
		now:      now,
	}, nil
}

// Type implements orchestrator.Handler.
func (h *ArtistSync) Type() string { return queue.TypeArtistSync }

// Handle implements orchestrator.Handler.
func (h *ArtistSync) Handle(ctx context.Context, job *queue.Job) orchestrator.Outcome {
	var p queue.ArtistSyncPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return orchestrator.Permanent(fmt.Errorf("artist_sync payload: %w", err))
	}
	source, sourceID, ok := strings.Cut(p.ArtistKey, ":")
	if !ok || source == "" || sourceID == "" {
		return orchestrator.Permanent(fmt.Errorf("artist_sync payload: malformed artist key %q", p.ArtistKey))
	}

	logger := log.WithContext(ctx, h.log).With().Str("artist_key", p.ArtistKey).Logger()

	holder := fmt.Sprintf("job-%d", job.ID)
	acquired, err := h.library.AcquireLease(ctx, library.ArtistLease(p.ArtistKey), holder, artistLeaseTTL)
	if err != nil {
		return orchestrator.Retryable(err)
	}
	if !acquired {
		// Another job holds the artist. Back off without charging the
		// retry budget; nothing went wrong upstream.
		logger.Info().Str("status", "busy").Msg("artist lease held elsewhere")
		return orchestrator.Retryable(fmt.Errorf("artist %s is already being synced", p.ArtistKey))
	}
	defer h.releaseLease(p.ArtistKey, holder, logger)

	out := h.sync(ctx, job, p, source, sourceID, logger)
	if out.Result != orchestrator.ResultSuccess {
		h.spendBudget(p.ArtistKey, logger)
	}
	return out
}

func (h *ArtistSync) sync(ctx context.Context, job *queue.Job, p queue.ArtistSyncPayload, source, sourceID string, logger zerolog.Logger) orchestrator.Outcome {
	start := h.now()

	current, err := h.loadCurrent(ctx, p.ArtistKey)
	if err != nil {
		return orchestrator.Retryable(err)
	}

	incoming, err := h.fetchIncoming(ctx, p.ArtistKey, source, sourceID)
	if err != nil {
		return classify(fmt.Errorf("fetch artist %s: %w", p.ArtistKey, err))
	}

	fingerprint := snapshotFingerprint(incoming)
	if !p.Force && current.Artist.ETagFingerprint != "" && fingerprint == current.Artist.ETagFingerprint {
		h.stampSynced(ctx, p.ArtistKey, logger)
		logger.Info().
			Str("event", "service.call").
			Str("status", "unchanged").
			Int64(log.FieldDurationMS, h.now().Sub(start).Milliseconds()).
			Msg("provider snapshot unchanged")
		return orchestrator.Success()
	}

	res := delta.Diff(current, incoming, h.policy)

	err = h.library.WithTx(ctx, func(tx *library.Tx) error {
		if res.ArtistOp != "" {
			if err := tx.UpsertArtist(ctx, res.Artist); err != nil {
				return err
			}
		}
		for _, op := range res.ReleaseOps {
			var err error
			switch op.Op {
			case delta.OpCreate:
				_, err = tx.InsertRelease(ctx, op.Release)
			case delta.OpUpdate:
				err = tx.UpdateRelease(ctx, op.Release)
			case delta.OpSoftDelete:
				err = tx.SoftDeleteRelease(ctx, op.Release.ID, library.ReasonPruned)
			case delta.OpHardDelete:
				err = tx.HardDeleteRelease(ctx, op.Release.ID)
			default:
				err = fmt.Errorf("unknown release op %q", op.Op)
			}
			if err != nil {
				return err
			}
		}
		for _, ev := range res.Audits {
			ev.JobID = job.ID
			if err := tx.AppendAudit(ctx, ev); err != nil {
				return err
			}
		}
		return tx.SetArtistFingerprint(ctx, p.ArtistKey, fingerprint)
	})
	if err != nil {
		return orchestrator.Retryable(fmt.Errorf("apply delta for %s: %w", p.ArtistKey, err))
	}

	if res.ArtistOp != "" {
		metrics.IncDeltaOp(res.ArtistOp)
	}
	for _, op := range res.ReleaseOps {
		metrics.IncDeltaOp(op.Op)
	}

	invalidated := h.cache.InvalidatePrefix(ctx, "/artists/"+p.ArtistKey)
	backfilled := h.backfillNewReleases(ctx, p.ArtistKey, incoming.Artist.Name, res.ReleaseOps, logger)
	h.stampSynced(ctx, p.ArtistKey, logger)

	logger.Info().
		Str("event", "service.call").
		Str("status", "ok").
		Str("artist_op", res.ArtistOp).
		Int("release_ops", len(res.ReleaseOps)).
		Int("audit_rows", len(res.Audits)).
		Int("cache_invalidated", invalidated).
		Int("backfill_enqueued", backfilled).
		Int64(log.FieldDurationMS, h.now().Sub(start).Milliseconds()).
		Msg("artist synchronized")
	return orchestrator.Success()
}

// loadCurrent reads the stored snapshot, inactive releases included, so
// the diff can reactivate rows the provider lists again.
func (h *ArtistSync) loadCurrent(ctx context.Context, key string) (delta.Snapshot, error) {
	artist, err := h.library.GetArtist(ctx, key)
	if err != nil && !errors.Is(err, library.ErrNotFound) {
		return delta.Snapshot{}, err
	}
	releases, err := h.library.ListReleases(ctx, key, true)
	if err != nil {
		return delta.Snapshot{}, err
	}
	return delta.Snapshot{Artist: artist, Releases: releases}, nil
}

func (h *ArtistSync) fetchIncoming(ctx context.Context, key, source, sourceID string) (delta.Snapshot, error) {
	artist, err := h.metadata.GetArtist(ctx, sourceID)
	if err != nil {
		return delta.Snapshot{}, err
	}
	if artist == nil {
		return delta.Snapshot{}, fmt.Errorf("provider returned no artist for %s", sourceID)
	}
	albums, err := h.metadata.GetArtistAlbums(ctx, sourceID)
	if err != nil {
		return delta.Snapshot{}, err
	}

	releases := make([]library.Release, 0, len(albums))
	for _, a := range albums {
		releases = append(releases, library.Release{
			ArtistKey:   key,
			Source:      source,
			SourceID:    a.ID,
			Title:       a.Title,
			ReleaseType: a.ReleaseType,
			ReleaseDate: a.ReleaseDate,
			TrackCount:  a.TrackCount,
		})
	}
	return delta.Snapshot{
		Artist: library.Artist{
			Key:         key,
			Name:        artist.Name,
			Source:      source,
			ExternalIDs: artist.ExternalIDs,
		},
		Releases: releases,
	}, nil
}

// backfillNewReleases enqueues a matching job per created release. The
// sync is already committed, so enqueue failures only log; the next
// forced sync will not see those releases as new again.
func (h *ArtistSync) backfillNewReleases(ctx context.Context, artistKey, artistName string, ops []delta.ReleaseOp, logger zerolog.Logger) int {
	if !h.backfill.BackfillEnabled || artistName == "" {
		return 0
	}
	limit := h.backfill.BackfillMaxReleases
	enqueued := 0
	for _, op := range ops {
		if op.Op != delta.OpCreate {
			continue
		}
		if limit > 0 && enqueued >= limit {
			logger.Debug().Int("limit", limit).Msg("backfill limit reached")
			break
		}
		payload, err := json.Marshal(queue.MatchingPayload{Artist: artistName, Album: op.Release.Title})
		if err != nil {
			continue
		}
		suffix := op.Release.SourceID
		if suffix == "" {
			suffix = strings.ToLower(op.Release.Title)
		}
		if _, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type:           queue.TypeMatching,
			Payload:        payload,
			IdempotencyKey: "backfill:" + artistKey + ":" + suffix,
		}); err != nil {
			logger.Warn().Err(err).Str("release", op.Release.Title).Msg("backfill enqueue failed")
			continue
		}
		enqueued++
	}
	return enqueued
}

// stampSynced refreshes the watchlist entry after a completed sync,
// restocking the retry budget and clearing any cooldown. Artists that
// are not watched have no entry to stamp.
func (h *ArtistSync) stampSynced(ctx context.Context, artistKey string, logger zerolog.Logger) {
	err := h.library.StampSynced(ctx, artistKey, h.now().UTC(), h.restock)
	if err != nil && !errors.Is(err, library.ErrNotFound) {
		logger.Warn().Err(err).Msg("watchlist stamp failed")
	}
}

// releaseLease runs on its own bounded context so a canceled job still
// frees its artist instead of waiting out the lease TTL.
func (h *ArtistSync) releaseLease(artistKey, holder string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := h.library.ReleaseLease(ctx, library.ArtistLease(artistKey), holder); err != nil {
		logger.Warn().Err(err).Msg("artist lease release failed, sweep will reclaim it")
	}
}

// spendBudget charges the artist's retry budget after a failed sync.
// The watchlist handler reads the balance on the next tick and cools
// the artist down once it hits zero.
func (h *ArtistSync) spendBudget(artistKey string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	remaining, err := h.library.SpendRetryBudget(ctx, artistKey)
	if err != nil {
		if !errors.Is(err, library.ErrNotFound) {
			logger.Warn().Err(err).Msg("retry budget spend failed")
		}
		return
	}
	logger.Debug().Int("budget_remaining", remaining).Msg("retry budget spent")
}

// snapshotFingerprint hashes the provider's view of an artist. Releases
// are sorted and map keys marshal in order, so equal snapshots hash
// equal regardless of arrival order.
func snapshotFingerprint(s delta.Snapshot) string {
	type fpRelease struct {
		Source      string `json:"source"`
		SourceID    string `json:"source_id"`
		Title       string `json:"title"`
		ReleaseType string `json:"release_type"`
		ReleaseDate string `json:"release_date"`
		TrackCount  int    `json:"track_count"`
	}
	releases := make([]fpRelease, 0, len(s.Releases))
	for _, r := range s.Releases {
		releases = append(releases, fpRelease{
			Source:      r.Source,
			SourceID:    r.SourceID,
			Title:       r.Title,
			ReleaseType: r.ReleaseType,
			ReleaseDate: r.ReleaseDate,
			TrackCount:  r.TrackCount,
		})
	}
	sort.Slice(releases, func(i, j int) bool {
		if releases[i].SourceID != releases[j].SourceID {
			return releases[i].SourceID < releases[j].SourceID
		}
		if releases[i].Title != releases[j].Title {
			return releases[i].Title < releases[j].Title
		}
		return releases[i].ReleaseDate < releases[j].ReleaseDate
	})
	doc := struct {
		Name        string            `json:"name"`
		ExternalIDs map[string]string `json:"external_ids,omitempty"`
		Releases    []fpRelease       `json:"releases"`
	}{s.Artist.Name, s.Artist.ExternalIDs, releases}
	raw, _ := json.Marshal(doc)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
