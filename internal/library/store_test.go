// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hsqlite "github.com/harmonyhub/harmony/internal/persistence/sqlite"
)

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := hsqlite.DefaultConfig()
	cfg.TxLock = "immediate"
	db, err := hsqlite.Open(filepath.Join(t.TempDir(), "library.db"), cfg)
	require.NoError(t, err)

	store, err := NewStore(db)
	require.NoError(t, err)
	store.now = func() time.Time { return testClock }
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustUpsertArtist(t *testing.T, store *Store, a Artist) {
	t.Helper()
	require.NoError(t, store.WithTx(context.Background(), func(tx *Tx) error {
		return tx.UpsertArtist(context.Background(), a)
	}))
}

func TestArtistUpsertRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsertArtist(t, store, Artist{
		Key:         "spotify:art1",
		Name:        "Nova Foxes",
		Source:      "spotify",
		ExternalIDs: map[string]string{"spotify": "art1", "musicbrainz": "mb-9"},
	})

	got, err := store.GetArtist(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.Equal(t, "Nova Foxes", got.Name)
	assert.Equal(t, "spotify", got.Source)
	assert.Equal(t, map[string]string{"spotify": "art1", "musicbrainz": "mb-9"}, got.ExternalIDs)
	assert.Equal(t, testClock, got.CreatedAt)
	assert.Equal(t, testClock, got.UpdatedAt)

	// Updates keep the creation timestamp.
	store.now = func() time.Time { return testClock.Add(time.Hour) }
	mustUpsertArtist(t, store, Artist{
		Key:    "spotify:art1",
		Name:   "Nova Foxxes",
		Source: "spotify",
	})

	got, err = store.GetArtist(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.Equal(t, "Nova Foxxes", got.Name)
	assert.Nil(t, got.ExternalIDs)
	assert.Equal(t, testClock, got.CreatedAt)
	assert.Equal(t, testClock.Add(time.Hour), got.UpdatedAt)
}

func TestGetArtistNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetArtist(context.Background(), "spotify:nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArtistFingerprint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsertArtist(t, store, Artist{Key: "spotify:art1", Name: "Nova Foxes", Source: "spotify"})
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.SetArtistFingerprint(ctx, "spotify:art1", "abc123")
	}))

	got, err := store.GetArtist(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.ETagFingerprint)
}

func TestReleaseLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsertArtist(t, store, Artist{Key: "spotify:art1", Name: "Nova Foxes", Source: "spotify"})

	var first, second string
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		var err error
		first, err = tx.InsertRelease(ctx, Release{
			ArtistKey:   "spotify:art1",
			Source:      "spotify",
			SourceID:    "alb1",
			Title:       "First Light",
			ReleaseType: "album",
			ReleaseDate: "2020-02-02",
			TrackCount:  9,
		})
		if err != nil {
			return err
		}
		second, err = tx.InsertRelease(ctx, Release{
			ArtistKey:   "spotify:art1",
			Source:      "spotify",
			SourceID:    "alb2",
			Title:       "Second Light",
			ReleaseType: "album",
			ReleaseDate: "2023-03-03",
			TrackCount:  10,
		})
		return err
	}))
	require.NotEmpty(t, first)
	require.NotEmpty(t, second)

	// Newest release date first.
	active, err := store.ListReleases(ctx, "spotify:art1", false)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "Second Light", active[0].Title)
	assert.Equal(t, "First Light", active[1].Title)

	// Field update.
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		r := active[1]
		r.TrackCount = 12
		return tx.UpdateRelease(ctx, r)
	}))
	active, err = store.ListReleases(ctx, "spotify:art1", false)
	require.NoError(t, err)
	assert.Equal(t, 12, active[1].TrackCount)

	// Soft delete hides the row from active listings only.
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.SoftDeleteRelease(ctx, first, ReasonPruned)
	}))
	active, err = store.ListReleases(ctx, "spotify:art1", false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second, active[0].ID)

	all, err := store.ListReleases(ctx, "spotify:art1", true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	pruned := all[1]
	assert.Equal(t, first, pruned.ID)
	require.NotNil(t, pruned.InactiveAt)
	assert.Equal(t, testClock, *pruned.InactiveAt)
	assert.Equal(t, ReasonPruned, pruned.InactiveReason)
	assert.False(t, pruned.Active())

	// Updating with cleared inactive fields reactivates.
	pruned.InactiveAt = nil
	pruned.InactiveReason = ""
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateRelease(ctx, pruned)
	}))
	active, err = store.ListReleases(ctx, "spotify:art1", false)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	// Hard delete removes the row outright.
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.HardDeleteRelease(ctx, first)
	}))
	all, err = store.ListReleases(ctx, "spotify:art1", true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, second, all[0].ID)
}

func TestUpdateReleaseNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateRelease(ctx, Release{ID: "missing", Title: "Ghost"})
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSoftDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsertArtist(t, store, Artist{Key: "spotify:art1", Name: "Nova Foxes", Source: "spotify"})
	var id string
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.InsertRelease(ctx, Release{ArtistKey: "spotify:art1", Title: "First Light"})
		return err
	}))

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.SoftDeleteRelease(ctx, id, ReasonPruned)
	}))
	firstStamp := testClock

	// A later soft delete keeps the original inactive timestamp.
	store.now = func() time.Time { return testClock.Add(time.Hour) }
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.SoftDeleteRelease(ctx, id, "other")
	}))

	all, err := store.ListReleases(ctx, "spotify:art1", true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].InactiveAt)
	assert.Equal(t, firstStamp, *all[0].InactiveAt)
	assert.Equal(t, ReasonPruned, all[0].InactiveReason)
}

func TestAuditAppendAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	before, err := json.Marshal(map[string]string{"title": "Old"})
	require.NoError(t, err)
	after, err := json.Marshal(map[string]string{"title": "New"})
	require.NoError(t, err)

	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		if err := tx.AppendAudit(ctx, AuditEvent{
			ArtistKey:  "spotify:art1",
			JobID:      41,
			Event:      EventCreated,
			EntityType: EntityRelease,
			EntityID:   "id|spotify|alb1",
			After:      after,
		}); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, AuditEvent{
			ArtistKey:  "spotify:art1",
			JobID:      41,
			Event:      EventUpdated,
			EntityType: EntityRelease,
			EntityID:   "id|spotify|alb2",
			Before:     before,
			After:      after,
		})
	}))

	store.now = func() time.Time { return testClock.Add(time.Minute) }
	require.NoError(t, store.WithTx(ctx, func(tx *Tx) error {
		return tx.AppendAudit(ctx, AuditEvent{
			ArtistKey:  "spotify:art1",
			Event:      EventInactivated,
			EntityType: EntityRelease,
			EntityID:   "id|spotify|alb3",
			Before:     before,
		})
	}))

	events, err := store.ListAudit(ctx, "spotify:art1", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Total order (at, id): rows from the first transaction share a
	// timestamp and order by id.
	assert.Equal(t, EventCreated, events[0].Event)
	assert.Equal(t, EventUpdated, events[1].Event)
	assert.Equal(t, EventInactivated, events[2].Event)
	assert.Less(t, events[0].ID, events[1].ID)
	assert.Equal(t, events[0].At, events[1].At)
	assert.True(t, events[2].At.After(events[1].At))

	assert.EqualValues(t, 41, events[0].JobID)
	assert.Zero(t, events[2].JobID)
	assert.JSONEq(t, string(after), string(events[0].After))
	assert.Nil(t, events[0].Before)
	assert.JSONEq(t, string(before), string(events[1].Before))

	// Unknown artists have no trail.
	events, err = store.ListAudit(ctx, "spotify:other", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
