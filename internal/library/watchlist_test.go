// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eligibleKeys(t *testing.T, store *Store, now time.Time) []string {
	t.Helper()
	entries, err := store.EligibleWatchlist(context.Background(), now, 10)
	require.NoError(t, err)
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.ArtistKey
	}
	return keys
}

func TestWatchlistUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry, err := store.UpsertWatchlist(ctx, "spotify:art1", 50, 3)
	require.NoError(t, err)
	assert.Equal(t, "spotify:art1", entry.ArtistKey)
	assert.Equal(t, 50, entry.Priority)
	assert.Equal(t, 3, entry.RetryBudgetRemaining)
	assert.False(t, entry.Paused)
	assert.Nil(t, entry.LastEnqueuedAt)
	assert.Equal(t, testClock, entry.CreatedAt)

	// Re-adding changes priority only; the remaining budget is runtime
	// state and survives.
	entry, err = store.UpsertWatchlist(ctx, "spotify:art1", 80, 9)
	require.NoError(t, err)
	assert.Equal(t, 80, entry.Priority)
	assert.Equal(t, 3, entry.RetryBudgetRemaining)

	n, err := store.CountWatchlist(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWatchlistEligibilityOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertWatchlist(ctx, "spotify:low", 10, 3)
	require.NoError(t, err)
	_, err = store.UpsertWatchlist(ctx, "spotify:a", 50, 3)
	require.NoError(t, err)
	_, err = store.UpsertWatchlist(ctx, "spotify:b", 50, 3)
	require.NoError(t, err)

	// Priority first; never-enqueued entries lead their band.
	assert.Equal(t, []string{"spotify:a", "spotify:b", "spotify:low"}, eligibleKeys(t, store, testClock))

	// Enqueueing moves an artist behind its peers.
	require.NoError(t, store.MarkEnqueued(ctx, "spotify:a", testClock))
	assert.Equal(t, []string{"spotify:b", "spotify:a", "spotify:low"}, eligibleKeys(t, store, testClock))

	require.NoError(t, store.MarkEnqueued(ctx, "spotify:b", testClock.Add(time.Minute)))
	assert.Equal(t, []string{"spotify:a", "spotify:b", "spotify:low"}, eligibleKeys(t, store, testClock))

	// The limit truncates the tail.
	entries, err := store.EligibleWatchlist(ctx, testClock, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "spotify:a", entries[0].ArtistKey)
}

func TestWatchlistPauseResume(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertWatchlist(ctx, "spotify:art1", 50, 3)
	require.NoError(t, err)

	require.NoError(t, store.PauseWatchlist(ctx, "spotify:art1", "maintenance", nil))
	assert.Empty(t, eligibleKeys(t, store, testClock))

	entry, err := store.GetWatchlist(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.True(t, entry.Paused)
	assert.Equal(t, "maintenance", entry.PauseReason)

	require.NoError(t, store.ResumeWatchlist(ctx, "spotify:art1"))
	assert.Equal(t, []string{"spotify:art1"}, eligibleKeys(t, store, testClock))

	entry, err = store.GetWatchlist(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.False(t, entry.Paused)
	assert.Empty(t, entry.PauseReason)
}

func TestWatchlistAutoResume(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertWatchlist(ctx, "spotify:art1", 50, 3)
	require.NoError(t, err)
	_, err = store.UpsertWatchlist(ctx, "spotify:art2", 50, 3)
	require.NoError(t, err)

	wake := testClock.Add(time.Hour)
	require.NoError(t, store.PauseWatchlist(ctx, "spotify:art1", "rate limited", &wake))
	require.NoError(t, store.PauseWatchlist(ctx, "spotify:art2", "manual", nil))

	// Too early, and manual pauses never auto-resume.
	n, err := store.AutoResumeWatchlist(ctx, testClock)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.AutoResumeWatchlist(ctx, testClock.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := store.GetWatchlist(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.False(t, entry.Paused)
	assert.Nil(t, entry.ResumeAt)

	entry, err = store.GetWatchlist(ctx, "spotify:art2")
	require.NoError(t, err)
	assert.True(t, entry.Paused)
}

func TestWatchlistCooldown(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertWatchlist(ctx, "spotify:art1", 50, 3)
	require.NoError(t, err)

	until := testClock.Add(time.Hour)
	require.NoError(t, store.SetCooldown(ctx, "spotify:art1", until))
	assert.Empty(t, eligibleKeys(t, store, testClock))
	assert.Equal(t, []string{"spotify:art1"}, eligibleKeys(t, store, until.Add(time.Second)))

	// A successful sync clears the cooldown and restores the budget.
	require.NoError(t, store.StampSynced(ctx, "spotify:art1", testClock, 3))
	entry, err := store.GetWatchlist(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.Nil(t, entry.CooldownUntil)
	require.NotNil(t, entry.LastSyncedAt)
	assert.Equal(t, testClock, *entry.LastSyncedAt)
	assert.Equal(t, 3, entry.RetryBudgetRemaining)
}

func TestWatchlistMarkSynced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertWatchlist(ctx, "spotify:art1", 50, 2)
	require.NoError(t, err)
	require.NoError(t, store.SetCooldown(ctx, "spotify:art1", testClock.Add(time.Hour)))
	_, err = store.SpendRetryBudget(ctx, "spotify:art1")
	require.NoError(t, err)

	// MarkSynced stamps the sync time and nothing else.
	require.NoError(t, store.MarkSynced(ctx, "spotify:art1", testClock))
	entry, err := store.GetWatchlist(ctx, "spotify:art1")
	require.NoError(t, err)
	require.NotNil(t, entry.LastSyncedAt)
	assert.Equal(t, testClock, *entry.LastSyncedAt)
	assert.NotNil(t, entry.CooldownUntil)
	assert.Equal(t, 1, entry.RetryBudgetRemaining)
}

func TestWatchlistResetBudget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertWatchlist(ctx, "spotify:art1", 50, 1)
	require.NoError(t, err)
	_, err = store.SpendRetryBudget(ctx, "spotify:art1")
	require.NoError(t, err)

	until := testClock.Add(time.Hour)
	require.NoError(t, store.ResetBudget(ctx, "spotify:art1", 3, until))
	entry, err := store.GetWatchlist(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.Equal(t, 3, entry.RetryBudgetRemaining)
	require.NotNil(t, entry.CooldownUntil)
	assert.Equal(t, until, *entry.CooldownUntil)

	// The restock gates through the cooldown, not the pause flag.
	assert.False(t, entry.Paused)
	assert.Empty(t, eligibleKeys(t, store, testClock))
	assert.Equal(t, []string{"spotify:art1"}, eligibleKeys(t, store, until.Add(time.Second)))
}

func TestWatchlistRetryBudget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertWatchlist(ctx, "spotify:art1", 50, 2)
	require.NoError(t, err)

	remaining, err := store.SpendRetryBudget(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	remaining, err = store.SpendRetryBudget(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.Zero(t, remaining)

	// An exhausted entry stays eligible; the next watchlist job reads the
	// zero budget and applies the cooldown.
	assert.Equal(t, []string{"spotify:art1"}, eligibleKeys(t, store, testClock))
	entry, err := store.GetWatchlist(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.False(t, entry.Paused)

	// Spending below zero clamps.
	remaining, err = store.SpendRetryBudget(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.Zero(t, remaining)

	// A successful sync restores the budget.
	require.NoError(t, store.StampSynced(ctx, "spotify:art1", testClock, 2))
	entry, err = store.GetWatchlist(ctx, "spotify:art1")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.RetryBudgetRemaining)
	assert.Equal(t, []string{"spotify:art1"}, eligibleKeys(t, store, testClock))
}

func TestWatchlistListPaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, e := range []struct {
		key  string
		prio int
	}{{"spotify:a", 10}, {"spotify:b", 90}, {"spotify:c", 90}} {
		_, err := store.UpsertWatchlist(ctx, e.key, e.prio, 3)
		require.NoError(t, err)
	}

	page, err := store.ListWatchlist(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "spotify:b", page[0].ArtistKey)
	assert.Equal(t, "spotify:c", page[1].ArtistKey)

	page, err = store.ListWatchlist(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "spotify:a", page[0].ArtistKey)
}

func TestWatchlistUnknownArtist(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.MarkEnqueued(ctx, "spotify:nobody", testClock), ErrNotFound)
	assert.ErrorIs(t, store.PauseWatchlist(ctx, "spotify:nobody", "x", nil), ErrNotFound)
	_, err := store.GetWatchlist(ctx, "spotify:nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
