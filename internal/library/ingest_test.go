// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCreateIngestJob(t *testing.T, store *Store, job IngestJob, items []IngestItem) (IngestJob, []IngestItem) {
	t.Helper()
	createdJob, createdItems, err := store.CreateIngestJob(context.Background(), job, items)
	require.NoError(t, err)
	return createdJob, createdItems
}

func TestIngestJobCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, items := mustCreateIngestJob(t, store,
		IngestJob{Mode: "FREE", Accepted: 2, Skipped: 1},
		[]IngestItem{
			{SourceType: SourceTrack, Raw: "Nova Foxes - First Light", Artist: "Nova Foxes", Title: "First Light"},
			{SourceType: SourceTrack, Raw: "Nova Foxes - Undertow", Artist: "Nova Foxes", Title: "Undertow"},
			{SourceType: SourceLink, Raw: "https://open.spotify.com/playlist/pl1", PlaylistID: "pl1"},
		},
	)

	require.NotEmpty(t, job.ID)
	assert.Equal(t, IngestRegistered, job.State)
	assert.Equal(t, testClock, job.CreatedAt)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.NotZero(t, item.ID)
		assert.Equal(t, job.ID, item.IngestJobID)
		assert.Equal(t, IngestRegistered, item.State)
	}

	got, err := store.GetIngestJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "FREE", got.Mode)
	assert.Equal(t, 2, got.Accepted)
	assert.Equal(t, 1, got.Skipped)

	listed, err := store.ListIngestItems(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "First Light", listed[0].Title)
	assert.Equal(t, "pl1", listed[2].PlaylistID)

	_, err = store.GetIngestJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIngestItemsAdvanceForwardOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, items := mustCreateIngestJob(t, store, IngestJob{Mode: "FREE"}, []IngestItem{
		{SourceType: SourceTrack, Raw: "a"},
		{SourceType: SourceTrack, Raw: "b"},
	})
	ids := []int64{items[0].ID, items[1].ID}

	n, err := store.AdvanceIngestItems(ctx, ids, IngestNormalized)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.AdvanceIngestItems(ctx, ids[:1], IngestQueued)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Neither item is behind normalized anymore, so nothing moves.
	n, err = store.AdvanceIngestItems(ctx, ids, IngestNormalized)
	require.NoError(t, err)
	assert.Zero(t, n)

	item, err := store.GetIngestItem(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, IngestQueued, item.State)

	n, err = store.AdvanceIngestItems(ctx, ids, IngestCompleted)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Terminal items never move again, in either direction.
	n, err = store.AdvanceIngestItems(ctx, ids, IngestQueued)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, store.MarkIngestItemFailed(ctx, ids[0], "late failure"))
	item, err = store.GetIngestItem(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, IngestCompleted, item.State)
	assert.Empty(t, item.SkipReason)

	_, err = store.AdvanceIngestItems(ctx, ids, IngestState("bogus"))
	require.Error(t, err)
}

func TestMarkIngestItemFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, items := mustCreateIngestJob(t, store, IngestJob{Mode: "FREE"}, []IngestItem{
		{SourceType: SourceTrack, Raw: "garbled line %%%"},
	})

	require.NoError(t, store.MarkIngestItemFailed(ctx, items[0].ID, "unparseable"))
	item, err := store.GetIngestItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, IngestFailed, item.State)
	assert.Equal(t, "unparseable", item.SkipReason)
}

func TestBindItemDownloadJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, items := mustCreateIngestJob(t, store, IngestJob{Mode: "FREE"}, []IngestItem{
		{SourceType: SourceTrack, Raw: "a"},
		{SourceType: SourceTrack, Raw: "b"},
	})

	require.NoError(t, store.BindItemDownloadJob(ctx, items[0].ID, 99))
	item, err := store.GetIngestItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, IngestQueued, item.State)
	require.NotNil(t, item.DownloadJobID)
	assert.EqualValues(t, 99, *item.DownloadJobID)

	// Binding a terminal item records the link without reviving it.
	_, err = store.AdvanceIngestItems(ctx, []int64{items[1].ID}, IngestCompleted)
	require.NoError(t, err)
	require.NoError(t, store.BindItemDownloadJob(ctx, items[1].ID, 100))
	item, err = store.GetIngestItem(ctx, items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, IngestCompleted, item.State)
	require.NotNil(t, item.DownloadJobID)
	assert.EqualValues(t, 100, *item.DownloadJobID)
}

func TestAppendExpansionItems(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, items := mustCreateIngestJob(t, store, IngestJob{Mode: "PRO", Accepted: 2}, []IngestItem{
		{SourceType: SourceLink, Raw: "https://open.spotify.com/playlist/pl1", PlaylistID: "pl1"},
		{SourceType: SourceTrack, Raw: "Nova Foxes - First Light"},
	})
	link, track := items[0], items[1]

	expanded, err := store.AppendExpansionItems(ctx, link.ID, []IngestItem{
		{Raw: "Nova Foxes - Undertow", Artist: "Nova Foxes", Title: "Undertow"},
		{Raw: "Nova Foxes - Riptide", Artist: "Nova Foxes", Title: "Riptide"},
	})
	require.NoError(t, err)
	require.Len(t, expanded, 2)
	for _, item := range expanded {
		assert.NotZero(t, item.ID)
		assert.Equal(t, job.ID, item.IngestJobID)
		assert.Equal(t, SourceLinkExpansion, item.SourceType)
		assert.Equal(t, IngestNormalized, item.State)
	}

	// The link item is done once its tracks are on file.
	got, err := store.GetIngestItem(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, IngestCompleted, got.State)

	gotJob, err := store.GetIngestJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, gotJob.Accepted)

	// Only LINK items expand.
	_, err = store.AppendExpansionItems(ctx, track.ID, []IngestItem{{Raw: "x"}})
	require.ErrorContains(t, err, "not LINK")

	_, err = store.AppendExpansionItems(ctx, 99999, []IngestItem{{Raw: "x"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettleIngestJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, items := mustCreateIngestJob(t, store, IngestJob{Mode: "FREE"}, []IngestItem{
		{SourceType: SourceTrack, Raw: "a"},
		{SourceType: SourceTrack, Raw: "b"},
	})

	// Open items hold the job open.
	settled, err := store.SettleIngestJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, settled)

	_, err = store.AdvanceIngestItems(ctx, []int64{items[0].ID}, IngestCompleted)
	require.NoError(t, err)
	require.NoError(t, store.MarkIngestItemFailed(ctx, items[1].ID, "no match"))

	settled, err = store.SettleIngestJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, settled)

	got, err := store.GetIngestJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, IngestCompleted, got.State)

	// Settling again is harmless.
	settled, err = store.SettleIngestJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, settled)
}

func TestSettleIngestJobAllFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, items := mustCreateIngestJob(t, store, IngestJob{Mode: "FREE"}, []IngestItem{
		{SourceType: SourceTrack, Raw: "a"},
		{SourceType: SourceTrack, Raw: "b"},
	})
	for _, item := range items {
		require.NoError(t, store.MarkIngestItemFailed(ctx, item.ID, "no match"))
	}

	settled, err := store.SettleIngestJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, settled)

	got, err := store.GetIngestJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, IngestFailed, got.State)
}

func TestAdvanceIngestJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := mustCreateIngestJob(t, store, IngestJob{Mode: "FREE"}, nil)

	require.NoError(t, store.AdvanceIngestJob(ctx, job.ID, IngestQueued))
	got, err := store.GetIngestJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, IngestQueued, got.State)

	// Never backward.
	require.NoError(t, store.AdvanceIngestJob(ctx, job.ID, IngestRegistered))
	got, err = store.GetIngestJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, IngestQueued, got.State)
}
