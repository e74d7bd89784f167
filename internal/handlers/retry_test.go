// SPDX-License-Identifier: MIT

package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/library"
	"github.com/harmonyhub/harmony/internal/orchestrator"
	"github.com/harmonyhub/harmony/internal/queue"
)

func newRetryHandler(t *testing.T, lib *library.Store, qs queue.Store, cfg config.RetryConfig) *Retry {
	t.Helper()
	h, err := NewRetry(RetryOptions{Library: lib, Queue: qs, Retry: cfg, Now: fixedNow})
	require.NoError(t, err)
	return h
}

func seedFailedDownload(t *testing.T, lib *library.Store, jobID int64, username, filename string, nextRetry time.Time, failures int) library.DownloadEntry {
	t.Helper()
	ctx := context.Background()
	rows, err := lib.CreateDownloads(ctx, []library.DownloadEntry{{JobID: jobID, Username: username, Filename: filename, SizeBytes: 1024}})
	require.NoError(t, err)
	for range failures {
		require.NoError(t, lib.MarkDownloadFailed(ctx, rows[0].ID, "peer vanished", &nextRetry))
	}
	return rows[0]
}

func retryJob(t *testing.T, p queue.RetryPayload) *queue.Job {
	t.Helper()
	return &queue.Job{ID: 601, Type: queue.TypeRetry, Payload: mustJSON(t, p)}
}

func TestRetryGroupsDueDownloadsByPeer(t *testing.T) {
	lib, qs := newStores(t)
	ctx := context.Background()
	due := testClock.Add(-time.Hour)

	a1 := seedFailedDownload(t, lib, 501, "librarian", "a1.flac", due, 1)
	a2 := seedFailedDownload(t, lib, 501, "librarian", "a2.flac", due, 1)
	b1 := seedFailedDownload(t, lib, 502, "hoarder", "b1.flac", due, 1)

	h := newRetryHandler(t, lib, qs, config.RetryConfig{MaxAttempts: 3, ScanBatchLimit: 50})
	out := h.Handle(ctx, retryJob(t, queue.RetryPayload{}))
	assert.Equal(t, orchestrator.ResultSuccess, out.Result)

	syncJobs := pendingJobs(t, qs, queue.TypeSync)
	require.Len(t, syncJobs, 2)
	idsByUser := map[string][]int64{}
	for _, j := range syncJobs {
		var sp queue.SyncPayload
		require.NoError(t, json.Unmarshal(j.Payload, &sp))
		assert.Empty(t, sp.Files, "retry syncs reference rows, not fresh files")
		idsByUser[sp.Username] = sp.DownloadIDs
	}
	assert.Equal(t, []int64{a1.ID, a2.ID}, idsByUser["librarian"])
	assert.Equal(t, []int64{b1.ID}, idsByUser["hoarder"])

	// The scanner leaves the rows failed; the sync jobs requeue them.
	row, err := lib.GetDownload(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, library.DownloadFailed, row.State)

	// The same due set rescanned dedupes into the existing jobs.
	out = h.Handle(ctx, retryJob(t, queue.RetryPayload{}))
	assert.Equal(t, orchestrator.ResultSuccess, out.Result)
	assert.Len(t, pendingJobs(t, qs, queue.TypeSync), 2)
}

func TestRetrySkipsExhaustedAndFutureRows(t *testing.T) {
	lib, qs := newStores(t)
	ctx := context.Background()

	// Three failures exhaust a MaxAttempts=3 budget.
	seedFailedDownload(t, lib, 503, "librarian", "spent.flac", testClock.Add(-time.Hour), 3)
	// Not due yet.
	seedFailedDownload(t, lib, 503, "librarian", "later.flac", testClock.Add(time.Hour), 1)

	h := newRetryHandler(t, lib, qs, config.RetryConfig{MaxAttempts: 3, ScanBatchLimit: 50})
	out := h.Handle(ctx, retryJob(t, queue.RetryPayload{}))
	assert.Equal(t, orchestrator.ResultSuccess, out.Result)
	assert.Empty(t, pendingJobs(t, qs, queue.TypeSync))
}

func TestRetryHonorsScanLimit(t *testing.T) {
	lib, qs := newStores(t)
	ctx := context.Background()

	for i, f := range []string{"a.flac", "b.flac", "c.flac"} {
		due := testClock.Add(-time.Duration(3-i) * time.Hour)
		seedFailedDownload(t, lib, 504, "librarian", f, due, 1)
	}

	h := newRetryHandler(t, lib, qs, config.RetryConfig{MaxAttempts: 3, ScanBatchLimit: 50})
	out := h.Handle(ctx, retryJob(t, queue.RetryPayload{Limit: 2}))
	assert.Equal(t, orchestrator.ResultSuccess, out.Result)

	syncJobs := pendingJobs(t, qs, queue.TypeSync)
	require.Len(t, syncJobs, 1)
	var sp queue.SyncPayload
	require.NoError(t, json.Unmarshal(syncJobs[0].Payload, &sp))
	assert.Len(t, sp.DownloadIDs, 2, "the oldest two rows ride this scan")
}
