// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonyhub/harmony/internal/cache"
	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/ingest"
	"github.com/harmonyhub/harmony/internal/library"
	hsqlite "github.com/harmonyhub/harmony/internal/persistence/sqlite"
	"github.com/harmonyhub/harmony/internal/queue"
	"github.com/harmonyhub/harmony/internal/retrypolicy"
)

type stubPolicies struct{}

func (stubPolicies) Get(string) retrypolicy.Policy {
	return retrypolicy.Policy{MaxAttempts: 2, Base: time.Millisecond}
}

type fixture struct {
	server *Server
	http   *httptest.Server
	queue  queue.Store
	lib    *library.Store
	cache  cache.Store
}

func newFixture(t *testing.T, apiCfg config.APIConfig) *fixture {
	t.Helper()
	dir := t.TempDir()

	lcfg := hsqlite.DefaultConfig()
	lcfg.TxLock = "immediate"
	ldb, err := hsqlite.Open(filepath.Join(dir, "library.db"), lcfg)
	require.NoError(t, err)
	lib, err := library.NewStore(ldb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close() })

	qcfg := hsqlite.DefaultConfig()
	qcfg.TxLock = "immediate"
	qdb, err := hsqlite.Open(filepath.Join(dir, "queue.db"), qcfg)
	require.NoError(t, err)
	qs, err := queue.NewSQLiteStore(qdb, queue.Options{
		Priorities: config.DefaultPriorities(),
		Policies:   stubPolicies{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = qs.Close() })

	store := cache.NewMemoryCache(64, false, 0)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := ingest.New(ingest.Options{
		Library: lib,
		Queue:   qs,
		Config: config.IngestConfig{
			BatchSize:         5,
			MaxPendingJobs:    100,
			FreeMaxLines:      50,
			FreeMaxTracks:     50,
			HardCapMultiplier: 2,
		},
	})
	require.NoError(t, err)

	srv, err := New(Options{
		Queue:   qs,
		Library: lib,
		Ingest:  svc,
		Cache:   store,
		API:     apiCfg,
		DLQ: config.DLQConfig{
			RequeueLimit:    10,
			PurgeLimit:      10,
			PageSizeDefault: 20,
			PageSizeMax:     50,
			ArchiveDir:      filepath.Join(dir, "dlq-archive"),
		},
		CacheCfg: config.CacheConfig{DefaultTTL: time.Minute, DefaultSWR: 5 * time.Minute},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{server: srv, http: ts, queue: qs, lib: lib, cache: store}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decodeData[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var env struct {
		OK   bool            `json:"ok"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	require.True(t, env.OK, "expected success envelope: %s", raw)
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestEnqueueDeduplicates(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	body := map[string]any{
		"type":            queue.TypeWatchlist,
		"payload":         map[string]string{"artist_key": "spotify:a1"},
		"idempotency_key": "watchlist:spotify:a1:1",
	}
	resp, raw := f.do(t, http.MethodPost, "/api/jobs", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeData[enqueueResponse](t, raw)
	assert.False(t, first.Deduplicated)

	resp, raw = f.do(t, http.MethodPost, "/api/jobs", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decodeData[enqueueResponse](t, raw)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.JobID, second.JobID)
}

func TestEnqueueRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	resp, raw := f.do(t, http.MethodPost, "/api/jobs", map[string]any{"payload": map[string]string{}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "VALIDATION_ERROR")
}

func TestListAndGetJobs(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type:    queue.TypeMatching,
			Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
		require.NoError(t, err)
	}

	resp, raw := f.do(t, http.MethodGet, "/api/jobs?type=matching&state=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeData[jobListResponse](t, raw)
	assert.Len(t, list.Jobs, 3)
	assert.EqualValues(t, 3, list.Total)

	resp, raw = f.do(t, http.MethodGet, fmt.Sprintf("/api/jobs/%d", list.Jobs[0].ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	job := decodeData[queue.Job](t, raw)
	assert.Equal(t, queue.TypeMatching, job.Type)

	resp, raw = f.do(t, http.MethodGet, "/api/jobs?state=bogus", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "VALIDATION_ERROR")

	resp, _ = f.do(t, http.MethodGet, "/api/jobs/999999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeadLetterRequeueAndPurge(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	ctx := context.Background()

	// Two jobs failed permanently land in the DLQ.
	for i := 0; i < 2; i++ {
		res, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
			Type:    queue.TypeSync,
			Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
		require.NoError(t, err)
		leased, err := f.queue.Lease(ctx, queue.LeaseOptions{Limit: 1, LeaseFor: time.Minute})
		require.NoError(t, err)
		require.Len(t, leased, 1)
		require.Equal(t, res.JobID, leased[0].ID)
		_, err = f.queue.Fail(ctx, leased[0].ID, leased[0].LeaseToken, "peer rejected", false)
		require.NoError(t, err)
	}

	resp, raw := f.do(t, http.MethodGet, "/api/dlq", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	letters := decodeData[deadLetterListResponse](t, raw)
	require.Len(t, letters.DeadLetters, 2)
	assert.Equal(t, "peer rejected", letters.DeadLetters[0].Reason)

	resp, raw = f.do(t, http.MethodPost, "/api/dlq/requeue", dlqBatchRequest{Limit: 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	requeued := decodeData[dlqBatchResponse](t, raw)
	assert.EqualValues(t, 1, requeued.Requeued)

	resp, raw = f.do(t, http.MethodPost, "/api/dlq/purge", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	purged := decodeData[dlqBatchResponse](t, raw)
	assert.EqualValues(t, 1, purged.Purged)
	assert.NotEmpty(t, purged.Archive)

	resp, raw = f.do(t, http.MethodGet, "/api/dlq", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	letters = decodeData[deadLetterListResponse](t, raw)
	assert.Empty(t, letters.DeadLetters)
}

func TestIngestSubmission(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	resp, raw := f.do(t, http.MethodPost, "/api/ingest", ingest.Submission{
		Mode:  "FREE",
		Lines: []string{"Sigur Rós - Svefn-g-englar", "Radiohead - Weird Fishes"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decodeData[ingest.Result](t, raw)
	assert.NotEmpty(t, res.JobID)
	assert.Len(t, res.Accepted, 2)

	resp, raw = f.do(t, http.MethodPost, "/api/ingest", ingest.Submission{Mode: "DELUXE"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "VALIDATION_ERROR")
}

func TestWatchlistLifecycle(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	resp, raw := f.do(t, http.MethodPost, "/api/watchlist", upsertWatchlistRequest{
		ArtistKey: "spotify:a1",
		Priority:  80,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	entry := decodeData[library.WatchlistEntry](t, raw)
	assert.Equal(t, 80, entry.Priority)
	assert.False(t, entry.Paused)

	resp, raw = f.do(t, http.MethodPost, "/api/watchlist/spotify:a1/pause", pauseWatchlistRequest{Reason: "operator hold"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry = decodeData[library.WatchlistEntry](t, raw)
	assert.True(t, entry.Paused)
	assert.Equal(t, "operator hold", entry.PauseReason)

	resp, raw = f.do(t, http.MethodPost, "/api/watchlist/spotify:a1/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry = decodeData[library.WatchlistEntry](t, raw)
	assert.False(t, entry.Paused)

	resp, _ = f.do(t, http.MethodPost, "/api/watchlist/spotify:zzz/pause", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw = f.do(t, http.MethodPost, "/api/watchlist", upsertWatchlistRequest{ArtistKey: "no-colon"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "VALIDATION_ERROR")

	resp, raw = f.do(t, http.MethodGet, "/api/watchlist", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeData[watchlistListResponse](t, raw)
	assert.Equal(t, 1, list.Total)
}

func seedArtist(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.lib.WithTx(ctx, func(tx *library.Tx) error {
		if err := tx.UpsertArtist(ctx, library.Artist{
			Key:    "spotify:a1",
			Name:   "Sigur Rós",
			Source: "spotify",
		}); err != nil {
			return err
		}
		_, err := tx.InsertRelease(ctx, library.Release{
			ArtistKey:   "spotify:a1",
			Source:      "spotify",
			SourceID:    "r1",
			Title:       "Ágætis byrjun",
			ReleaseType: "album",
			TrackCount:  10,
		})
		return err
	}))
}

func TestArtistReadsAreCached(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	seedArtist(t, f)

	resp, raw := f.do(t, http.MethodGet, "/api/artists/spotify:a1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	artist := decodeData[artistResponse](t, raw)
	assert.Equal(t, "Sigur Rós", artist.Artist.Name)
	assert.Equal(t, 1, artist.Releases)

	// Second read is a hit: same validator, max-age advertised.
	resp, _ = f.do(t, http.MethodGet, "/api/artists/spotify:a1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, etag, resp.Header.Get("ETag"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "max-age=")

	// Conditional read short-circuits.
	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/api/artists/spotify:a1", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	cond, err := f.http.Client().Do(req)
	require.NoError(t, err)
	cond.Body.Close()
	assert.Equal(t, http.StatusNotModified, cond.StatusCode)

	// Invalidation takes effect before the next read.
	removed := f.cache.InvalidatePrefix(context.Background(), "/artists/spotify:a1")
	assert.GreaterOrEqual(t, removed, 1)
	stats := f.cache.Stats(context.Background())
	assert.Zero(t, stats.Items)

	resp, _ = f.do(t, http.MethodGet, "/api/artists/spotify:a1/releases", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/artists/spotify:missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCacheStats(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	seedArtist(t, f)

	f.do(t, http.MethodGet, "/api/artists/spotify:a1", nil)
	f.do(t, http.MethodGet, "/api/artists/spotify:a1", nil)

	resp, raw := f.do(t, http.MethodGet, "/api/cache/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeData[cache.Stats](t, raw)
	assert.Equal(t, "memory", stats.Backend)
	assert.EqualValues(t, 1, stats.Items)
	assert.GreaterOrEqual(t, stats.Hits, int64(1))
}

func TestBearerAuth(t *testing.T) {
	f := newFixture(t, config.APIConfig{Token: "s3cret"})

	resp, raw := f.do(t, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(raw), "VALIDATION_ERROR")

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/api/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	ok, err := f.http.Client().Do(req)
	require.NoError(t, err)
	ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)

	// Health endpoints stay open.
	health, err := f.http.Client().Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestReadyz(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	resp, raw := f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeData[healthResponse](t, raw)
	assert.Equal(t, "ok", res.Status)
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	resp, _ := f.do(t, http.MethodGet, "/api/jobs", nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/api/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	echo, err := f.http.Client().Do(req)
	require.NoError(t, err)
	echo.Body.Close()
	assert.Equal(t, "req-42", echo.Header.Get("X-Request-ID"))
}
