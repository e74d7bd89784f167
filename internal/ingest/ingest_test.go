// SPDX-License-Identifier: MIT

package ingest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/library"
	hsqlite "github.com/harmonyhub/harmony/internal/persistence/sqlite"
	"github.com/harmonyhub/harmony/internal/queue"
	"github.com/harmonyhub/harmony/internal/retrypolicy"
)

var testClock = time.Date(2025, 11, 8, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testClock }

type stubPolicies struct{}

func (stubPolicies) Get(string) retrypolicy.Policy {
	return retrypolicy.Policy{MaxAttempts: 3, Base: time.Millisecond}
}

func newStores(t *testing.T) (*library.Store, queue.Store) {
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
	qs, err := queue.NewSQLiteStore(qdb, queue.Options{Policies: stubPolicies{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = qs.Close() })

	return lib, qs
}

func defaultConfig() config.IngestConfig {
	return config.IngestConfig{
		BatchSize:            2,
		FreeMaxLines:         200,
		FreeMaxFileBytes:     1 << 20,
		FreeMaxPlaylistLinks: 3,
		FreeMaxTracks:        100,
		HardCapMultiplier:    5,
	}
}

func newService(t *testing.T, lib *library.Store, qs queue.Store, cfg config.IngestConfig) *Service {
	t.Helper()
	svc, err := New(Options{Library: lib, Queue: qs, Config: cfg, Now: fixedNow})
	require.NoError(t, err)
	return svc
}

func pendingJobs(t *testing.T, qs queue.Store, jobType string) []*queue.Job {
	t.Helper()
	jobs, err := qs.ListJobs(context.Background(), queue.JobFilter{
		Types:       []string{jobType},
		States:      []queue.JobState{queue.StatePending},
		OldestFirst: true,
	})
	require.NoError(t, err)
	return jobs
}

func skipReasons(skipped []SkippedItem) []string {
	reasons := make([]string, 0, len(skipped))
	for _, s := range skipped {
		reasons = append(reasons, s.Reason)
	}
	return reasons
}

func TestSubmitLinesCreatesJobAndBatches(t *testing.T) {
	lib, qs := newStores(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	svc := newService(t, lib, qs, defaultConfig())
	ctx := context.Background()

	res, err := svc.Submit(ctx, Submission{
		Mode: "free",
		Lines: []string{
			"Boards of Canada - Roygbiv - Music Has the Right to Children",
			"Aphex Twin - Windowlicker",
			"",
			"Autechre - Bike",
			"boards of canada - ROYGBIV - music has the right to children",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomePartial, res.Outcome)
	require.Len(t, res.Accepted, 3)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, ReasonDuplicate, res.Skipped[0].Reason)
	assert.Equal(t, 2, res.Batches)

	job, err := lib.GetIngestJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, ModeFree, job.Mode)
	assert.Equal(t, library.IngestQueued, job.State)
	assert.Equal(t, 3, job.Accepted)
	assert.Equal(t, 1, job.Skipped)

	items, err := lib.ListIngestItems(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	wantIDs := make([]int64, 0, len(items))
	for _, it := range items {
		assert.Equal(t, library.SourceTrack, it.SourceType)
		assert.Equal(t, library.IngestQueued, it.State)
		wantIDs = append(wantIDs, it.ID)
	}
	assert.Equal(t, "Boards of Canada", items[0].Artist)
	assert.Equal(t, "Music Has the Right to Children", items[0].Album)

	batches := pendingJobs(t, qs, queue.TypeMatching)
	require.Len(t, batches, 2)
	var got []int64
	for _, j := range batches {
		var p queue.MatchingPayload
		require.NoError(t, json.Unmarshal(j.Payload, &p))
		assert.Equal(t, res.JobID, p.IngestJobID)
		got = append(got, p.ItemIDs...)
	}
	assert.ElementsMatch(t, wantIDs, got)
}

func TestSubmitParsesEveryLineForm(t *testing.T) {
	lib, qs := newStores(t)
	svc := newService(t, lib, qs, defaultConfig())
	ctx := context.Background()

	res, err := svc.Submit(ctx, Submission{
		Mode: "PRO",
		Lines: []string{
			"Portishead - Glory Box - Dummy",
			`{"artist":"Massive Attack","title":"Teardrop"}`,
			"Tricky,Overcome,Maxinquaye",
			"Unfinished Sympathy",
			"https://open.spotify.com/playlist/pl123?si=abc",
			"spotify:playlist:pl456",
			`{"artist": broken`,
			"https://example.com/profile/42",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomePartial, res.Outcome)
	require.Len(t, res.Accepted, 6)
	assert.ElementsMatch(t, []string{ReasonUnparseable, ReasonUnsupportedLink}, skipReasons(res.Skipped))

	items, err := lib.ListIngestItems(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, items, 6)

	// Track items precede link items in insertion order.
	assert.Equal(t, "Portishead", items[0].Artist)
	assert.Equal(t, "Massive Attack", items[1].Artist)
	assert.Equal(t, "Tricky", items[2].Artist)
	assert.Equal(t, "Overcome", items[2].Title)
	assert.Equal(t, "Maxinquaye", items[2].Album)
	assert.Equal(t, "Unfinished Sympathy", items[3].Title)
	assert.Empty(t, items[3].Artist)

	assert.Equal(t, library.SourceLink, items[4].SourceType)
	assert.Equal(t, "pl123", items[4].PlaylistID)
	assert.Equal(t, "pl456", items[5].PlaylistID)
	assert.Equal(t, library.IngestNormalized, items[4].State)

	expands := pendingJobs(t, qs, queue.TypePlaylistExpand)
	require.Len(t, expands, 2)
	var p queue.PlaylistExpandPayload
	require.NoError(t, json.Unmarshal(expands[0].Payload, &p))
	assert.Equal(t, items[4].ID, p.IngestItemID)
	assert.Equal(t, "pl123", p.PlaylistID)

	// 4 tracks at batch size 2.
	assert.Len(t, pendingJobs(t, qs, queue.TypeMatching), 2)
}

func TestSubmitFreeCapsTrimWithReasons(t *testing.T) {
	lib, qs := newStores(t)
	cfg := defaultConfig()
	cfg.FreeMaxLines = 2
	cfg.FreeMaxTracks = 1
	cfg.FreeMaxPlaylistLinks = 1
	cfg.HardCapMultiplier = 20 // keep the fuse out of this test's way
	svc := newService(t, lib, qs, cfg)
	ctx := context.Background()

	res, err := svc.Submit(ctx, Submission{
		Mode: "FREE",
		Lines: []string{
			"Burial - Archangel",
			"Burial - Ghost Hardware",
			"Burial - Near Dark",
			"Burial - Etched Headplate",
		},
		Links: []string{"pl-one", "pl-two"},
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomePartial, res.Outcome)
	require.Len(t, res.Accepted, 2) // one track, one link
	assert.ElementsMatch(t,
		[]string{ReasonTrackCap, ReasonLineCap, ReasonLineCap, ReasonLinkCap},
		skipReasons(res.Skipped))

	job, err := lib.GetIngestJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Accepted)
	assert.Equal(t, 4, job.Skipped)
}

func TestSubmitProLiftsFreeCaps(t *testing.T) {
	lib, qs := newStores(t)
	cfg := defaultConfig()
	cfg.FreeMaxLines = 2
	cfg.FreeMaxTracks = 1
	cfg.FreeMaxPlaylistLinks = 1
	cfg.HardCapMultiplier = 20
	svc := newService(t, lib, qs, cfg)

	res, err := svc.Submit(context.Background(), Submission{
		Mode: "PRO",
		Lines: []string{
			"Burial - Archangel",
			"Burial - Ghost Hardware",
			"Burial - Near Dark",
			"Burial - Etched Headplate",
		},
		Links: []string{"pl-one", "pl-two"},
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Len(t, res.Accepted, 6)
	assert.Empty(t, res.Skipped)
	_, err = lib.GetIngestJob(context.Background(), res.JobID)
	require.NoError(t, err)
}

func TestSubmitAbsoluteFuseRejectsEveryMode(t *testing.T) {
	lib, qs := newStores(t)
	cfg := defaultConfig()
	cfg.FreeMaxTracks = 2
	cfg.HardCapMultiplier = 2
	svc := newService(t, lib, qs, cfg)
	ctx := context.Background()

	lines := []string{
		"a - one", "b - two", "c - three", "d - four", "e - five",
	}

	_, err := svc.Submit(ctx, Submission{Mode: "FREE", Lines: lines})
	require.ErrorIs(t, err, ErrTooLarge)

	// The fuse is not a free-tier cap.
	_, err = svc.Submit(ctx, Submission{Mode: "PRO", Lines: lines})
	require.ErrorIs(t, err, ErrTooLarge)

	assert.Empty(t, pendingJobs(t, qs, queue.TypeMatching))
}

func TestSubmitBackpressureRefusesSubmission(t *testing.T) {
	lib, qs := newStores(t)
	cfg := defaultConfig()
	cfg.MaxPendingJobs = 1
	svc := newService(t, lib, qs, cfg)
	ctx := context.Background()

	_, err := qs.Enqueue(ctx, queue.EnqueueRequest{
		Type:    queue.TypeMatching,
		Payload: json.RawMessage(`{"item_ids":[1]}`),
	})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, Submission{Mode: "FREE", Lines: []string{"a - b"}})
	require.ErrorIs(t, err, ErrBusy)
}

func TestSubmitUploads(t *testing.T) {
	lib, qs := newStores(t)
	svc := newService(t, lib, qs, defaultConfig())
	ctx := context.Background()

	t.Run("csv with header", func(t *testing.T) {
		csvBody := "artist,title,album\n" +
			"Boards of Canada,Roygbiv,Music Has the Right to Children\n" +
			"Aphex Twin,Windowlicker\n" +
			"Solo Title Row\n"
		res, err := svc.Submit(ctx, Submission{
			Mode:   "FREE",
			Upload: &Upload{ContentType: "text/csv; charset=utf-8", Bytes: []byte(csvBody)},
		})
		require.NoError(t, err)
		require.Len(t, res.Accepted, 3)
		assert.Equal(t, "Boards of Canada", res.Accepted[0].Artist)
		assert.Equal(t, "Solo Title Row", res.Accepted[2].Title)
		assert.Empty(t, res.Accepted[2].Artist)
	})

	t.Run("json array", func(t *testing.T) {
		res, err := svc.Submit(ctx, Submission{
			Mode:   "FREE",
			Upload: &Upload{ContentType: "application/json", Bytes: []byte(`[{"artist":"Plaid","title":"Eyen"}]`)},
		})
		require.NoError(t, err)
		require.Len(t, res.Accepted, 1)
		assert.Equal(t, "Plaid", res.Accepted[0].Artist)
	})

	t.Run("plain text", func(t *testing.T) {
		res, err := svc.Submit(ctx, Submission{
			Mode:   "FREE",
			Upload: &Upload{Bytes: []byte("Squarepusher - Iambic 9 Poetry\n\nVenetian Snares - Szamár Madár\n")},
		})
		require.NoError(t, err)
		assert.Len(t, res.Accepted, 2)
	})

	t.Run("malformed json rejects", func(t *testing.T) {
		_, err := svc.Submit(ctx, Submission{
			Mode:   "FREE",
			Upload: &Upload{ContentType: "application/json", Bytes: []byte(`{"not":"an array"}`)},
		})
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("unsupported content type rejects", func(t *testing.T) {
		_, err := svc.Submit(ctx, Submission{
			Mode:   "FREE",
			Upload: &Upload{ContentType: "application/pdf", Bytes: []byte("%PDF")},
		})
		require.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("free byte cap rejects", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.FreeMaxFileBytes = 8
		small := newService(t, lib, qs, cfg)
		_, err := small.Submit(ctx, Submission{
			Mode:   "FREE",
			Upload: &Upload{Bytes: []byte("far too many bytes")},
		})
		require.ErrorIs(t, err, ErrTooLarge)

		// PRO uploads are bounded by the fuse, not the byte cap.
		res, err := small.Submit(ctx, Submission{
			Mode:   "PRO",
			Upload: &Upload{Bytes: []byte("Clark - Herr Bar\n")},
		})
		require.NoError(t, err)
		assert.Len(t, res.Accepted, 1)
	})
}

func TestSubmitValidation(t *testing.T) {
	lib, qs := newStores(t)
	svc := newService(t, lib, qs, defaultConfig())
	ctx := context.Background()

	_, err := svc.Submit(ctx, Submission{Mode: "FREE"})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = svc.Submit(ctx, Submission{Mode: "ULTRA", Lines: []string{"a - b"}})
	require.ErrorIs(t, err, ErrInvalid)

	// All entries skipped: no error, no job.
	res, err := svc.Submit(ctx, Submission{Mode: "FREE", Lines: []string{`{"artist": bad`}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Empty(t, res.JobID)
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Skipped, 1)
	assert.Empty(t, pendingJobs(t, qs, queue.TypeMatching))
}

func TestSubmitFoldsUnicodeDuplicates(t *testing.T) {
	lib, qs := newStores(t)
	svc := newService(t, lib, qs, defaultConfig())
	ctx := context.Background()

	res, err := svc.Submit(ctx, Submission{
		Mode: "FREE",
		Lines: []string{
			"Sigur Rós - Svefn-g-englar",
			"Sigur Rós - Svefn g englar",
		},
	})
	require.NoError(t, err)

	require.Len(t, res.Accepted, 1)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, ReasonDuplicate, res.Skipped[0].Reason)

	items, err := lib.ListIngestItems(ctx, res.JobID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	// Stored spelling is the first occurrence, NFC-normalized.
	assert.Equal(t, "Sigur Rós", items[0].Artist)
}
