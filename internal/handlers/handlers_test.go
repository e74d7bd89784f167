// SPDX-License-Identifier: MIT

package handlers

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harmonyhub/harmony/internal/gateway"
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

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
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

// stubMeta answers metadata lookups from fixtures.
type stubMeta struct {
	artist   *gateway.Artist
	albums   []gateway.Release
	track    *gateway.Track
	playlist *gateway.Playlist

	artistErr   error
	albumsErr   error
	trackErr    error
	playlistErr error

	artistCalls int
}

func (s *stubMeta) GetArtist(context.Context, string) (*gateway.Artist, error) {
	s.artistCalls++
	if s.artistErr != nil {
		return nil, s.artistErr
	}
	return s.artist, nil
}

func (s *stubMeta) GetArtistAlbums(context.Context, string) ([]gateway.Release, error) {
	if s.albumsErr != nil {
		return nil, s.albumsErr
	}
	return s.albums, nil
}

func (s *stubMeta) GetTrack(context.Context, string) (*gateway.Track, error) {
	if s.trackErr != nil {
		return nil, s.trackErr
	}
	return s.track, nil
}

func (s *stubMeta) GetPlaylist(context.Context, string) (*gateway.Playlist, error) {
	if s.playlistErr != nil {
		return nil, s.playlistErr
	}
	return s.playlist, nil
}

// stubPeers drives searches and downloads from fixtures. Tickets derive
// from the first filename so tests can script per-file poll states.
type stubPeers struct {
	mu sync.Mutex

	results   []gateway.PeerResult
	searchErr error

	enqueueErr error
	enqueued   []string // filenames in enqueue order

	pollErr    error
	pollStates map[string][]gateway.DownloadState // remaining states per ticket
}

func ticketFor(filename string) string { return "tkt:" + filename }

func (s *stubPeers) SearchPeer(context.Context, string) ([]gateway.PeerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.results, nil
}

func (s *stubPeers) EnqueueDownload(_ context.Context, username string, files []gateway.FileRequest) (gateway.DownloadTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return gateway.DownloadTicket{}, s.enqueueErr
	}
	for _, f := range files {
		s.enqueued = append(s.enqueued, f.Filename)
	}
	return gateway.DownloadTicket{ID: ticketFor(files[0].Filename), Username: username}, nil
}

// PollDownload plays back the scripted states for the ticket, sticking
// on the last one. Unscripted tickets complete immediately.
func (s *stubPeers) PollDownload(_ context.Context, ticket gateway.DownloadTicket) (gateway.DownloadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollErr != nil {
		return "", s.pollErr
	}
	seq, ok := s.pollStates[ticket.ID]
	if !ok || len(seq) == 0 {
		return gateway.DownloadCompleted, nil
	}
	state := seq[0]
	if len(seq) > 1 {
		s.pollStates[ticket.ID] = seq[1:]
	}
	return state, nil
}
