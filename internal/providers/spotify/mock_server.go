// SPDX-License-Identifier: MIT

package spotify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// MockServer is a configurable stand-in for the Spotify Web API, used by
// adapter and handler tests.
type MockServer struct {
	*httptest.Server
	mu        sync.RWMutex
	tracks    []apiTrack
	artists   map[string]apiArtistDetail
	albums    map[string][]apiAlbum
	playlists map[string]apiPlaylist
	failures  map[string]int // remaining failures per endpoint prefix
	status    int            // status code used for scripted failures
	requests  int
}

// NewMockServer starts a mock with a small default catalog.
func NewMockServer() *MockServer {
	mock := &MockServer{
		artists:   make(map[string]apiArtistDetail),
		albums:    make(map[string][]apiAlbum),
		playlists: make(map[string]apiPlaylist),
		failures:  make(map[string]int),
		status:    http.StatusInternalServerError,
	}
	mock.SetDefaultData()

	mux := http.NewServeMux()
	mux.HandleFunc("/search", mock.handleSearch)
	mux.HandleFunc("/artists/", mock.handleArtists)
	mux.HandleFunc("/tracks/", mock.handleTrack)
	mux.HandleFunc("/playlists/", mock.handlePlaylist)
	mux.HandleFunc("/markets", mock.handleMarkets)

	mock.Server = httptest.NewServer(mux)
	return mock
}

// SetDefaultData loads a small, deterministic catalog.
func (m *MockServer) SetDefaultData() {
	m.mu.Lock()
	defer m.mu.Unlock()

	album := apiAlbum{
		ID:          "alb-1",
		Name:        "Abbey Road",
		AlbumType:   "album",
		ReleaseDate: "1969-09-26",
		TotalTracks: 17,
	}
	m.tracks = []apiTrack{
		{
			ID:          "trk-1",
			Name:        "Come Together",
			DurationMS:  259_000,
			TrackNumber: 1,
			Artists:     []apiArtist{{ID: "art-1", Name: "The Beatles"}},
			Album:       album,
			ExternalIDs: apiExternalIDs{ISRC: "GBAYE0601690"},
		},
		{
			ID:          "trk-2",
			Name:        "Something",
			DurationMS:  182_000,
			TrackNumber: 2,
			Artists:     []apiArtist{{ID: "art-1", Name: "The Beatles"}},
			Album:       album,
			ExternalIDs: apiExternalIDs{ISRC: "GBAYE0601691"},
		},
	}
	m.artists["art-1"] = apiArtistDetail{
		ID:          "art-1",
		Name:        "The Beatles",
		ExternalIDs: map[string]string{"musicbrainz": "mb-beatles"},
	}
	m.albums["art-1"] = []apiAlbum{
		album,
		{ID: "alb-2", Name: "Let It Be", AlbumType: "album", ReleaseDate: "1970-05-08", TotalTracks: 12},
	}
	m.playlists["pl-1"] = apiPlaylist{
		ID:         "pl-1",
		Name:       "Liverpool Legends",
		Owner:      apiPlaylistOwner{DisplayName: "harmony"},
		SnapshotID: "snap-1",
		Tracks: apiPlaylistTracksPage{
			Items: []apiPlaylistTrackItem{
				{Track: m.tracks[0]},
				{Track: m.tracks[1]},
			},
		},
	}
}

// FailNext makes the next n requests against an endpoint prefix fail with
// the given status.
func (m *MockServer) FailNext(prefix string, n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[prefix] = n
	m.status = status
}

// SetAlbums replaces the scripted albums for one artist.
func (m *MockServer) SetAlbums(artistID string, albums []apiAlbum) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.albums[artistID] = albums
}

// SetArtist replaces the scripted profile for one artist.
func (m *MockServer) SetArtist(artistID, name string, externalIDs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artists[artistID] = apiArtistDetail{ID: artistID, Name: name, ExternalIDs: externalIDs}
}

// Requests reports how many requests the mock has served.
func (m *MockServer) Requests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

// shouldFail consumes one scripted failure for the path, if any.
func (m *MockServer) shouldFail(path string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	for prefix, left := range m.failures {
		if left > 0 && strings.HasPrefix(path, prefix) {
			m.failures[prefix] = left - 1
			return m.status, true
		}
	}
	return 0, false
}

func (m *MockServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if status, fail := m.shouldFail(r.URL.Path); fail {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		http.Error(w, `{"error":{"message":"scripted failure"}}`, status)
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	query := r.URL.Query().Get("q")
	var items []apiTrack
	if isrc, ok := strings.CutPrefix(query, "isrc:"); ok {
		for _, t := range m.tracks {
			if t.ExternalIDs.ISRC == isrc {
				items = append(items, t)
			}
		}
	} else {
		needle := strings.ToLower(query)
		for _, t := range m.tracks {
			if strings.Contains(strings.ToLower(t.Name), needle) ||
				strings.Contains(strings.ToLower(t.Artists[0].Name), needle) {
				items = append(items, t)
			}
		}
	}

	writeJSON(w, apiSearchResponse{Tracks: apiTrackList{Items: items}})
}

func (m *MockServer) handleArtists(w http.ResponseWriter, r *http.Request) {
	if status, fail := m.shouldFail(r.URL.Path); fail {
		http.Error(w, `{"error":{"message":"scripted failure"}}`, status)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2:
		m.mu.RLock()
		artist, ok := m.artists[parts[1]]
		m.mu.RUnlock()
		if !ok {
			http.Error(w, `{"error":{"message":"artist not found"}}`, http.StatusNotFound)
			return
		}
		writeJSON(w, artist)
	case len(parts) == 3 && parts[2] == "albums":
		m.mu.RLock()
		albums, ok := m.albums[parts[1]]
		m.mu.RUnlock()
		if !ok {
			http.Error(w, `{"error":{"message":"artist not found"}}`, http.StatusNotFound)
			return
		}
		writeJSON(w, apiAlbumsPage{Items: albums})
	default:
		http.NotFound(w, r)
	}
}

func (m *MockServer) handleTrack(w http.ResponseWriter, r *http.Request) {
	if status, fail := m.shouldFail(r.URL.Path); fail {
		http.Error(w, `{"error":{"message":"scripted failure"}}`, status)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/tracks/")
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tracks {
		if t.ID == id {
			writeJSON(w, t)
			return
		}
	}
	http.Error(w, `{"error":{"message":"track not found"}}`, http.StatusNotFound)
}

func (m *MockServer) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	if status, fail := m.shouldFail(r.URL.Path); fail {
		http.Error(w, `{"error":{"message":"scripted failure"}}`, status)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/playlists/")
	m.mu.RLock()
	pl, ok := m.playlists[id]
	m.mu.RUnlock()
	if !ok {
		http.Error(w, `{"error":{"message":"playlist not found"}}`, http.StatusNotFound)
		return
	}

	writeJSON(w, pl)
}

func (m *MockServer) handleMarkets(w http.ResponseWriter, r *http.Request) {
	if status, fail := m.shouldFail(r.URL.Path); fail {
		http.Error(w, `{"error":{"message":"scripted failure"}}`, status)
		return
	}
	writeJSON(w, map[string][]string{"markets": {"DE", "GB", "US"}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
