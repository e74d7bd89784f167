// SPDX-License-Identifier: MIT

package soulseek

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// MockServer is a configurable stand-in for an slskd-compatible daemon,
// used by adapter and handler tests.
type MockServer struct {
	*httptest.Server
	mu          sync.RWMutex
	searches    map[string]*mockSearch
	downloads   map[string]*mockDownload
	responses   []apiSearchResponse
	dlStates    []string
	appState    string
	failures    map[string]int
	failStatus  int
	searchPolls int
	nextID      int
	requests    int
}

type mockSearch struct {
	pollsLeft int
}

type mockDownload struct {
	username string
	files    []downloadRequest
	states   []string
	idx      int
}

// NewMockServer starts a mock with one fast peer and one queued peer.
func NewMockServer() *MockServer {
	mock := &MockServer{
		searches:   make(map[string]*mockSearch),
		downloads:  make(map[string]*mockDownload),
		failures:   make(map[string]int),
		failStatus: http.StatusInternalServerError,
		appState:   "Connected, LoggedIn",
		dlStates:   []string{"Queued, Remotely", "InProgress", "Completed, Succeeded"},
	}
	mock.SetDefaultData()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /searches", mock.handleCreateSearch)
	mux.HandleFunc("GET /searches/{id}", mock.handleSearchState)
	mux.HandleFunc("GET /searches/{id}/responses", mock.handleSearchResponses)
	mux.HandleFunc("POST /transfers/downloads/{username}", mock.handleEnqueue)
	mux.HandleFunc("GET /transfers/downloads/{username}/{id}", mock.handlePoll)
	mux.HandleFunc("DELETE /transfers/downloads/{username}/{id}", mock.handleCancel)
	mux.HandleFunc("GET /application", mock.handleApplication)

	mock.Server = httptest.NewServer(mux)
	return mock
}

// SetDefaultData loads deterministic search responses.
func (m *MockServer) SetDefaultData() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = []apiSearchResponse{
		{
			Username:          "collector01",
			HasFreeUploadSlot: true,
			QueueLength:       0,
			Files: []apiFile{
				{Filename: "Music\\Beatles\\Abbey Road\\01 Come Together.flac", Size: 31_457_280, BitRate: 1024, Length: 259, Extension: "flac"},
				{Filename: "Music\\Beatles\\Abbey Road\\01 Come Together.mp3", Size: 8_388_608, BitRate: 320, Length: 259, Extension: ""},
			},
		},
		{
			Username:          "taper99",
			HasFreeUploadSlot: false,
			QueueLength:       12,
			Files: []apiFile{
				{Filename: "shares/beatles/come together.ogg", Size: 5_242_880, BitRate: 192, Length: 260, Extension: "ogg"},
			},
		},
	}
}

// SetResponses replaces the scripted search responses.
func (m *MockServer) SetResponses(responses []apiSearchResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
}

// SetSearchPolls makes each new search report InProgress for n polls.
func (m *MockServer) SetSearchPolls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchPolls = n
}

// SetDownloadStates scripts the poll progression for new downloads; the
// last state repeats.
func (m *MockServer) SetDownloadStates(states ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlStates = states
}

// SetAppState overrides the daemon application state.
func (m *MockServer) SetAppState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appState = state
}

// FailNext makes the next n requests against an endpoint prefix fail.
func (m *MockServer) FailNext(prefix string, n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[prefix] = n
	m.failStatus = status
}

// Requests reports how many requests the mock has served.
func (m *MockServer) Requests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

func (m *MockServer) shouldFail(path string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	for prefix, left := range m.failures {
		if left > 0 && strings.HasPrefix(path, prefix) {
			m.failures[prefix] = left - 1
			return m.failStatus, true
		}
	}
	return 0, false
}

func (m *MockServer) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	if status, fail := m.shouldFail(r.URL.Path); fail {
		http.Error(w, `{"error":"scripted failure"}`, status)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SearchText == "" {
		http.Error(w, `{"error":"searchText required"}`, http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("srch-%d", m.nextID)
	m.searches[id] = &mockSearch{pollsLeft: m.searchPolls}
	state := "InProgress"
	if m.searchPolls == 0 {
		state = "Completed"
	}
	m.mu.Unlock()

	writeJSON(w, apiSearch{ID: id, State: state})
}

func (m *MockServer) handleSearchState(w http.ResponseWriter, r *http.Request) {
	if status, fail := m.shouldFail(r.URL.Path); fail {
		http.Error(w, `{"error":"scripted failure"}`, status)
		return
	}

	id := r.PathValue("id")
	m.mu.Lock()
	s, ok := m.searches[id]
	state := "Completed"
	if ok && s.pollsLeft > 0 {
		s.pollsLeft--
		state = "InProgress"
	}
	m.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"search not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, apiSearch{ID: id, State: state})
}

func (m *MockServer) handleSearchResponses(w http.ResponseWriter, r *http.Request) {
	if status, fail := m.shouldFail(r.URL.Path); fail {
		http.Error(w, `{"error":"scripted failure"}`, status)
		return
	}

	m.mu.RLock()
	_, ok := m.searches[r.PathValue("id")]
	responses := m.responses
	m.mu.RUnlock()
	if !ok {
		http.Error(w, `{"error":"search not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, responses)
}

func (m *MockServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if status, fail := m.shouldFail(r.URL.Path); fail {
		http.Error(w, `{"error":"scripted failure"}`, status)
		return
	}

	var files []downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&files); err != nil || len(files) == 0 {
		http.Error(w, `{"error":"files required"}`, http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("dl-%d", m.nextID)
	states := append([]string(nil), m.dlStates...)
	if len(states) == 0 {
		states = []string{"Queued, Remotely"}
	}
	m.downloads[id] = &mockDownload{
		username: r.PathValue("username"),
		files:    files,
		states:   states,
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(apiDownload{ID: id, State: states[0]})
}

func (m *MockServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	if status, fail := m.shouldFail(r.URL.Path); fail {
		http.Error(w, `{"error":"scripted failure"}`, status)
		return
	}

	id := r.PathValue("id")
	m.mu.Lock()
	dl, ok := m.downloads[id]
	var state string
	if ok && dl.username == r.PathValue("username") {
		state = dl.states[dl.idx]
		if dl.idx < len(dl.states)-1 {
			dl.idx++
		}
	} else {
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"download not found"}`, http.StatusNotFound)
		return
	}

	writeJSON(w, apiDownload{ID: id, State: state})
}

func (m *MockServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if status, fail := m.shouldFail(r.URL.Path); fail {
		http.Error(w, `{"error":"scripted failure"}`, status)
		return
	}

	id := r.PathValue("id")
	m.mu.Lock()
	dl, ok := m.downloads[id]
	if ok {
		dl.states = []string{"Completed, Cancelled"}
		dl.idx = 0
	}
	m.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"download not found"}`, http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (m *MockServer) handleApplication(w http.ResponseWriter, r *http.Request) {
	if status, fail := m.shouldFail(r.URL.Path); fail {
		http.Error(w, `{"error":"scripted failure"}`, status)
		return
	}

	m.mu.RLock()
	state := m.appState
	m.mu.RUnlock()

	writeJSON(w, apiApplication{State: state, Version: "0.21.4"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
