// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/harmonyhub/harmony/internal/fault"
	"github.com/harmonyhub/harmony/internal/library"
)

type watchlistListResponse struct {
	Entries []library.WatchlistEntry `json:"entries"`
	Total   int                      `json:"total"`
}

func (s *Server) handleListWatchlist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := s.parseLimit(q.Get("limit"))
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			offset = n
		}
	}
	entries, err := s.library.ListWatchlist(r.Context(), limit, offset)
	if err != nil {
		s.writeLibraryError(w, err)
		return
	}
	total, err := s.library.CountWatchlist(r.Context())
	if err != nil {
		s.writeLibraryError(w, err)
		return
	}
	fault.WriteJSON(w, http.StatusOK, watchlistListResponse{Entries: entries, Total: total})
}

type upsertWatchlistRequest struct {
	ArtistKey   string `json:"artist_key"`
	Priority    int    `json:"priority"`
	RetryBudget int    `json:"retry_budget,omitempty"`
}

func (s *Server) handleUpsertWatchlist(w http.ResponseWriter, r *http.Request) {
	var req upsertWatchlistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fault.WriteError(w, fault.Wrap(fault.CodeValidation, err, "malformed watchlist request"))
		return
	}
	key := strings.TrimSpace(req.ArtistKey)
	if key == "" || !strings.Contains(key, ":") {
		fault.WriteError(w, fault.New(fault.CodeValidation, `artist_key must be "<source>:<source_id>"`))
		return
	}
	entry, err := s.library.UpsertWatchlist(r.Context(), key, req.Priority, req.RetryBudget)
	if err != nil {
		s.writeLibraryError(w, err)
		return
	}
	noStore(w)
	fault.WriteJSON(w, http.StatusCreated, entry)
}

type pauseWatchlistRequest struct {
	Reason   string     `json:"reason,omitempty"`
	ResumeAt *time.Time `json:"resume_at,omitempty"`
}

func (s *Server) handlePauseWatchlist(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req pauseWatchlistRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			fault.WriteError(w, fault.Wrap(fault.CodeValidation, err, "malformed pause request"))
			return
		}
	}
	if err := s.library.PauseWatchlist(r.Context(), key, req.Reason, req.ResumeAt); err != nil {
		s.writeLibraryError(w, err)
		return
	}
	noStore(w)
	entry, err := s.library.GetWatchlist(r.Context(), key)
	if err != nil {
		s.writeLibraryError(w, err)
		return
	}
	fault.WriteJSON(w, http.StatusOK, entry)
}

func (s *Server) handleResumeWatchlist(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.library.ResumeWatchlist(r.Context(), key); err != nil {
		s.writeLibraryError(w, err)
		return
	}
	noStore(w)
	entry, err := s.library.GetWatchlist(r.Context(), key)
	if err != nil {
		s.writeLibraryError(w, err)
		return
	}
	fault.WriteJSON(w, http.StatusOK, entry)
}

// writeLibraryError maps library sentinels onto the stable error codes.
func (s *Server) writeLibraryError(w http.ResponseWriter, err error) {
	if errors.Is(err, library.ErrNotFound) {
		fault.WriteError(w, fault.New(fault.CodeNotFound, "entity not found"))
		return
	}
	s.log.Error().Err(err).Msg("library operation failed")
	fault.WriteError(w, err)
}
