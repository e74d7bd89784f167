// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/harmonyhub/harmony/internal/cache"
	"github.com/harmonyhub/harmony/internal/fault"
	"github.com/harmonyhub/harmony/internal/library"
)

// renderFunc produces the response body for a cacheable read.
type renderFunc func(ctx context.Context, r *http.Request) ([]byte, error)

// cached wraps a read handler with the response cache: fresh hits are
// served with their validator and remaining lifetime, stale hits are
// served once while the entry is marked so the next read rebuilds, and
// misses render the body and store it. If-None-Match short-circuits to
// 304 when the validator still matches.
func (s *Server) cached(render renderFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Cache paths are relative to the API root so handler-side
		// invalidation prefixes like /artists/<key> match regardless of
		// where the router is mounted.
		cachePath := strings.TrimPrefix(r.URL.RequestURI(), "/api")
		key := cache.Key(r.Method, cachePath, "")

		entry, state := s.cache.Get(r.Context(), key)
		switch state {
		case cache.Hit:
			s.serveEntry(w, r, entry, false)
			return
		case cache.Stale:
			s.serveEntry(w, r, entry, true)
			return
		}

		body, err := render(r.Context(), r)
		if err != nil {
			s.writeLibraryError(w, err)
			return
		}
		entry = cache.Entry{
			Key:         key,
			Path:        cache.NormalizePath(strings.TrimPrefix(r.URL.Path, "/api")),
			Body:        body,
			ETag:        cache.ETag(body),
			ContentType: "application/json",
			StoredAt:    s.now(),
			TTL:         s.cacheTTL,
			SWR:         s.cacheSWR,
		}
		s.cache.Put(r.Context(), entry)
		s.serveEntry(w, r, entry, false)
	}
}

func (s *Server) serveEntry(w http.ResponseWriter, r *http.Request, e cache.Entry, stale bool) {
	w.Header().Set("ETag", e.ETag)
	if stale {
		// RFC 5861 vocabulary: the entry is past its TTL but inside the
		// stale-while-revalidate window.
		w.Header().Set("Cache-Control", "public, max-age=0, must-revalidate")
		w.Header().Set("Age", fmt.Sprintf("%d", int(s.now().Sub(e.StoredAt).Seconds())))
	} else {
		w.Header().Set("Cache-Control", e.CacheControl(s.now()))
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == e.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	ct := e.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(e.Body)
}

type artistResponse struct {
	Artist   library.Artist `json:"artist"`
	Releases int            `json:"releases"`
}

func (s *Server) renderArtist(ctx context.Context, r *http.Request) ([]byte, error) {
	key := chi.URLParam(r, "key")
	artist, err := s.library.GetArtist(ctx, key)
	if err != nil {
		return nil, err
	}
	releases, err := s.library.ListReleases(ctx, key, false)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fault.Envelope{OK: true, Data: artistResponse{Artist: artist, Releases: len(releases)}})
}

type releasesResponse struct {
	ArtistKey string            `json:"artist_key"`
	Releases  []library.Release `json:"releases"`
}

func (s *Server) renderReleases(ctx context.Context, r *http.Request) ([]byte, error) {
	key := chi.URLParam(r, "key")
	if _, err := s.library.GetArtist(ctx, key); err != nil {
		return nil, err
	}
	// Inactive releases stay out of client responses.
	releases, err := s.library.ListReleases(ctx, key, false)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fault.Envelope{OK: true, Data: releasesResponse{ArtistKey: key, Releases: releases}})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	fault.WriteJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
}
