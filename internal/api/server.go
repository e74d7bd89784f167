// SPDX-License-Identifier: MIT

// Package api mounts the daemon's operational HTTP surface: job enqueue
// and introspection, dead letter operations, ingest submissions, watchlist
// management, and cached artist reads. Responses use the uniform envelope;
// schema validation and UI concerns live outside this module.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/cache"
	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/gateway"
	"github.com/harmonyhub/harmony/internal/ingest"
	"github.com/harmonyhub/harmony/internal/library"
	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/queue"
)

// Server holds the wired ports the routes operate on.
type Server struct {
	queue   queue.Store
	library *library.Store
	ingest  *ingest.Service
	cache   cache.Store
	monitor *gateway.Monitor

	cfg      config.APIConfig
	dlq      config.DLQConfig
	cacheTTL time.Duration
	cacheSWR time.Duration

	log zerolog.Logger
	now func() time.Time
}

// Options wires a Server.
type Options struct {
	Queue   queue.Store
	Library *library.Store
	Ingest  *ingest.Service
	Cache   cache.Store

	// Monitor feeds /readyz. Optional; without it readiness only
	// checks the stores.
	Monitor *gateway.Monitor

	API      config.APIConfig
	DLQ      config.DLQConfig
	CacheCfg config.CacheConfig

	// Now overrides the clock in tests.
	Now func() time.Time
}

// New validates the wiring and returns the Server.
func New(opts Options) (*Server, error) {
	if opts.Queue == nil {
		return nil, errors.New("api: nil queue store")
	}
	if opts.Library == nil {
		return nil, errors.New("api: nil library store")
	}
	if opts.Ingest == nil {
		return nil, errors.New("api: nil ingest service")
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewNoOpCache()
	}
	dlq := opts.DLQ
	if dlq.PageSizeDefault <= 0 {
		dlq.PageSizeDefault = 50
	}
	if dlq.PageSizeMax <= 0 {
		dlq.PageSizeMax = 200
	}
	ttl := opts.CacheCfg.DefaultTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		queue:    opts.Queue,
		library:  opts.Library,
		ingest:   opts.Ingest,
		cache:    opts.Cache,
		monitor:  opts.Monitor,
		cfg:      opts.API,
		dlq:      dlq,
		cacheTTL: ttl,
		cacheSWR: opts.CacheCfg.DefaultSWR,
		log:      log.WithComponent("api"),
		now:      now,
	}, nil
}

// Router builds the chi mux. Health endpoints stay outside the rate
// limiter and the auth gate so probes keep working under load.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Use(tracing)
		r.Use(s.requestID)
		r.Use(s.accessLog)
		if s.cfg.RateLimitRPM > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimitRPM, time.Minute))
		}
		if s.cfg.Token != "" {
			r.Use(s.bearerAuth)
		}

		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)

		r.Get("/dlq", s.handleListDeadLetters)
		r.Post("/dlq/requeue", s.handleRequeueDeadLetters)
		r.Post("/dlq/purge", s.handlePurgeDeadLetters)

		r.Post("/ingest", s.handleIngest)

		r.Get("/watchlist", s.handleListWatchlist)
		r.Post("/watchlist", s.handleUpsertWatchlist)
		r.Post("/watchlist/{key}/pause", s.handlePauseWatchlist)
		r.Post("/watchlist/{key}/resume", s.handleResumeWatchlist)

		r.Get("/artists/{key}", s.cached(s.renderArtist))
		r.Get("/artists/{key}/releases", s.cached(s.renderReleases))

		r.Get("/cache/stats", s.handleCacheStats)
	})

	return r
}

// parseLimit bounds a caller-supplied limit against the configured page
// sizes, falling back to the default when absent or invalid.
func (s *Server) parseLimit(raw string) int {
	limit := s.dlq.PageSizeDefault
	if raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			limit = n
		}
	}
	if limit > s.dlq.PageSizeMax {
		limit = s.dlq.PageSizeMax
	}
	return limit
}

func parsePositiveInt(raw string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("not positive: %d", n)
	}
	return n, nil
}
