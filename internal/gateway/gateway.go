// SPDX-License-Identifier: MIT

// Package gateway fronts the external music providers with one contract.
// Every call passes the global concurrency gate, the provider's rate
// limiter, and a per-attempt timeout; transient and rate limited failures
// are retried with exponential backoff before the error surfaces.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/metrics"
	"github.com/harmonyhub/harmony/internal/retrypolicy"
	"github.com/harmonyhub/harmony/internal/telemetry"
)

// Options wires a Gateway.
type Options struct {
	Metadata Metadata
	Peer     Peer

	// MaxConcurrency caps in-flight provider calls across all providers.
	MaxConcurrency int

	// Providers maps provider name to its call parameters. Missing
	// providers run with defaultParams.
	Providers map[string]Params
}

var defaultParams = Params{
	Timeout:     10 * time.Second,
	RetryMax:    3,
	BackoffBase: 500 * time.Millisecond,
	JitterPct:   0.2,
}

type providerState struct {
	params  Params
	limiter *rate.Limiter
}

// Gateway implements the provider contract over the two ports.
type Gateway struct {
	meta      Metadata
	peer      Peer
	sem       *semaphore.Weighted
	providers map[string]providerState
	logger    zerolog.Logger
}

func New(opts Options) (*Gateway, error) {
	if opts.Metadata == nil {
		return nil, fmt.Errorf("gateway: metadata port is required")
	}
	if opts.Peer == nil {
		return nil, fmt.Errorf("gateway: peer port is required")
	}
	width := opts.MaxConcurrency
	if width <= 0 {
		width = 8
	}
	providers := make(map[string]providerState, len(opts.Providers))
	for name, params := range opts.Providers {
		providers[name] = newProviderState(params)
	}
	for _, name := range []string{ProviderSpotify, ProviderSoulseek} {
		if _, ok := providers[name]; !ok {
			providers[name] = newProviderState(defaultParams)
		}
	}
	return &Gateway{
		meta:      opts.Metadata,
		peer:      opts.Peer,
		sem:       semaphore.NewWeighted(int64(width)),
		providers: providers,
		logger:    log.WithComponent("gateway"),
	}, nil
}

func newProviderState(params Params) providerState {
	if params.RetryMax < 1 {
		params.RetryMax = 1
	}
	limit := rate.Inf
	burst := 1
	if params.RateRPS > 0 {
		limit = rate.Limit(params.RateRPS)
		burst = params.RateBurst
		if burst < 1 {
			burst = 1
		}
	}
	return providerState{params: params, limiter: rate.NewLimiter(limit, burst)}
}

// state is read-only after New so concurrent calls share limiters safely.
func (g *Gateway) state(provider string) providerState {
	if st, ok := g.providers[provider]; ok {
		return st
	}
	return newProviderState(defaultParams)
}

// SearchTracks queries the metadata provider for tracks matching query.
func (g *Gateway) SearchTracks(ctx context.Context, query string, limit int) ([]Track, error) {
	var out []Track
	err := g.do(ctx, ProviderSpotify, "search_tracks", func(ctx context.Context) error {
		res, err := g.meta.SearchTracks(ctx, query, limit)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// GetArtist resolves one artist's metadata.
func (g *Gateway) GetArtist(ctx context.Context, artistID string) (*Artist, error) {
	var out *Artist
	err := g.do(ctx, ProviderSpotify, "get_artist", func(ctx context.Context) error {
		res, err := g.meta.GetArtist(ctx, artistID)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// GetArtistAlbums lists the releases the metadata provider knows for an artist.
func (g *Gateway) GetArtistAlbums(ctx context.Context, artistID string) ([]Release, error) {
	var out []Release
	err := g.do(ctx, ProviderSpotify, "get_artist_albums", func(ctx context.Context) error {
		res, err := g.meta.GetArtistAlbums(ctx, artistID)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// GetTrack resolves one track's metadata.
func (g *Gateway) GetTrack(ctx context.Context, trackID string) (*Track, error) {
	var out *Track
	err := g.do(ctx, ProviderSpotify, "get_track", func(ctx context.Context) error {
		res, err := g.meta.GetTrack(ctx, trackID)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// GetPlaylist resolves a playlist and its tracks.
func (g *Gateway) GetPlaylist(ctx context.Context, playlistID string) (*Playlist, error) {
	var out *Playlist
	err := g.do(ctx, ProviderSpotify, "get_playlist", func(ctx context.Context) error {
		res, err := g.meta.GetPlaylist(ctx, playlistID)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// GetTrackByISRC resolves a track by its recording code. A nil track with a
// nil error means the provider does not know the code.
func (g *Gateway) GetTrackByISRC(ctx context.Context, isrc string) (*Track, error) {
	var out *Track
	err := g.do(ctx, ProviderSpotify, "get_track_by_isrc", func(ctx context.Context) error {
		res, err := g.meta.GetTrackByISRC(ctx, isrc)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// SearchPeer runs a file search on the peer network.
func (g *Gateway) SearchPeer(ctx context.Context, query string) ([]PeerResult, error) {
	var out []PeerResult
	err := g.do(ctx, ProviderSoulseek, "search_peer", func(ctx context.Context) error {
		res, err := g.peer.SearchPeer(ctx, query)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// EnqueueDownload asks the peer daemon to pull files from a peer.
func (g *Gateway) EnqueueDownload(ctx context.Context, username string, files []FileRequest) (DownloadTicket, error) {
	var out DownloadTicket
	err := g.do(ctx, ProviderSoulseek, "enqueue_peer_download", func(ctx context.Context) error {
		res, err := g.peer.EnqueueDownload(ctx, username, files)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// PollDownload reports the current state of a ticket.
func (g *Gateway) PollDownload(ctx context.Context, ticket DownloadTicket) (DownloadState, error) {
	var out DownloadState
	err := g.do(ctx, ProviderSoulseek, "poll_download", func(ctx context.Context) error {
		res, err := g.peer.PollDownload(ctx, ticket)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// CancelDownload aborts a ticket. Cancels are not retried; a second attempt
// against an already cancelled ticket would only mask the first outcome.
func (g *Gateway) CancelDownload(ctx context.Context, ticket DownloadTicket) error {
	return g.doOnce(ctx, ProviderSoulseek, "cancel_download", func(ctx context.Context) error {
		return g.peer.CancelDownload(ctx, ticket)
	})
}

// CheckMetadataHealth probes the metadata provider.
func (g *Gateway) CheckMetadataHealth(ctx context.Context) (Health, error) {
	var out Health
	err := g.doOnce(ctx, ProviderSpotify, "check_health", func(ctx context.Context) error {
		res, err := g.meta.CheckHealth(ctx)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// CheckPeerHealth probes the peer daemon.
func (g *Gateway) CheckPeerHealth(ctx context.Context) (Health, error) {
	var out Health
	err := g.doOnce(ctx, ProviderSoulseek, "check_health", func(ctx context.Context) error {
		res, err := g.peer.CheckHealth(ctx)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// do runs fn under the gateway's gates and retries transient and rate
// limited failures up to the provider's retry_max.
func (g *Gateway) do(ctx context.Context, provider, operation string, fn func(context.Context) error) error {
	return g.call(ctx, provider, operation, true, fn)
}

// doOnce runs fn under the same gates with retries disabled.
func (g *Gateway) doOnce(ctx context.Context, provider, operation string, fn func(context.Context) error) error {
	return g.call(ctx, provider, operation, false, fn)
}

func (g *Gateway) call(ctx context.Context, provider, operation string, retry bool, fn func(context.Context) error) error {
	st := g.state(provider)
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	maxAttempts := st.params.RetryMax
	if !retry {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := st.limiter.Wait(ctx); err != nil {
			return err
		}

		attemptCtx := ctx
		cancel := func() {}
		if st.params.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, st.params.Timeout)
		}
		start := time.Now()
		err := fn(attemptCtx)
		cancel()
		elapsed := time.Since(start)

		if err == nil {
			g.observe(ctx, provider, operation, attempt, "ok", elapsed, 0, 0)
			return nil
		}

		class := Classify(err)
		retryable := class == ClassTransient || class == ClassRateLimited
		if !retryable || attempt >= maxAttempts {
			g.observe(ctx, provider, operation, attempt, string(class), elapsed, statusCode(err), 0)
			return err
		}

		retryIn := retrypolicy.Backoff(retrypolicy.Policy{
			Base:      st.params.BackoffBase,
			JitterPct: st.params.JitterPct,
		}, attempt)
		if hint, ok := RetryAfterHint(err); ok && hint > retryIn {
			retryIn = hint
		}
		g.observe(ctx, provider, operation, attempt, string(class), elapsed, statusCode(err), retryIn)
		metrics.IncDependencyRetry(provider, operation)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryIn):
		}
	}
}

func (g *Gateway) observe(ctx context.Context, provider, operation string, attempt int, status string, elapsed time.Duration, code int, retryIn time.Duration) {
	metrics.IncDependencyRequest(provider, operation, status)
	metrics.ObserveDependencyDuration(provider, operation, elapsed.Seconds())
	telemetry.EmitDependencyCall(ctx, provider, operation, status, elapsed.Milliseconds())

	evt := g.logger.Info()
	if status != "ok" {
		evt = g.logger.Warn()
	}
	evt = evt.
		Str("event", "api.dependency").
		Str("provider", provider).
		Str("operation", operation).
		Int("attempt", attempt).
		Str("status", status).
		Int64("duration_ms", elapsed.Milliseconds())
	if code > 0 {
		evt = evt.Int("status_code", code)
	}
	if retryIn > 0 {
		evt = evt.Int64("retry_in_ms", retryIn.Milliseconds())
	}
	evt.Msg("provider call")
}

func statusCode(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}
