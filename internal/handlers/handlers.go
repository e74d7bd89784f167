// SPDX-License-Identifier: MIT

// Package handlers implements the business logic behind the queue's job
// types: watchlist refresh, artist synchronization, peer candidate
// matching, file downloads, download retry scans, and playlist
// expansion. Every handler is idempotent; at-least-once delivery can
// replay any job after a crash or a lost lease.
package handlers

import (
	"context"

	"github.com/harmonyhub/harmony/internal/gateway"
	"github.com/harmonyhub/harmony/internal/orchestrator"
)

// MetadataGateway is the metadata slice of the provider gateway.
// *gateway.Gateway satisfies it; tests wire stubs.
type MetadataGateway interface {
	GetArtist(ctx context.Context, artistID string) (*gateway.Artist, error)
	GetArtistAlbums(ctx context.Context, artistID string) ([]gateway.Release, error)
	GetTrack(ctx context.Context, trackID string) (*gateway.Track, error)
	GetPlaylist(ctx context.Context, playlistID string) (*gateway.Playlist, error)
}

// PeerGateway is the peer-daemon slice of the provider gateway.
type PeerGateway interface {
	SearchPeer(ctx context.Context, query string) ([]gateway.PeerResult, error)
	EnqueueDownload(ctx context.Context, username string, files []gateway.FileRequest) (gateway.DownloadTicket, error)
	PollDownload(ctx context.Context, ticket gateway.DownloadTicket) (gateway.DownloadState, error)
}

// classify maps a provider failure onto a handler outcome. Transient
// and rate-limited errors are worth another attempt; auth failures and
// malformed responses are not.
func classify(err error) orchestrator.Outcome {
	switch gateway.Classify(err) {
	case gateway.ClassTransient, gateway.ClassRateLimited:
		return orchestrator.Retryable(err)
	default:
		return orchestrator.Permanent(err)
	}
}
