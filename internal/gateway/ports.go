// SPDX-License-Identifier: MIT

package gateway

import (
	"context"
	"time"
)

// Provider names used for rate limiting, metrics labels, and events.
const (
	ProviderSpotify  = "spotify"
	ProviderSoulseek = "soulseek"
)

// Artist is the metadata provider's view of one artist. ExternalIDs
// carries alias identifiers keyed by namespace.
type Artist struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
}

// Track is the metadata provider's view of a single track.
type Track struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	ArtistID    string `json:"artist_id"`
	Album       string `json:"album"`
	AlbumID     string `json:"album_id"`
	ISRC        string `json:"isrc,omitempty"`
	DurationMS  int    `json:"duration_ms"`
	TrackNumber int    `json:"track_number,omitempty"`
}

// Release is the metadata provider's view of an album, single, or
// compilation. Persisted releases live in the library store and carry
// lifecycle fields this type does not.
type Release struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	ReleaseType string `json:"release_type"`
	ReleaseDate string `json:"release_date,omitempty"`
	TrackCount  int    `json:"track_count"`
}

// Playlist bundles the tracks behind a shared playlist link.
type Playlist struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Owner      string  `json:"owner,omitempty"`
	SnapshotID string  `json:"snapshot_id,omitempty"`
	Tracks     []Track `json:"tracks"`
}

// PeerResult is one candidate file offered by a peer.
type PeerResult struct {
	Username    string `json:"username"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size_bytes"`
	Format      string `json:"format,omitempty"`
	BitrateKbps int    `json:"bitrate_kbps,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
	FreeSlot    bool   `json:"free_slot"`
	QueueLength int    `json:"queue_length"`
}

// FileRequest names one file to pull from a peer.
type FileRequest struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}

// DownloadTicket identifies an accepted transfer batch on the peer daemon.
type DownloadTicket struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// DownloadState is the peer daemon's view of a ticket.
type DownloadState string

const (
	DownloadQueued     DownloadState = "queued"
	DownloadInProgress DownloadState = "in_progress"
	DownloadCompleted  DownloadState = "completed"
	DownloadFailed     DownloadState = "failed"
	DownloadCancelled  DownloadState = "cancelled"
)

// Terminal reports whether a poll loop can stop watching the ticket.
func (s DownloadState) Terminal() bool {
	switch s {
	case DownloadCompleted, DownloadFailed, DownloadCancelled:
		return true
	default:
		return false
	}
}

// Health is a provider's self-reported condition.
type Health struct {
	Status string `json:"status"` // ok, degraded, down
	Detail string `json:"detail,omitempty"`
}

// Metadata is the port satisfied by the track metadata adapter.
type Metadata interface {
	SearchTracks(ctx context.Context, query string, limit int) ([]Track, error)
	GetArtist(ctx context.Context, artistID string) (*Artist, error)
	GetArtistAlbums(ctx context.Context, artistID string) ([]Release, error)
	GetTrack(ctx context.Context, trackID string) (*Track, error)
	GetPlaylist(ctx context.Context, playlistID string) (*Playlist, error)
	GetTrackByISRC(ctx context.Context, isrc string) (*Track, error)
	CheckHealth(ctx context.Context) (Health, error)
}

// Peer is the port satisfied by the peer download daemon adapter.
type Peer interface {
	SearchPeer(ctx context.Context, query string) ([]PeerResult, error)
	EnqueueDownload(ctx context.Context, username string, files []FileRequest) (DownloadTicket, error)
	PollDownload(ctx context.Context, ticket DownloadTicket) (DownloadState, error)
	CancelDownload(ctx context.Context, ticket DownloadTicket) error
	CheckHealth(ctx context.Context) (Health, error)
}

// Params bounds one provider's calls.
type Params struct {
	Timeout     time.Duration
	RetryMax    int
	BackoffBase time.Duration
	JitterPct   float64
	RateRPS     float64
	RateBurst   int
}
