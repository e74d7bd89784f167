// SPDX-License-Identifier: MIT

package queue

// Payload schemas for the types in KnownTypes. They live next to the
// type constants so producers and handlers share one wire shape.

// WatchlistPayload asks the watchlist handler to consider one artist.
type WatchlistPayload struct {
	ArtistKey string `json:"artist_key"`
}

// ArtistSyncPayload asks the artist_sync handler to reconcile one
// artist against the metadata provider. Force bypasses the stored
// fingerprint short-circuit.
type ArtistSyncPayload struct {
	ArtistKey string `json:"artist_key"`
	Force     bool   `json:"force,omitempty"`
}

// MatchingPayload names what the matching handler should find on the
// peer network: a batch of ingest items, one provider track, or an
// inline want (the release backfill path, where no ingest item exists).
type MatchingPayload struct {
	IngestJobID string  `json:"ingest_job_id,omitempty"`
	ItemIDs     []int64 `json:"item_ids,omitempty"`
	TrackID     string  `json:"track_id,omitempty"`
	Artist      string  `json:"artist,omitempty"`
	Title       string  `json:"title,omitempty"`
	Album       string  `json:"album,omitempty"`
}

// SyncFile is one file of a sync job.
type SyncFile struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

// SyncPayload asks the sync handler to pull files from one peer. The
// handler resolves its download rows by DownloadIDs when set (the
// retry path), otherwise by its own job id (rows created at enqueue
// time by the matching handler).
type SyncPayload struct {
	Username    string     `json:"username"`
	Files       []SyncFile `json:"files"`
	DownloadIDs []int64    `json:"download_ids,omitempty"`
}

// RetryPayload scopes one retry scan. Zero limit falls back to the
// configured scan batch limit.
type RetryPayload struct {
	Limit int `json:"limit,omitempty"`
}

// PlaylistExpandPayload points the playlist_expand handler at a LINK
// ingest item.
type PlaylistExpandPayload struct {
	IngestItemID int64  `json:"ingest_item_id"`
	PlaylistID   string `json:"playlist_id,omitempty"`
}
