// SPDX-License-Identifier: MIT

// Package library is the domain store: artists, releases, the append-only
// audit trail, watchlist entries, per-file download state, and ingest
// bookkeeping, all persisted in SQLite with the same PRAGMA discipline as
// the queue. Advisory leases serialize per-artist mutations across
// workers.
package library

import (
	"encoding/json"
	"time"
)

// Audit event kinds. Audit rows are append-only and written in the same
// transaction as the mutation they describe.
const (
	EventCreated     = "created"
	EventUpdated     = "updated"
	EventInactivated = "inactivated"
	EventReactivated = "reactivated"
)

// Audit entity kinds.
const (
	EntityArtist  = "artist"
	EntityRelease = "release"
	EntityAlias   = "alias"
)

// ReasonPruned marks releases soft-deleted because the provider no longer
// lists them.
const ReasonPruned = "pruned"

// Artist is one tracked artist. Key is "<source>:<source_id>".
type Artist struct {
	Key             string            `json:"key"`
	Name            string            `json:"name"`
	Source          string            `json:"source"`
	ExternalIDs     map[string]string `json:"external_ids,omitempty"`
	ETagFingerprint string            `json:"etag_fingerprint,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Release is one artist release. Soft deletion sets InactiveAt; inactive
// releases are never listed as active.
type Release struct {
	ID             string     `json:"id"`
	ArtistKey      string     `json:"artist_key"`
	Source         string     `json:"source,omitempty"`
	SourceID       string     `json:"source_id,omitempty"`
	Title          string     `json:"title"`
	ReleaseType    string     `json:"release_type"`
	ReleaseDate    string     `json:"release_date,omitempty"`
	TrackCount     int        `json:"track_count"`
	InactiveAt     *time.Time `json:"inactive_at,omitempty"`
	InactiveReason string     `json:"inactive_reason,omitempty"`
}

// Active reports whether the release is visible to clients.
func (r *Release) Active() bool {
	return r.InactiveAt == nil
}

// AuditEvent is one append-only audit row. ID, JobID and At are stamped
// by the store when the row is written.
type AuditEvent struct {
	ID         int64           `json:"id"`
	ArtistKey  string          `json:"artist_key"`
	JobID      int64           `json:"job_id,omitempty"`
	Event      string          `json:"event"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	At         time.Time       `json:"at"`
}

// WatchlistEntry is one artist the watchlist timer keeps in sync.
type WatchlistEntry struct {
	ArtistKey            string     `json:"artist_key"`
	Priority             int        `json:"priority"`
	Paused               bool       `json:"paused"`
	PauseReason          string     `json:"pause_reason,omitempty"`
	ResumeAt             *time.Time `json:"resume_at,omitempty"`
	LastEnqueuedAt       *time.Time `json:"last_enqueued_at,omitempty"`
	LastSyncedAt         *time.Time `json:"last_synced_at,omitempty"`
	CooldownUntil        *time.Time `json:"cooldown_until,omitempty"`
	RetryBudgetRemaining int        `json:"retry_budget_remaining"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// DownloadState tracks one file transfer through the sync handler.
type DownloadState string

const (
	DownloadQueued    DownloadState = "queued"
	DownloadRunning   DownloadState = "running"
	DownloadCompleted DownloadState = "completed"
	DownloadFailed    DownloadState = "failed"
)

// String returns the string representation of DownloadState.
func (d DownloadState) String() string {
	return string(d)
}

// Terminal reports whether the download reached a final state.
func (d DownloadState) Terminal() bool {
	return d == DownloadCompleted || d == DownloadFailed
}

// DownloadEntry is the per-file download record written by the sync
// handler and rescanned by the retry handler.
type DownloadEntry struct {
	ID          int64         `json:"id"`
	JobID       int64         `json:"job_id"`
	ArtistKey   string        `json:"artist_key,omitempty"`
	Username    string        `json:"username"`
	Filename    string        `json:"filename"`
	SizeBytes   int64         `json:"size_bytes"`
	TicketID    string        `json:"ticket_id,omitempty"`
	State       DownloadState `json:"state"`
	RetryCount  int           `json:"retry_count"`
	NextRetryAt *time.Time    `json:"next_retry_at,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// IngestState orders the shared ingest lifecycle. Items and jobs advance
// monotonically; completed and failed are terminal.
type IngestState string

const (
	IngestRegistered IngestState = "registered"
	IngestNormalized IngestState = "normalized"
	IngestQueued     IngestState = "queued"
	IngestCompleted  IngestState = "completed"
	IngestFailed     IngestState = "failed"
)

// String returns the string representation of IngestState.
func (s IngestState) String() string {
	return string(s)
}

// rank orders states for the monotonic-advance check. Terminal states
// share the top rank.
func (s IngestState) rank() int {
	switch s {
	case IngestRegistered:
		return 0
	case IngestNormalized:
		return 1
	case IngestQueued:
		return 2
	case IngestCompleted, IngestFailed:
		return 3
	default:
		return -1
	}
}

// Ingest item source kinds.
const (
	SourceTrack         = "TRACK"
	SourceLink          = "LINK"
	SourceLinkExpansion = "LINK_EXPANSION"
)

// IngestJob groups the items of one user submission.
type IngestJob struct {
	ID        string      `json:"id"`
	Mode      string      `json:"mode"`
	State     IngestState `json:"state"`
	Accepted  int         `json:"accepted"`
	Skipped   int         `json:"skipped"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// IngestItem is one parsed submission line, link, or expansion result.
type IngestItem struct {
	ID            int64       `json:"id"`
	IngestJobID   string      `json:"ingest_job_id"`
	SourceType    string      `json:"source_type"`
	Raw           string      `json:"raw"`
	Artist        string      `json:"artist,omitempty"`
	Title         string      `json:"title,omitempty"`
	Album         string      `json:"album,omitempty"`
	PlaylistID    string      `json:"playlist_id,omitempty"`
	State         IngestState `json:"state"`
	SkipReason    string      `json:"skip_reason,omitempty"`
	DownloadJobID *int64      `json:"download_job_id,omitempty"`
}
