// SPDX-License-Identifier: MIT

// Package queue implements the durable job queue: typed jobs with
// priorities, visibility leases, retries with per-type policies, a dead
// letter table, and introspection for the ops surface. Two backends share
// one contract; SQLite claims rows under an immediate write transaction,
// PostgreSQL uses FOR UPDATE SKIP LOCKED.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harmonyhub/harmony/internal/retrypolicy"
)

// Job type names. Priorities and worker pools are keyed by these.
const (
	TypeSync           = "sync"
	TypeMatching       = "matching"
	TypeRetry          = "retry"
	TypeWatchlist      = "watchlist"
	TypeArtistSync     = "artist_sync"
	TypePlaylistExpand = "playlist_expand"
)

// KnownTypes returns every job type the daemon registers handlers for.
func KnownTypes() []string {
	return []string{TypeSync, TypeMatching, TypeRetry, TypeWatchlist, TypeArtistSync, TypePlaylistExpand}
}

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateLeased    JobState = "leased"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateDead      JobState = "dead"
)

// Valid reports whether s is a known state value.
func (s JobState) Valid() bool {
	switch s {
	case StatePending, StateLeased, StateSucceeded, StateFailed, StateDead:
		return true
	}
	return false
}

// Terminal reports whether a job in this state is done for good.
// Terminal jobs never block idempotent re-enqueues.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateDead:
		return true
	}
	return false
}

var (
	// ErrLeaseLost signals that the caller no longer holds the lease for
	// the job: it expired and was reaped, or another worker claimed it.
	ErrLeaseLost = errors.New("queue: lease lost")

	// ErrNotFound signals that no job exists with the requested id.
	ErrNotFound = errors.New("queue: job not found")

	// ErrInvalidJob signals a malformed enqueue request.
	ErrInvalidJob = errors.New("queue: invalid job")
)

// Job is one unit of queued work.
type Job struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	State          JobState        `json:"state"`
	Attempts       int             `json:"attempts"`
	AvailableAt    time.Time       `json:"available_at"`
	LeaseUntil     time.Time       `json:"lease_until,omitempty"`
	LeaseToken     string          `json:"-"`
	LastHeartbeat  time.Time       `json:"last_heartbeat,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DeadLetter is the terminal record of a job that exhausted its retries.
type DeadLetter struct {
	ID             int64           `json:"id"`
	JobID          int64           `json:"job_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	FailedAt       time.Time       `json:"failed_at"`
}

// EnqueueRequest describes a job to enqueue.
type EnqueueRequest struct {
	Type    string
	Payload json.RawMessage

	// Priority overrides the configured default for the type when non-nil.
	Priority *int

	// AvailableAt delays visibility; zero means immediately.
	AvailableAt time.Time

	// IdempotencyKey deduplicates against non-terminal jobs of the same
	// type. Empty disables deduplication.
	IdempotencyKey string
}

// EnqueueResult reports the enqueued (or deduplicated) job.
type EnqueueResult struct {
	JobID        int64
	Deduplicated bool
}

// LeaseOptions bounds one lease call.
type LeaseOptions struct {
	// Types filters the claim to these job types; empty means all types.
	Types []string

	// Limit caps the number of jobs claimed.
	Limit int

	// LeaseFor is the visibility timeout granted to each claimed job.
	LeaseFor time.Duration

	// Now overrides the claim time; zero uses the wall clock.
	Now time.Time
}

// FailOutcome reports where a failed job ended up.
type FailOutcome struct {
	State           JobState
	Attempts        int
	RetryIn         time.Duration // zero when the job went dead
	NextAvailableAt time.Time     // zero when the job went dead
}

// ReapedJob identifies a job whose expired lease was returned to pending.
type ReapedJob struct {
	ID   int64
	Type string
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Types       []string
	States      []JobState
	Limit       int
	Offset      int
	OldestFirst bool
}

// Page bounds a listing. Listings default to newest first; OldestFirst
// flips the order (purges work oldest-first).
type Page struct {
	Limit       int
	Offset      int
	OldestFirst bool
}

// PolicyProvider yields the retry policy for a job type.
type PolicyProvider interface {
	Get(jobType string) retrypolicy.Policy
}

// Store is the durable queue contract shared by both backends.
//
// Lease, Heartbeat, Commit and Fail form the at-least-once execution
// protocol: a claimed job carries an opaque lease token, and every
// mutation by the holder re-verifies that token, failing with
// ErrLeaseLost when it no longer matches. Defer hands a leased job
// back to the pending set without charging an attempt.
type Store interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error)
	Lease(ctx context.Context, opts LeaseOptions) ([]*Job, error)
	Heartbeat(ctx context.Context, jobID int64, token string, leaseUntil time.Time) error
	Defer(ctx context.Context, jobID int64, token string, until time.Time) error
	Commit(ctx context.Context, jobID int64, token string) error
	Fail(ctx context.Context, jobID int64, token string, cause string, retryable bool) (FailOutcome, error)
	Reap(ctx context.Context, now time.Time) ([]ReapedJob, error)

	GetJob(ctx context.Context, id int64) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	CountJobs(ctx context.Context, filter JobFilter) (int64, error)
	CountByState(ctx context.Context) (map[JobState]int64, error)

	ListDeadLetters(ctx context.Context, page Page) ([]*DeadLetter, error)
	RequeueDeadLetters(ctx context.Context, limit int) (int64, error)
	DeleteDeadLetters(ctx context.Context, ids []int64) (int64, error)

	DeleteSucceededBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	Close() error
}

// Options configures a queue store backend.
type Options struct {
	// Priorities maps job types to their default priority. Enqueue
	// requests without an explicit priority resolve through this map.
	Priorities map[string]int

	// Policies resolves retry parameters when a job fails.
	Policies PolicyProvider
}

func (o Options) priorityFor(jobType string) int {
	if o.Priorities == nil {
		return 0
	}
	return o.Priorities[jobType]
}

func (o Options) policyFor(jobType string) retrypolicy.Policy {
	if o.Policies == nil {
		return retrypolicy.Policy{MaxAttempts: 1}
	}
	return o.Policies.Get(jobType)
}

// validate normalizes an enqueue request in place.
func (r *EnqueueRequest) validate() error {
	if r.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidJob)
	}
	if len(r.Payload) == 0 {
		r.Payload = json.RawMessage(`{}`)
	} else if !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidJob)
	}
	return nil
}

// Millisecond epoch conversions. Zero maps to NULL and back.

func timeToMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
