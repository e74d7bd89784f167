// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldJobID          = "job_id"
	FieldJobType        = "job_type"
	FieldCorrelationID  = "correlation_id"
	FieldRequestID      = "request_id"
	FieldIdempotencyKey = "idempotency_key"
	FieldArtistID       = "artist_id"
	FieldReleaseID      = "release_id"
	FieldProvider       = "provider"
	FieldOwner          = "owner"

	// Process / queue fields
	FieldEvent       = "event"
	FieldComponent   = "component"
	FieldAttempt     = "attempt"
	FieldMaxAttempts = "max_attempts"
	FieldPriority    = "priority"
	FieldQueueDepth  = "queue_depth"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Error / timing fields
	FieldErrorKind  = "error_kind"
	FieldDurationMS = "duration_ms"
	FieldBackoffMS  = "backoff_ms"
	FieldLatencyMS  = "latency_ms"

	// Path / URL fields
	FieldPath    = "path"
	FieldBaseURL = "base_url"
)
