// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Job attributes
	JobIDKey      = "job.id"
	JobTypeKey    = "job.type"
	JobAttemptKey = "job.attempt"
	JobResultKey  = "job.result"

	// Dependency attributes
	DependencyProviderKey  = "dependency.provider"
	DependencyOperationKey = "dependency.operation"
	DependencyStatusKey    = "dependency.status"
	DependencyAttemptKey   = "dependency.attempt"

	// Domain attributes
	ArtistKeyKey    = "artist.key"
	IngestJobKey    = "ingest.job_id"
	IngestModeKey   = "ingest.mode"
	CacheOutcomeKey = "cache.outcome"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// JobAttributes creates job-related span attributes.
func JobAttributes(jobID int64, jobType string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(JobIDKey, jobID),
		attribute.String(JobTypeKey, jobType),
		attribute.Int(JobAttemptKey, attempt),
	}
}

// DependencyAttributes creates provider-call span attributes.
func DependencyAttributes(provider, operation, status string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(DependencyProviderKey, provider),
		attribute.String(DependencyOperationKey, operation),
		attribute.String(DependencyStatusKey, status),
		attribute.Int(DependencyAttemptKey, attempt),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
