// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EmitDependencyCall records one provider attempt on the runtime meter.
// The provider is looked up at call time so tests can install an SDK meter
// after package init.
func EmitDependencyCall(ctx context.Context, provider, operation, status string, durationMS int64) {
	meter := otel.GetMeterProvider().Meter("harmony.gateway")

	calls, _ := meter.Int64Counter("harmony_dependency_calls",
		metric.WithDescription("Provider calls by classified status"))
	calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("status", status),
	))

	latency, _ := meter.Int64Histogram("harmony_dependency_latency_ms",
		metric.WithDescription("Provider call latency in milliseconds"))
	latency.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))
}

// EmitJobCompletion records one finished handler task on the runtime meter.
func EmitJobCompletion(ctx context.Context, jobType, result string, durationMS int64) {
	meter := otel.GetMeterProvider().Meter("harmony.orchestrator")

	jobs, _ := meter.Int64Counter("harmony_jobs_completed",
		metric.WithDescription("Handler tasks finished by result"))
	jobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", jobType),
		attribute.String("result", result),
	))

	latency, _ := meter.Int64Histogram("harmony_job_duration_ms",
		metric.WithDescription("Handler execution time in milliseconds"))
	latency.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("type", jobType),
	))
}
