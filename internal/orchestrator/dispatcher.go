// SPDX-License-Identifier: MIT
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/metrics"
	"github.com/harmonyhub/harmony/internal/queue"
	"github.com/harmonyhub/harmony/internal/telemetry"
)

// dispatch hands one leased job to its handler task. Slot order is
// global first, then the type pool; a full type pool returns the job
// to the queue with a short deferral instead of blocking the scheduler.
func (o *Orchestrator) dispatch(job *queue.Job) {
	h, ok := o.handlers[job.Type]
	if !ok {
		// Lease filters on registered types, so this job predates a
		// handler being removed. Let it dead-letter.
		o.settle(job, Permanent(fmt.Errorf("no handler registered for type %q", job.Type)), o.log)
		return
	}

	if !o.global.TryAcquire(1) {
		o.deferJob(job, "global pool full")
		return
	}
	pool := o.pools[job.Type]
	if !pool.TryAcquire(1) {
		o.global.Release(1)
		o.deferJob(job, "type pool full")
		return
	}

	o.inflight.Add(1)
	metrics.IncJobsInflight()
	o.wg.Add(1)
	go o.runJob(job, h, pool)
}

// deferJob pushes a leased job back to pending without charging an
// attempt. If the defer write fails the lease simply expires and the
// reaper restores the job.
func (o *Orchestrator) deferJob(job *queue.Job, reason string) {
	metrics.IncJobsDeferred(job.Type)

	err := o.store.Defer(o.tasksCtx, job.ID, job.LeaseToken, o.now().Add(deferDelay))
	if err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		o.log.Warn().Err(err).Int64("job_id", job.ID).Msg("defer failed, lease will expire")
		return
	}
	o.log.Debug().
		Int64("job_id", job.ID).
		Str("type", job.Type).
		Str("reason", reason).
		Msg("job deferred")
}

func (o *Orchestrator) runJob(job *queue.Job, h Handler, pool *semaphore.Weighted) {
	defer func() {
		pool.Release(1)
		o.global.Release(1)
		o.inflight.Add(-1)
		metrics.DecJobsInflight()
		o.wg.Done()
	}()

	ctx, cancel := context.WithCancel(o.tasksCtx)
	defer cancel()
	if policy := o.policyFor(job.Type); policy.Timeout > 0 {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithTimeout(ctx, policy.Timeout)
		defer cancelDeadline()
	}
	ctx = log.ContextWithJobID(ctx, strconv.FormatInt(job.ID, 10))

	tracer := telemetry.Tracer("harmony.orchestrator")
	ctx, span := tracer.Start(ctx, "orchestrator.job",
		trace.WithAttributes(telemetry.JobAttributes(job.ID, job.Type, job.Attempts)...))
	defer span.End()

	logger := log.WithComponentFromContext(ctx, "orchestrator.dispatcher")
	logger.Info().
		Str("event", "orchestrator.dispatch").
		Int64("job_id", job.ID).
		Str("type", job.Type).
		Int("attempt", job.Attempts).
		Msg("job dispatched")
	metrics.IncDispatch(job.Type)

	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go o.heartbeatLoop(ctx, cancel, job, logger, hbStop, hbDone)

	start := o.now()
	out := runHandler(ctx, h, job)
	dur := o.now().Sub(start)

	// Heartbeats must stop before the terminal write, or a late tick
	// would race it and report a spurious lost lease.
	close(hbStop)
	<-hbDone

	result := string(out.Result)
	metrics.ObserveJobDuration(job.Type, result, dur.Seconds())
	telemetry.EmitJobCompletion(ctx, job.Type, result, dur.Milliseconds())
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		span.SetAttributes(telemetry.ErrorAttributes(out.Err, result)...)
	}

	evt := logger.Info()
	if out.Err != nil {
		evt = logger.Warn().Err(out.Err)
	}
	evt.
		Str("event", "worker.job").
		Int64("job_id", job.ID).
		Str("type", job.Type).
		Str("status", result).
		Int64("duration_ms", dur.Milliseconds()).
		Msg("job finished")

	o.settle(job, out, logger)
}

// runHandler converts a handler panic into a retryable outcome so one
// bad payload cannot take down the dispatcher.
func runHandler(ctx context.Context, h Handler, job *queue.Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Retryable(fmt.Errorf("handler panic: %v", r))
			logger := log.WithComponentFromContext(ctx, "orchestrator.dispatcher")
			logger.Error().
				Int64("job_id", job.ID).
				Str("type", job.Type).
				Str("stack", string(debug.Stack())).
				Msgf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

// heartbeatLoop extends the lease until the handler returns. A lost
// lease cancels the job context; other errors are logged and retried
// on the next tick, the lease holding until visibility expires.
func (o *Orchestrator) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, job *queue.Job, logger zerolog.Logger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := o.store.Heartbeat(ctx, job.ID, job.LeaseToken, o.now().Add(o.cfg.VisibilityTimeout))
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrLeaseLost):
				metrics.IncLeaseLost(job.Type)
				logger.Warn().
					Str("event", "orchestrator.lease.lost").
					Int64("job_id", job.ID).
					Str("type", job.Type).
					Msg("lease lost during heartbeat, canceling job")
				cancel()
				return
			case errors.Is(err, context.Canceled):
				return
			default:
				metrics.IncHeartbeatFailure()
				logger.Warn().Err(err).Int64("job_id", job.ID).Msg("heartbeat failed")
			}
		}
	}
}

// settle records the outcome on a fresh context, so a job canceled by
// shutdown or deadline still reaches a terminal state.
func (o *Orchestrator) settle(job *queue.Job, out Outcome, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	switch out.Result {
	case ResultSuccess:
		err := o.store.Commit(ctx, job.ID, job.LeaseToken)
		switch {
		case err == nil:
			logger.Info().
				Str("event", "orchestrator.commit").
				Int64("job_id", job.ID).
				Str("type", job.Type).
				Msg("job committed")
		case errors.Is(err, queue.ErrLeaseLost):
			metrics.IncLeaseLost(job.Type)
			logger.Warn().
				Str("event", "orchestrator.lease.lost").
				Int64("job_id", job.ID).
				Str("type", job.Type).
				Msg("lease lost before commit, job will run again")
		default:
			logger.Error().Err(err).Int64("job_id", job.ID).Msg("commit failed")
		}

	default:
		cause := string(out.Result)
		if out.Err != nil {
			cause = out.Err.Error()
		}
		retryable := out.Result != ResultPermanent

		fo, err := o.store.Fail(ctx, job.ID, job.LeaseToken, cause, retryable)
		switch {
		case err == nil && fo.State == queue.StatePending:
			logger.Warn().
				Str("event", "orchestrator.retry").
				Int64("job_id", job.ID).
				Str("type", job.Type).
				Int("attempt", fo.Attempts).
				Dur("retry_in", fo.RetryIn).
				Time("available_at", fo.NextAvailableAt).
				Msg("job scheduled for retry")
		case err == nil:
			logger.Error().
				Str("event", "orchestrator.dead").
				Int64("job_id", job.ID).
				Str("type", job.Type).
				Int("attempt", fo.Attempts).
				Str("cause", cause).
				Msg("job dead-lettered")
		case errors.Is(err, queue.ErrLeaseLost):
			metrics.IncLeaseLost(job.Type)
			logger.Warn().
				Str("event", "orchestrator.lease.lost").
				Int64("job_id", job.ID).
				Str("type", job.Type).
				Msg("lease lost before fail, job will run again")
		default:
			logger.Error().Err(err).Int64("job_id", job.ID).Msg("fail transition failed")
		}
	}
}
