// SPDX-License-Identifier: MIT

// Package orchestrator turns the durable queue into running work. A
// single scheduler loop leases jobs under an adaptive poll interval, a
// dispatcher hands each job to its registered handler inside global and
// per-type concurrency pools with lease heartbeats, and a reaper
// recovers expired leases and prunes settled jobs.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/queue"
	"github.com/harmonyhub/harmony/internal/retrypolicy"
)

const (
	// minPollInterval floors the adaptive scheduler so a misconfigured
	// interval cannot spin the lease query.
	minPollInterval = 10 * time.Millisecond

	// deferDelay is how far a job is pushed out when its type pool is
	// full. Short, because a slot usually frees within one handler run.
	deferDelay = 500 * time.Millisecond

	// settleTimeout bounds the commit/fail write after a handler
	// returns. Detached from the job context so a canceled job still
	// records its outcome.
	settleTimeout = 5 * time.Second

	// retentionBatch caps how many settled jobs one maintenance pass
	// deletes.
	retentionBatch = 500
)

// Result classifies a handler outcome for queue state transitions.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultRetryable Result = "retryable"
	ResultPermanent Result = "permanent"
)

// Outcome is what a handler reports for one job execution.
type Outcome struct {
	Result Result
	Err    error
}

// Success reports a completed job.
func Success() Outcome { return Outcome{Result: ResultSuccess} }

// Retryable reports a failure worth another attempt, such as a
// provider timeout or a busy entity lease.
func Retryable(err error) Outcome { return Outcome{Result: ResultRetryable, Err: err} }

// Permanent reports a failure that retrying cannot fix, such as a
// malformed payload. The job dead-letters immediately.
func Permanent(err error) Outcome { return Outcome{Result: ResultPermanent, Err: err} }

// Handler executes jobs of one type. Implementations must be
// idempotent: at-least-once delivery can run the same job twice.
type Handler interface {
	Type() string
	Handle(ctx context.Context, job *queue.Job) Outcome
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	JobType string
	Fn      func(ctx context.Context, job *queue.Job) Outcome
}

func (h HandlerFunc) Type() string { return h.JobType }

func (h HandlerFunc) Handle(ctx context.Context, job *queue.Job) Outcome {
	return h.Fn(ctx, job)
}

// LeaseSweeper releases expired cross-process entity leases. The
// library store implements it; the reaper invokes it alongside queue
// maintenance so a crashed artist sync never wedges its artist.
type LeaseSweeper interface {
	SweepLeases(ctx context.Context, now time.Time) (int, error)
}

// PolicyProvider yields the retry policy for a job type. The
// orchestrator only reads Timeout from it; backoff and attempt caps
// are applied inside the queue store.
type PolicyProvider interface {
	Get(jobType string) retrypolicy.Policy
}

// Options wires an Orchestrator.
type Options struct {
	Store    queue.Store
	Config   config.OrchestratorConfig
	Handlers []Handler

	// Policies supplies per-type handler deadlines. Optional; without
	// it jobs run without a deadline.
	Policies PolicyProvider

	// Sweeper is called on each reap pass. Optional.
	Sweeper LeaseSweeper

	// Grace bounds the shutdown drain before in-flight jobs are
	// canceled. Zero means 5s.
	Grace time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Orchestrator owns the scheduler, dispatcher, and reaper loops.
type Orchestrator struct {
	store    queue.Store
	cfg      config.OrchestratorConfig
	policies PolicyProvider
	sweeper  LeaseSweeper
	grace    time.Duration

	handlers map[string]Handler
	types    []string

	global    *semaphore.Weighted
	pools     map[string]*semaphore.Weighted
	inflight  atomic.Int64
	heartbeat time.Duration

	// tasksCtx is deliberately detached from the run context: handlers
	// keep running through the shutdown grace window and are only
	// canceled when it expires.
	tasksCtx    context.Context
	cancelTasks context.CancelFunc
	wg          sync.WaitGroup

	log zerolog.Logger
	now func() time.Time
}

// New validates opts, applies defaults, and builds the concurrency
// pools. Each handler type gets its configured pool size, or the
// global limit when none is set.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: nil queue store")
	}
	if len(opts.Handlers) == 0 {
		return nil, fmt.Errorf("orchestrator: no handlers registered")
	}

	cfg := opts.Config
	if cfg.PollInterval < minPollInterval {
		cfg.PollInterval = minPollInterval
	}
	if cfg.PollIntervalMax < cfg.PollInterval {
		cfg.PollIntervalMax = cfg.PollInterval
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 8
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}

	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = cfg.VisibilityTimeout / 2
	}

	grace := opts.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	handlers := make(map[string]Handler, len(opts.Handlers))
	pools := make(map[string]*semaphore.Weighted, len(opts.Handlers))
	for _, h := range opts.Handlers {
		t := h.Type()
		if t == "" {
			return nil, fmt.Errorf("orchestrator: handler with empty type")
		}
		if _, dup := handlers[t]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate handler for type %q", t)
		}
		handlers[t] = h

		size := cfg.Pools[t]
		if size <= 0 || size > cfg.GlobalConcurrency {
			size = cfg.GlobalConcurrency
		}
		pools[t] = semaphore.NewWeighted(int64(size))
	}

	types := make([]string, 0, len(handlers))
	for t := range handlers {
		types = append(types, t)
	}
	sort.Strings(types)

	tasksCtx, cancelTasks := context.WithCancel(context.Background())

	return &Orchestrator{
		store:       opts.Store,
		cfg:         cfg,
		policies:    opts.Policies,
		sweeper:     opts.Sweeper,
		grace:       grace,
		handlers:    handlers,
		types:       types,
		global:      semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		pools:       pools,
		heartbeat:   hb,
		tasksCtx:    tasksCtx,
		cancelTasks: cancelTasks,
		log:         log.WithComponent("orchestrator"),
		now:         now,
	}, nil
}

// Run drives the scheduler and reaper until ctx is canceled, then
// drains: in-flight handlers keep their contexts through the grace
// window and are canceled when it expires. Leases the drain leaves
// behind are restored by the next reap pass. Run is single-use.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.cancelTasks()

	o.log.Info().
		Int("global_concurrency", o.cfg.GlobalConcurrency).
		Dur("poll_interval", o.cfg.PollInterval).
		Dur("visibility_timeout", o.cfg.VisibilityTimeout).
		Strs("types", o.types).
		Msg("orchestrator starting")

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		o.schedule(ctx)
	}()
	go func() {
		defer loops.Done()
		o.reapLoop(ctx)
	}()
	loops.Wait()

	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(o.grace)
	defer timer.Stop()
	select {
	case <-drained:
		o.log.Info().Msg("orchestrator drained")
	case <-timer.C:
		o.log.Warn().
			Dur("grace", o.grace).
			Int64("inflight", o.inflight.Load()).
			Msg("shutdown grace expired, canceling in-flight jobs")
		o.cancelTasks()
		<-drained
	}
	return nil
}

// Inflight reports the number of handler tasks currently running.
func (o *Orchestrator) Inflight() int { return int(o.inflight.Load()) }

func (o *Orchestrator) policyFor(jobType string) retrypolicy.Policy {
	if o.policies == nil {
		return retrypolicy.Policy{}
	}
	return o.policies.Get(jobType)
}
