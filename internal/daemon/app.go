// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/gateway"
	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/orchestrator"
	"github.com/harmonyhub/harmony/internal/retrypolicy"
	"github.com/harmonyhub/harmony/internal/watchlist"
)

// App composes the long-running subsystems and enforces the shutdown
// order: the watchlist timer stops first so no new work is enqueued,
// then the orchestrator drains its in-flight jobs, and finally the ops
// server and the shutdown hooks run. Leases still held when the process
// exits are recovered by the reaper on the next start.
type App struct {
	Orchestrator *orchestrator.Orchestrator
	Timer        *watchlist.Timer
	Monitor      *gateway.Monitor
	Policies     *retrypolicy.Provider
	PolicyWatch  *retrypolicy.Watcher
	Manager      *Manager

	logger zerolog.Logger
}

// NewApp wires an App. Orchestrator and Manager are required; the other
// subsystems are optional and skipped when nil.
func NewApp(orch *orchestrator.Orchestrator, manager *Manager) (*App, error) {
	if orch == nil {
		return nil, errors.New("daemon: nil orchestrator")
	}
	if manager == nil {
		return nil, errors.New("daemon: nil manager")
	}
	return &App{
		Orchestrator: orch,
		Manager:      manager,
		logger:       log.WithComponent("daemon"),
	}, nil
}

// Run starts every subsystem and blocks until ctx is canceled or a
// subsystem fails fatally. SIGHUP invalidates the retry policy snapshot
// so operators can apply edited policies without a restart.
func (a *App) Run(ctx context.Context) error {
	runCtx, fail := context.WithCancelCause(ctx)
	defer fail(nil)

	if a.PolicyWatch != nil {
		if err := a.PolicyWatch.Start(runCtx); err != nil {
			// Watch failure is not fatal: the TTL reload still applies
			// file edits, just later.
			a.logger.Warn().Err(err).Msg("retry policy watcher failed to start")
		}
	}

	if a.Policies != nil {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-runCtx.Done():
					return
				case <-hup:
					a.logger.Info().Str("event", "config.reload").Msg("SIGHUP received, reloading retry policies")
					a.Policies.Invalidate()
				}
			}
		}()
	}

	var background sync.WaitGroup

	if a.Monitor != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			a.Monitor.Run(runCtx)
		}()
	}

	// The timer gets its own cancel so it can be stopped ahead of the
	// orchestrator during shutdown.
	timerCtx, stopTimer := context.WithCancel(runCtx)
	defer stopTimer()
	timerDone := make(chan struct{})
	if a.Timer != nil {
		go func() {
			defer close(timerDone)
			if err := a.Timer.Run(timerCtx); err != nil {
				fail(err)
			}
		}()
	} else {
		close(timerDone)
	}

	orchCtx, stopOrch := context.WithCancel(context.WithoutCancel(runCtx))
	defer stopOrch()
	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		if err := a.Orchestrator.Run(orchCtx); err != nil {
			fail(err)
		}
	}()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- a.Manager.Serve(runCtx)
	}()

	<-runCtx.Done()
	a.logger.Info().Msg("shutdown requested")

	// Ordered stop: timer, then orchestrator drain, then the server.
	stopTimer()
	<-timerDone
	stopOrch()
	<-orchDone
	err := <-serveDone
	background.Wait()

	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}
