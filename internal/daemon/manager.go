// SPDX-License-Identifier: MIT

// Package daemon owns the process lifecycle: the ops HTTP server, the
// background subsystems, and the ordered graceful shutdown between them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/log"
)

// ShutdownHook performs cleanup during graceful shutdown. Hooks run in
// reverse registration order, so resources close opposite to how they
// opened.
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// shutdownTimeout bounds the HTTP drain and each shutdown hook.
const shutdownTimeout = 10 * time.Second

// Manager runs the ops HTTP server and the registered shutdown hooks.
type Manager struct {
	srv    *http.Server
	hooks  []namedHook
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewManager builds a Manager serving handler on addr.
func NewManager(addr string, handler http.Handler) *Manager {
	return &Manager{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log.WithComponent("daemon"),
	}
}

// RegisterShutdownHook appends a named cleanup step.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}

// Serve blocks on the HTTP listener until ctx is canceled, then drains
// connections and runs the hooks.
func (m *Manager) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		m.logger.Info().Str("addr", m.srv.Addr).Msg("ops server listening")
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		// Listener failed before shutdown was requested.
		m.runHooks()
		if err != nil {
			return fmt.Errorf("daemon: ops server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.srv.Shutdown(drainCtx); err != nil {
		m.logger.Warn().Err(err).Msg("ops server drain incomplete, closing")
		_ = m.srv.Close()
	}
	<-errCh

	m.runHooks()
	return nil
}

// runHooks executes the registered hooks LIFO, logging failures instead
// of aborting: later cleanup must not be skipped because earlier cleanup
// broke.
func (m *Manager) runHooks() {
	m.mu.Lock()
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := h.hook(ctx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).Msg("shutdown hook failed")
		} else {
			m.logger.Debug().Str("hook", h.name).Msg("shutdown hook completed")
		}
		cancel()
	}
}
