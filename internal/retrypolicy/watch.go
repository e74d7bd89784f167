// SPDX-License-Identifier: MIT

package retrypolicy

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/log"
)

// Watcher invalidates the provider snapshot when the policy file changes,
// so edits take effect on the next policy read instead of after the TTL.
type Watcher struct {
	provider *Provider
	path     string
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
}

// NewWatcher creates a watcher for the given policy file path. An empty
// path disables watching.
func NewWatcher(p *Provider, path string) *Watcher {
	return &Watcher{
		provider: p,
		path:     path,
		logger:   log.WithComponent("retrypolicy"),
	}
}

// Start begins watching the policy file. It is a no-op when no file is
// configured. The watch loop runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" {
		w.logger.Info().
			Str("event", "retrypolicy.watcher_disabled").
			Msg("policy file watcher disabled (environment-only policies)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(w.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch policy file: %w", err)
	}
	w.watcher = watcher

	w.logger.Info().
		Str("event", "retrypolicy.watcher_started").
		Str("path", w.path).
		Msg("watching retry policy file for changes")

	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	// Editors fire several events per save; collapse them into one reload.
	var debounce *time.Timer
	const debounceFor = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Str("event", "retrypolicy.watcher_stopped").Msg("policy file watcher stopped")
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug().
					Str("event", "retrypolicy.file_changed").
					Str("op", event.Op.String()).
					Msg("policy file changed")
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceFor, w.provider.Invalidate)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().
				Err(err).
				Str("event", "retrypolicy.watcher_error").
				Msg("policy file watcher error")
		}
	}
}

// Stop closes the underlying watcher if one is running.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
