package rules

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the engine when the rule file changes on disk. Editors
// produce bursts of Create+Write events, so reloads are debounced.
type Watcher struct {
	engine *Engine
	log    zerolog.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

func NewWatcher(engine *Engine, log zerolog.Logger) *Watcher {
	return &Watcher{
		engine: engine,
		log:    log.With().Str("component", "rules-watcher").Logger(),
	}
}

// Start watches the directory containing the rule file. Watching the
// directory rather than the file survives rename-based atomic saves.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.engine.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
	w.log.Info().Str("dir", dir).Msg("watching rule file for changes")
	return nil
}

func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}

func (w *Watcher) loop(ctx context.Context) {
	target := filepath.Clean(w.engine.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("rule watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(reloadDebounce, func() {
		if err := w.engine.Load(); err != nil {
			w.log.Error().Err(err).Msg("rule reload failed, keeping previous set")
			return
		}
		w.log.Info().Int("rules", w.engine.Count()).Msg("rule set reloaded from disk")
	})
}
