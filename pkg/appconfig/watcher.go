package appconfig

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// Watcher live-reloads the RAG tunables (AI_RAG_ENABLED,
// AI_RETRIEVAL_STRATEGY/TOP_K/THRESHOLD) from a .env file, grounded on
// the teacher's fsnotify-based FileWatcher. Only the RAG section is
// swapped in on reload; DefaultBackend/SummarizationBackend/Backends
// require a process restart since driver clients are already built
// around them by the time a conversation is in flight.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu  sync.RWMutex
	rag RAGConfig

	debounce time.Duration
}

// NewWatcher starts watching path (typically ".env") for writes and
// seeds the initial RAG config from initial.
func NewWatcher(path string, initial RAGConfig) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{path: path, watcher: fw, rag: initial, debounce: 200 * time.Millisecond}, nil
}

// RAG returns the most recently loaded RAG config.
func (w *Watcher) RAG() RAGConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rag
}

// Run blocks, reloading on every write event to the watched file until
// ctx is cancelled. Parse failures are logged and the prior config is
// kept; a bad edit never disables retrieval outright.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var pending *time.Timer
	reload := func() {
		// Overload, unlike Load, replaces variables already set in the
		// process, so an edited value actually takes effect.
		if err := godotenv.Overload(w.path); err != nil {
			slog.Warn("appconfig: reload failed to load env file", "path", w.path, "error", err)
			return
		}
		cfg, err := Load()
		if err != nil {
			slog.Warn("appconfig: reload produced invalid config, keeping prior", "error", err)
			return
		}
		w.mu.Lock()
		w.rag = cfg.RAG
		w.mu.Unlock()
		slog.Info("appconfig: reloaded RAG config", "path", w.path)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("appconfig: watcher error", "error", err)
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
