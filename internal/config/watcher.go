package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// ReloadEvent carries the freshly loaded config, or the error that
// prevented loading it.
type ReloadEvent struct {
	Path   string
	Config Config
	Err    error
}

// Watcher reloads the config file after it changes. The parent directory is
// watched so editors that replace the file via rename are still observed,
// and bursts of writes are coalesced into one reload.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		logger:   logger.With("component", "config"),
		debounce: reloadDebounce,
		events:   make(chan ReloadEvent, 4),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(w.events)
		}()

		// Reset discards any pending tick (go >= 1.23 timer semantics).
		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					timer.Reset(w.debounce)
				}
				timerC = timer.C
			case <-timerC:
				timerC = nil
				w.emit(ctx)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) emit(ctx context.Context) {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
	} else {
		w.logger.Info("config file changed", "path", w.path, "fingerprint", cfg.Fingerprint())
	}
	select {
	case w.events <- ReloadEvent{Path: w.path, Config: cfg, Err: err}:
	case <-ctx.Done():
	}
}
