// Package watcher reloads plugin modules when their settings files change.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 150 * time.Millisecond

// Reloader is the registry entrypoint called for a changed module.
type Reloader interface {
	Loaded(name string) bool
	ReloadModule(ctx context.Context, name string) error
}

// Watcher emits a module name when <dir>/<module>.yaml is written, created,
// renamed or removed. Bursts are coalesced per module.
type Watcher struct {
	dir      string
	logger   *slog.Logger
	debounce time.Duration
	events   chan string
}

func New(dir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		logger:   logger.With("component", "watcher"),
		debounce: defaultDebounce,
		events:   make(chan string, 16),
	}
}

func (w *Watcher) Events() <-chan string {
	return w.events
}

// moduleName maps a settings path to its module, or "" for unrelated files.
func moduleName(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	if ext != ".yaml" && ext != ".yml" {
		return ""
	}
	name := strings.TrimSuffix(base, ext)
	if name == "" || strings.HasPrefix(name, ".") {
		return ""
	}
	return name
}

func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create plugins dir: %w", err)
	}
	abs, err := filepath.Abs(w.dir)
	if err != nil {
		return fmt.Errorf("abs plugins dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", abs, err)
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(w.events)
		}()

		pending := make(map[string]struct{})
		var timer *time.Timer
		var timerC <-chan time.Time
		flush := func() {
			names := make([]string, 0, len(pending))
			for name := range pending {
				names = append(names, name)
			}
			clear(pending)
			sort.Strings(names)
			for _, name := range names {
				select {
				case w.events <- name:
				case <-ctx.Done():
					return
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				name := moduleName(ev.Name)
				if name == "" {
					continue
				}
				pending[name] = struct{}{}
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(w.debounce)
				}
				timerC = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("plugin watcher error", "error", err)
			case <-timerC:
				flush()
				timerC = nil
			}
		}
	}()

	w.logger.Info("watching plugin settings", "dir", abs)
	return nil
}

// Serve reloads each module named on events until events closes or ctx is
// done. Modules that are not loaded are ignored.
func Serve(ctx context.Context, events <-chan string, r Reloader, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-events:
			if !ok {
				return
			}
			if !r.Loaded(name) {
				logger.Debug("settings changed for unloaded module", "module", name)
				continue
			}
			if err := r.ReloadModule(ctx, name); err != nil {
				logger.Error("hot reload failed", "module", name, "error", err)
				continue
			}
			logger.Info("hot reload complete", "module", name)
		}
	}
}
