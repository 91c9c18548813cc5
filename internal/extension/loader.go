// Package extension lazily installs and constructs optional infrastructure
// modules such as storage backends. Failures are fatal: the loader reports
// them to its fatal hook, which normally shuts the process down.
package extension

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/yuzai/internal/deps"
	"github.com/basket/yuzai/internal/otel"
)

var ErrUnknownExtension = errors.New("extension: unknown extension")

// Env is passed to a Factory once the module's dependencies are ready.
type Env struct {
	Name string
	Dir  string
	// Manifest is nil when the module directory has no package.json.
	Manifest *deps.Manifest
	Logger   *slog.Logger
}

// Factory constructs an extension value.
type Factory func(ctx context.Context, env Env) (any, error)

type Config struct {
	Dir       string
	Installer *deps.Installer
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Fatal     func(error)
}

type Loader struct {
	dir       string
	installer *deps.Installer
	logger    *slog.Logger
	tracer    trace.Tracer

	mu        sync.Mutex
	fatal     func(error)
	factories map[string]Factory
	cache     map[string]any // keyed by module directory
	order     []string       // module directories in import order
	importMu  sync.Map       // Per-directory mutex so one caller constructs each extension
}

func New(cfg Config) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	return &Loader{
		dir:       cfg.Dir,
		installer: cfg.Installer,
		logger:    logger.With("component", "extension"),
		tracer:    tracer,
		fatal:     cfg.Fatal,
		factories: make(map[string]Factory),
		cache:     make(map[string]any),
	}
}

// Register makes name importable. Registering twice replaces the factory.
func (l *Loader) Register(name string, f Factory) {
	l.mu.Lock()
	l.factories[name] = f
	l.mu.Unlock()
}

// SetFatal installs the hook invoked when an import fails.
func (l *Loader) SetFatal(fn func(error)) {
	l.mu.Lock()
	l.fatal = fn
	l.mu.Unlock()
}

// ModuleDir returns the directory holding name's manifest and dependencies.
func (l *Loader) ModuleDir(name string) string {
	return filepath.Join(l.dir, name)
}

// Names returns registered extension names in sorted order.
func (l *Loader) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.factories))
	for name := range l.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l *Loader) cached(dir string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.cache[dir]
	return v, ok
}

// Import returns the extension value for name, installing dependencies and
// constructing it on first use. Later imports hit the cache.
func (l *Loader) Import(ctx context.Context, name string) (any, error) {
	dir := l.ModuleDir(name)
	if v, ok := l.cached(dir); ok {
		return v, nil
	}

	mu, _ := l.importMu.LoadOrStore(dir, &sync.Mutex{})
	dirLock := mu.(*sync.Mutex)
	dirLock.Lock()
	defer dirLock.Unlock()
	if v, ok := l.cached(dir); ok {
		return v, nil
	}

	ctx, span := otel.StartSpan(ctx, l.tracer, "extension.import",
		otel.AttrExtension.String(name),
		otel.AttrModuleDir.String(dir),
	)
	defer span.End()

	v, err := l.load(ctx, name, dir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, l.fail(name, err)
	}

	l.mu.Lock()
	l.cache[dir] = v
	l.order = append(l.order, dir)
	l.mu.Unlock()
	l.logger.Info("extension imported", "extension", name, "dir", dir)
	return v, nil
}

func (l *Loader) load(ctx context.Context, name, dir string) (any, error) {
	l.mu.Lock()
	factory, ok := l.factories[name]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExtension, name)
	}

	var manifest *deps.Manifest
	if l.installer != nil {
		if err := l.installer.WaitForInstallation(ctx, dir); err != nil {
			return nil, fmt.Errorf("wait for %s: %w", name, err)
		}
		err := l.installer.InstallDependencies(ctx, dir, false)
		switch {
		case errors.Is(err, deps.ErrNoManifest):
			l.logger.Debug("extension has no manifest, importing directly", "extension", name)
		case err != nil:
			return nil, fmt.Errorf("install %s: %w", name, err)
		}
	}
	if m, err := deps.ReadManifest(dir); err == nil {
		manifest = m
	} else if !errors.Is(err, deps.ErrNoManifest) {
		return nil, fmt.Errorf("read %s manifest: %w", name, err)
	}

	v, err := factory(ctx, Env{
		Name:     name,
		Dir:      dir,
		Manifest: manifest,
		Logger:   l.logger.With("extension", name),
	})
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", name, err)
	}
	return v, nil
}

func (l *Loader) fail(name string, err error) error {
	l.logger.Error("extension import failed", "extension", name, "error", err)
	l.mu.Lock()
	fatal := l.fatal
	l.mu.Unlock()
	if fatal != nil {
		fatal(err)
	}
	return err
}

// AutoImport imports every registered extension whose manifest sets
// yuzai.autoImport. Each is attempted even if an earlier one fails.
func (l *Loader) AutoImport(ctx context.Context) error {
	var errs []error
	for _, name := range l.Names() {
		m, err := deps.ReadManifest(l.ModuleDir(name))
		if err != nil || !m.Yuzai.AutoImport {
			continue
		}
		if _, err := l.Import(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes cached extensions implementing io.Closer, newest first.
func (l *Loader) Close() error {
	l.mu.Lock()
	order := append([]string(nil), l.order...)
	values := make([]any, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		values = append(values, l.cache[order[i]])
	}
	l.cache = make(map[string]any)
	l.order = nil
	l.mu.Unlock()

	var errs []error
	for _, v := range values {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Get imports name and asserts its type.
func Get[T any](ctx context.Context, l *Loader, name string) (T, error) {
	var zero T
	v, err := l.Import(ctx, name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("extension %s: has type %T, want %s", name, v, reflect.TypeFor[T]())
	}
	return t, nil
}
