// Package deps decides whether extension modules need their npm-style
// dependencies installed or built, runs the package manager with retries,
// and persists the resulting state.
package deps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/yuzai/internal/otel"
)

var ErrWaitTimeout = errors.New("deps: timed out waiting for installation")

const (
	defaultRetries      = 3
	defaultBackoff      = 2 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultMaxWait      = 30 * time.Second
	maxOutputInError    = 2048
)

// Config holds the dependencies for an Installer.
type Config struct {
	Store          *StateStore
	Runner         Runner // defaults to ExecRunner
	PackageManager string // defaults to npm
	Retries        int
	Backoff        time.Duration
	PollInterval   time.Duration
	MaxWait        time.Duration
	Logger         *slog.Logger
	Metrics        *otel.Metrics
	Tracer         trace.Tracer
	Now            func() time.Time
}

// ModuleStatus is the result of CheckModuleStatus.
type ModuleStatus struct {
	NeedInstall bool
	NeedBuild   bool
	Info        ModuleInfo
}

type Installer struct {
	store        *StateStore
	runner       Runner
	pm           string
	retries      int
	backoff      time.Duration
	pollInterval time.Duration
	maxWait      time.Duration
	logger       *slog.Logger
	metrics      *otel.Metrics
	tracer       trace.Tracer
	now          func() time.Time

	dirMu sync.Map // Per-directory mutex serializing installs in this process
}

func NewInstaller(cfg Config) *Installer {
	i := &Installer{
		store:        cfg.Store,
		runner:       cfg.Runner,
		pm:           cfg.PackageManager,
		retries:      cfg.Retries,
		backoff:      cfg.Backoff,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		now:          cfg.Now,
	}
	if i.runner == nil {
		i.runner = ExecRunner{}
	}
	if i.pm == "" {
		i.pm = "npm"
	}
	if i.retries <= 0 {
		i.retries = defaultRetries
	}
	if i.backoff <= 0 {
		i.backoff = defaultBackoff
	}
	if i.pollInterval <= 0 {
		i.pollInterval = defaultPollInterval
	}
	if i.maxWait <= 0 {
		i.maxWait = defaultMaxWait
	}
	if i.tracer == nil {
		i.tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if i.now == nil {
		i.now = time.Now
	}
	return i
}

func (i *Installer) log() *slog.Logger {
	if i.logger == nil {
		return slog.Default()
	}
	return i.logger
}

// Store returns the backing state store.
func (i *Installer) Store() *StateStore { return i.store }

// CheckModuleStatus evaluates, in order: no stored install, a stored error,
// a changed dependency hash, a missing or empty node_modules. If none apply
// a build is needed only when the declared version moved.
func (i *Installer) CheckModuleStatus(dir string) (ModuleStatus, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return ModuleStatus{}, err
	}
	info := m.Info()
	res := ModuleStatus{Info: info, NeedBuild: info.NeedBuild}

	st, ok := i.store.Get(dir)
	switch {
	case !ok || !st.Installed:
		res.NeedInstall = true
	case st.Error:
		res.NeedInstall = true
	case st.DependenciesHash == nil || *st.DependenciesHash != info.DependenciesHash:
		res.NeedInstall = true
	case info.HasDependencies && dirEmpty(filepath.Join(dir, "node_modules")):
		res.NeedInstall = true
	default:
		res.NeedBuild = info.NeedBuild && info.Version != st.Version
	}
	return res, nil
}

// dirEmpty is true when path is missing, unreadable or has no entries.
func dirEmpty(path string) bool {
	entries, err := os.ReadDir(path)
	return err != nil || len(entries) == 0
}

// RunInstall installs dependencies for dir, retrying on failure.
func (i *Installer) RunInstall(ctx context.Context, dir string, info ModuleInfo) error {
	if err := i.store.Update(dir, func(st *InstallStatus) {
		st.Installing = true
		st.Installed = false
	}); err != nil {
		return err
	}

	args := []string{"install"}
	if !info.NeedBuild {
		args = append(args, "--omit=dev")
	}
	runErr := i.runWithRetry(ctx, "install", dir, args)
	if runErr != nil {
		if err := i.store.Update(dir, func(st *InstallStatus) {
			st.Installing = false
			st.Installed = false
			st.Error = true
			st.LastInstallTime = nil
			st.DependenciesHash = nil
		}); err != nil {
			i.log().Error("persist install failure", "dir", dir, "error", err)
		}
		return fmt.Errorf("install %s: %w", dir, runErr)
	}

	now := i.now().UnixMilli()
	hash := info.DependenciesHash
	if err := i.store.Update(dir, func(st *InstallStatus) {
		st.Installing = false
		st.Installed = true
		st.Error = false
		st.LastInstallTime = &now
		st.DependenciesHash = &hash
	}); err != nil {
		return err
	}
	i.log().Info("dependencies installed", "dir", dir, "package_manager", i.pm)
	return nil
}

// RunBuild runs the declared build script for dir.
func (i *Installer) RunBuild(ctx context.Context, dir string, info ModuleInfo) error {
	script := info.BuildScript
	if script == "" {
		script = defaultBuildScript
	}
	if err := i.store.Update(dir, func(st *InstallStatus) {
		st.Installing = true
		st.Installed = false
		st.NeedBuild = true
		st.BuildScript = script
	}); err != nil {
		return err
	}

	runErr := i.runWithRetry(ctx, "build", dir, []string{"run", script})
	if runErr != nil {
		if err := i.store.Update(dir, func(st *InstallStatus) {
			st.Installing = false
			st.Installed = false
			st.Error = true
			st.Version = ""
		}); err != nil {
			i.log().Error("persist build failure", "dir", dir, "error", err)
		}
		return fmt.Errorf("build %s: %w", dir, runErr)
	}

	if err := i.store.Update(dir, func(st *InstallStatus) {
		st.Installing = false
		st.Installed = true
		st.Error = false
		st.Version = info.Version
	}); err != nil {
		return err
	}
	i.log().Info("module built", "dir", dir, "script", script, "version", info.Version)
	return nil
}

// InstallDependencies brings dir up to date. With force it always installs
// (and builds when declared). Errors propagate after status is persisted.
func (i *Installer) InstallDependencies(ctx context.Context, dir string, force bool) error {
	mu, _ := i.dirMu.LoadOrStore(dir, &sync.Mutex{})
	dirLock := mu.(*sync.Mutex)
	dirLock.Lock()
	defer dirLock.Unlock()

	ctx, span := otel.StartSpan(ctx, i.tracer, "deps.install_dependencies", otel.AttrModuleDir.String(dir))
	defer span.End()

	status, err := i.CheckModuleStatus(dir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	switch {
	case force:
		err = i.installThenBuild(ctx, dir, status.Info)
	case !status.NeedInstall && !status.NeedBuild:
		i.log().Debug("dependencies up to date", "dir", dir)
		return nil
	case !status.NeedInstall:
		err = i.RunBuild(ctx, dir, status.Info)
	default:
		err = i.installThenBuild(ctx, dir, status.Info)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (i *Installer) installThenBuild(ctx context.Context, dir string, info ModuleInfo) error {
	if err := i.RunInstall(ctx, dir, info); err != nil {
		return err
	}
	if info.NeedBuild {
		return i.RunBuild(ctx, dir, info)
	}
	return nil
}

// WaitForInstallation blocks while dir is marked installing, polling the
// store. It is cooperative: it does not stop a concurrent installer from
// another process starting.
func (i *Installer) WaitForInstallation(ctx context.Context, dir string) error {
	st, ok := i.store.Get(dir)
	if !ok || !st.Installing {
		return nil
	}
	i.log().Info("waiting for in-flight installation", "dir", dir)

	timer := time.NewTimer(i.maxWait)
	defer timer.Stop()
	ticker := time.NewTicker(i.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: %s after %s", ErrWaitTimeout, dir, i.maxWait)
		case <-ticker.C:
			if st, ok := i.store.Get(dir); !ok || !st.Installing {
				return nil
			}
		}
	}
}

// runWithRetry runs `<pm> args...` up to i.retries times with a constant backoff.
func (i *Installer) runWithRetry(ctx context.Context, op, dir string, args []string) error {
	ctx, span := otel.StartClientSpan(ctx, i.tracer, "deps."+op,
		otel.AttrInstallOp.String(op),
		otel.AttrModuleDir.String(dir),
	)
	defer span.End()

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		i.metrics.RecordInstallAttempt(ctx, op, dir)
		out, err := i.runner.Run(ctx, dir, i.pm, args...)
		if err != nil {
			return struct{}{}, fmt.Errorf("%s %s: %w%s", i.pm, strings.Join(args, " "), err, formatOutput(out))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(i.backoff)),
		backoff.WithMaxTries(uint(i.retries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			i.log().Warn("package manager attempt failed",
				"op", op,
				"dir", dir,
				"attempt", attempt,
				"max_attempts", i.retries,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		i.metrics.RecordInstallFailure(ctx, op, dir)
		i.log().Error("package manager failed", "op", op, "dir", dir, "attempts", attempt, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func formatOutput(out []byte) string {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return ""
	}
	if len(s) > maxOutputInError {
		s = s[len(s)-maxOutputInError:]
	}
	return ": " + s
}
