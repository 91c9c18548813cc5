// Package cron runs schedule-trigger handlers on cron expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions, an optional leading
// seconds field, and descriptors such as @hourly or @every 5m.
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Logger   *slog.Logger
	Location *time.Location // defaults to time.Local
}

type entry struct {
	id   cronlib.EntryID
	name string
	spec string
}

// Scheduler owns a robfig cron instance and tracks entries by owner so a
// module's schedules can be removed together on reload.
type Scheduler struct {
	logger *slog.Logger
	cron   *cronlib.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	owners  map[string][]entry
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	adapter := slogAdapter{logger: logger}
	return &Scheduler{
		logger: logger,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLocation(loc),
			cronlib.WithLogger(adapter),
			cronlib.WithChain(cronlib.Recover(adapter)),
		),
		ctx:    context.Background(),
		owners: make(map[string][]entry),
	}
}

// Add registers fn to run on spec. owner groups entries for RemoveOwner.
func (s *Scheduler) Add(owner, name, spec string, fn func(ctx context.Context)) error {
	id, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron: add %q (%s): %w", name, spec, err)
	}
	s.mu.Lock()
	s.owners[owner] = append(s.owners[owner], entry{id: id, name: name, spec: spec})
	s.mu.Unlock()
	s.logger.Debug("cron: schedule registered", "owner", owner, "name", name, "spec", spec)
	return nil
}

// RemoveOwner drops every entry registered under owner and returns how many were removed.
func (s *Scheduler) RemoveOwner(owner string) int {
	s.mu.Lock()
	entries := s.owners[owner]
	delete(s.owners, owner)
	s.mu.Unlock()
	for _, e := range entries {
		s.cron.Remove(e.id)
	}
	if len(entries) > 0 {
		s.logger.Debug("cron: schedules removed", "owner", owner, "count", len(entries))
	}
	return len(entries)
}

// Len returns the number of registered entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entries := range s.owners {
		n += len(entries)
	}
	return n
}

// Start begins firing entries. Handlers receive a context derived from ctx
// that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("cron scheduler started")
}

// Stop halts the scheduler and waits for running handlers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	if cancel != nil {
		cancel()
	}
	<-done.Done()
	s.logger.Info("cron scheduler stopped")
}

// Validate reports whether expr is an accepted cron expression.
func Validate(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// slogAdapter satisfies cronlib.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
