// Package trigger implements the rule types plugins register: message,
// notice, connect and schedule triggers. Each kind owns its own matching
// contract; all of them contain handler errors and panics.
package trigger

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/basket/yuzai/internal/event"
	"github.com/basket/yuzai/internal/otel"
)

// Env carries what a trigger needs from its owning plugin at run time.
type Env struct {
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	PluginID string
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Option configures a trigger at construction.
type Option func(*options)

type options struct {
	description string
	priority    int
	abort       bool
	wait        bool
	command     string
	regex       string
	matcher     func(*event.MessageEvent) bool
	scopes      []event.Scope
	noticeKinds []string
}

func defaultOptions() options {
	return options{abort: true, wait: true}
}

func WithDescription(d string) Option { return func(o *options) { o.description = d } }

// WithPriority sets the evaluation priority; higher runs first.
func WithPriority(p int) Option { return func(o *options) { o.priority = p } }

// WithAbort controls whether a match stops evaluation of later triggers.
func WithAbort(abort bool) Option { return func(o *options) { o.abort = abort } }

// WithWait controls whether dispatch blocks on the handler.
func WithWait(wait bool) Option { return func(o *options) { o.wait = wait } }

// Base holds the attributes shared by every trigger kind.
type Base struct {
	name        string
	description string
	priority    int
	abort       bool
	wait        bool
}

func newBase(name string, o options) Base {
	return Base{
		name:        name,
		description: o.description,
		priority:    o.priority,
		abort:       o.abort,
		wait:        o.wait,
	}
}

func (b *Base) Name() string { return b.name }
func (b *Base) Description() string { return b.description }
func (b *Base) Priority() int { return b.priority }
func (b *Base) Abort() bool { return b.abort }
func (b *Base) Wait() bool { return b.wait }

// invoke runs fn, blocking when wait is set. Errors and panics are logged
// and recorded; they never reach the caller.
func invoke(ctx context.Context, env Env, name string, wait bool, fn func(context.Context) error) {
	if !wait {
		ctx = context.WithoutCancel(ctx)
		go run(ctx, env, name, fn)
		return
	}
	run(ctx, env, name, fn)
}

func run(ctx context.Context, env Env, name string, fn func(context.Context) error) {
	start := time.Now()
	failed := false
	defer func() {
		if r := recover(); r != nil {
			failed = true
			env.logger().ErrorContext(ctx, "trigger handler panicked",
				"trigger", name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
		env.Metrics.RecordHandler(ctx, env.PluginID, name, time.Since(start), failed)
	}()
	if err := fn(ctx); err != nil {
		failed = true
		env.logger().ErrorContext(ctx, "trigger handler failed", "trigger", name, "error", err)
	}
}

// Prioritized is implemented by every trigger kind.
type Prioritized interface {
	Priority() int
}

// SortByPriority orders ts by descending priority, keeping registration
// order among equal priorities.
func SortByPriority[T Prioritized](ts []T) {
	slices.SortStableFunc(ts, func(a, b T) int {
		return cmp.Compare(b.Priority(), a.Priority())
	})
}
