package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/yuzai/internal/cron"
)

type ScheduleHandler func(ctx context.Context) error

// Schedule runs its handler on a cron expression instead of matching events.
type Schedule struct {
	Base
	spec    string
	handler ScheduleHandler
}

// NewSchedule validates spec up front so bad expressions are rejected at registration.
func NewSchedule(name, spec string, h ScheduleHandler, opts ...Option) (*Schedule, error) {
	if h == nil {
		return nil, fmt.Errorf("trigger %q: nil handler", name)
	}
	if err := cron.Validate(spec); err != nil {
		return nil, fmt.Errorf("trigger %q: invalid cron %q: %w", name, spec, err)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Schedule{Base: newBase(name, o), spec: spec, handler: h}, nil
}

func (t *Schedule) Spec() string { return t.spec }

// Run executes one firing and logs its elapsed time.
func (t *Schedule) Run(ctx context.Context, env Env) {
	start := time.Now()
	env.logger().InfoContext(ctx, "schedule started", "trigger", t.name, "cron", t.spec)
	run(ctx, env, t.name, func(ctx context.Context) error {
		return t.handler(ctx)
	})
	env.logger().InfoContext(ctx, "schedule finished", "trigger", t.name, "elapsed_ms", time.Since(start).Milliseconds())
}
