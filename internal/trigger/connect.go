package trigger

import (
	"context"
	"fmt"

	"github.com/basket/yuzai/internal/event"
)

type ConnectHandler func(ctx context.Context, ev *event.ConnectEvent) error

// Connect fires on every adapter connect. Priority, abort and wait are ignored.
type Connect struct {
	Base
	handler ConnectHandler
}

func NewConnect(name string, h ConnectHandler, opts ...Option) (*Connect, error) {
	if h == nil {
		return nil, fmt.Errorf("trigger %q: nil handler", name)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Connect{Base: newBase(name, o), handler: h}, nil
}

// Fire starts the handler on its own goroutine and returns immediately.
func (t *Connect) Fire(ctx context.Context, ev *event.ConnectEvent, env Env) {
	invoke(ctx, env, t.name, false, func(ctx context.Context) error {
		return t.handler(ctx, ev)
	})
}
