package trigger

import (
	"context"
	"fmt"

	"github.com/basket/yuzai/internal/event"
)

type NoticeHandler func(ctx context.Context, ev *event.NoticeEvent) error

// WithNoticeKinds restricts a notice trigger to the given sub-kinds.
func WithNoticeKinds(kinds ...string) Option {
	return func(o *options) { o.noticeKinds = append(o.noticeKinds, kinds...) }
}

// Notice matches platform notices by kind.
type Notice struct {
	Base
	kinds   map[string]struct{}
	handler NoticeHandler
}

func NewNotice(name string, h NoticeHandler, opts ...Option) (*Notice, error) {
	if name == "" {
		return nil, fmt.Errorf("trigger: notice trigger requires a name")
	}
	if h == nil {
		return nil, fmt.Errorf("trigger %q: nil handler", name)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.noticeKinds) == 0 {
		o.noticeKinds = []string{event.NoticeAny}
	}
	t := &Notice{Base: newBase(name, o), kinds: make(map[string]struct{}), handler: h}
	for _, k := range o.noticeKinds {
		t.kinds[k] = struct{}{}
	}
	return t, nil
}

func (t *Notice) Matches(ev *event.NoticeEvent) bool {
	if ev == nil {
		return false
	}
	if _, ok := t.kinds[event.NoticeAny]; ok {
		return true
	}
	_, ok := t.kinds[ev.Kind]
	return ok
}

func (t *Notice) Handle(ctx context.Context, ev *event.NoticeEvent, env Env) bool {
	if !t.Matches(ev) {
		return false
	}
	invoke(ctx, env, t.name, t.wait, func(ctx context.Context) error {
		return t.handler(ctx, ev)
	})
	return t.abort
}
