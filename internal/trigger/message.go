package trigger

import (
	"context"
	"fmt"
	"regexp"

	"github.com/basket/yuzai/internal/event"
)

type MessageHandler func(ctx context.Context, ev *event.MessageEvent) error

// WithCommand derives the match pattern ^#{command}($|\s+.*) instead of using the name.
func WithCommand(command string) Option { return func(o *options) { o.command = command } }

// WithRegex sets an explicit pattern tested against the message text.
func WithRegex(pattern string) Option { return func(o *options) { o.regex = pattern } }

// WithMatcher replaces the pattern predicate entirely.
func WithMatcher(fn func(*event.MessageEvent) bool) Option {
	return func(o *options) { o.matcher = fn }
}

// WithScopes restricts a message trigger to the given delivery channels.
func WithScopes(scopes ...event.Scope) Option {
	return func(o *options) { o.scopes = append(o.scopes, scopes...) }
}

// Message matches inbound messages by scope and predicate.
type Message struct {
	Base
	scopes  map[event.Scope]struct{}
	pattern *regexp.Regexp
	match   func(*event.MessageEvent) bool
	handler MessageHandler
}

// CommandPattern returns the default pattern for a command word. The word is
// matched literally; it is also used for the trigger name when neither
// WithCommand nor WithRegex is given.
func CommandPattern(command string) string {
	return `^#` + regexp.QuoteMeta(command) + `($|\s+.*)`
}

func NewMessage(name string, h MessageHandler, opts ...Option) (*Message, error) {
	if name == "" {
		return nil, fmt.Errorf("trigger: message trigger requires a name")
	}
	if h == nil {
		return nil, fmt.Errorf("trigger %q: nil handler", name)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	t := &Message{
		Base:    newBase(name, o),
		scopes:  make(map[event.Scope]struct{}),
		handler: h,
	}
	if len(o.scopes) == 0 {
		o.scopes = []event.Scope{event.ScopeAny}
	}
	for _, s := range o.scopes {
		t.scopes[s] = struct{}{}
	}

	switch {
	case o.matcher != nil:
		t.match = o.matcher
	default:
		pattern := CommandPattern(name)
		if o.regex != "" {
			pattern = o.regex
		} else if o.command != "" {
			pattern = CommandPattern(o.command)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("trigger %q: compile pattern: %w", name, err)
		}
		t.pattern = re
		t.match = func(ev *event.MessageEvent) bool {
			return re.MatchString(ev.Message.String())
		}
	}
	return t, nil
}

// Pattern returns the compiled match pattern, or nil when a custom matcher is set.
func (t *Message) Pattern() *regexp.Regexp { return t.pattern }

// InScope reports whether the trigger accepts messages delivered on scope.
func (t *Message) InScope(scope event.Scope) bool {
	if _, ok := t.scopes[event.ScopeAny]; ok {
		return true
	}
	_, ok := t.scopes[scope]
	return ok
}

// Matches evaluates scope then predicate without side effects.
func (t *Message) Matches(ev *event.MessageEvent) bool {
	if ev == nil || ev.Message == nil {
		return false
	}
	if !t.InScope(ev.Message.Scope) {
		return false
	}
	return t.match(ev)
}

// Handle runs the handler when ev matches and returns whether the caller
// should stop evaluating further triggers.
func (t *Message) Handle(ctx context.Context, ev *event.MessageEvent, env Env) bool {
	if !t.Matches(ev) {
		return false
	}
	invoke(ctx, env, t.name, t.wait, func(ctx context.Context) error {
		return t.handler(ctx, ev)
	})
	return t.abort
}
