// Package plugin bundles triggers with per-conversation interaction sessions
// and resolves one inbound event to at most one trigger chain.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/basket/yuzai/internal/event"
	"github.com/basket/yuzai/internal/otel"
	"github.com/basket/yuzai/internal/shared"
	"github.com/basket/yuzai/internal/trigger"
)

// Meta describes a plugin. ID must be unique across loaded plugins.
type Meta struct {
	ID          string
	Name        string
	Description string
	Priority    int
	Help        string
}

type Option func(*Plugin)

func WithLogger(l *slog.Logger) Option {
	return func(p *Plugin) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *otel.Metrics) Option {
	return func(p *Plugin) { p.metrics = m }
}

// SessionHandler receives the next message in an active interaction.
type SessionHandler func(ctx context.Context, ev *event.MessageEvent) error

type session struct {
	handler SessionHandler
	timer   *time.Timer
}

type Plugin struct {
	meta    Meta
	logger  *slog.Logger
	metrics *otel.Metrics

	mu        sync.Mutex
	messages  []*trigger.Message
	notices   []*trigger.Notice
	connects  []*trigger.Connect
	schedules []*trigger.Schedule
	sessions  map[string]*session
}

func New(meta Meta, opts ...Option) *Plugin {
	if meta.Name == "" {
		meta.Name = meta.ID
	}
	p := &Plugin{
		meta:     meta,
		logger:   slog.Default(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "plugin", "plugin", meta.ID)
	return p
}

func (p *Plugin) ID() string { return p.meta.ID }
func (p *Plugin) Meta() Meta { return p.meta }
func (p *Plugin) Priority() int { return p.meta.Priority }

// Logger returns the plugin-scoped logger.
func (p *Plugin) Logger() *slog.Logger { return p.logger }

// SetMetrics attaches instruments after construction; the dispatcher calls it on load.
func (p *Plugin) SetMetrics(m *otel.Metrics) {
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

func (p *Plugin) env() trigger.Env {
	p.mu.Lock()
	defer p.mu.Unlock()
	return trigger.Env{Logger: p.logger, Metrics: p.metrics, PluginID: p.meta.ID}
}

func (p *Plugin) rejected(kind, name string, err error) {
	p.logger.Error("trigger registration rejected", "kind", kind, "trigger", name, "error", err)
}

// OnMessage registers a message trigger. Invalid triggers are logged and dropped.
func (p *Plugin) OnMessage(name string, h trigger.MessageHandler, opts ...trigger.Option) *Plugin {
	t, err := trigger.NewMessage(name, h, opts...)
	if err != nil {
		p.rejected("message", name, err)
		return p
	}
	p.mu.Lock()
	p.messages = append(p.messages, t)
	p.mu.Unlock()
	return p
}

func (p *Plugin) OnNotice(name string, h trigger.NoticeHandler, opts ...trigger.Option) *Plugin {
	t, err := trigger.NewNotice(name, h, opts...)
	if err != nil {
		p.rejected("notice", name, err)
		return p
	}
	p.mu.Lock()
	p.notices = append(p.notices, t)
	p.mu.Unlock()
	return p
}

func (p *Plugin) OnConnect(name string, h trigger.ConnectHandler) *Plugin {
	t, err := trigger.NewConnect(name, h)
	if err != nil {
		p.rejected("connect", name, err)
		return p
	}
	p.mu.Lock()
	p.connects = append(p.connects, t)
	p.mu.Unlock()
	return p
}

// OnSchedule registers a cron trigger. The dispatcher hands schedules to its
// scheduler when the plugin is loaded.
func (p *Plugin) OnSchedule(name, spec string, h trigger.ScheduleHandler, opts ...trigger.Option) *Plugin {
	t, err := trigger.NewSchedule(name, spec, h, opts...)
	if err != nil {
		p.rejected("schedule", name, err)
		return p
	}
	p.mu.Lock()
	p.schedules = append(p.schedules, t)
	p.mu.Unlock()
	return p
}

// Schedules returns the registered schedule triggers.
func (p *Plugin) Schedules() []*trigger.Schedule {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*trigger.Schedule, len(p.schedules))
	copy(out, p.schedules)
	return out
}

// MessageTriggers returns message triggers in evaluation order.
func (p *Plugin) MessageTriggers() []*trigger.Message {
	p.mu.Lock()
	out := make([]*trigger.Message, len(p.messages))
	copy(out, p.messages)
	p.mu.Unlock()
	trigger.SortByPriority(out)
	return out
}

func (p *Plugin) noticeTriggers() []*trigger.Notice {
	p.mu.Lock()
	out := make([]*trigger.Notice, len(p.notices))
	copy(out, p.notices)
	p.mu.Unlock()
	trigger.SortByPriority(out)
	return out
}

// RunSchedule executes one firing of s under this plugin's logger and metrics.
func (p *Plugin) RunSchedule(ctx context.Context, s *trigger.Schedule) {
	s.Run(shared.WithPluginID(ctx, p.meta.ID), p.env())
}

// OnMessageEvent offers ev to the plugin and reports whether dispatch to
// later plugins should stop. An active session for the conversation takes
// the message before any trigger is evaluated.
func (p *Plugin) OnMessageEvent(ctx context.Context, ev *event.MessageEvent) bool {
	ctx = shared.WithPluginID(ctx, p.meta.ID)

	key, err := event.ConversationKey(ev.Message)
	if err != nil {
		p.logger.ErrorContext(ctx, "conversation key unresolved", "error", err)
	} else {
		p.mu.Lock()
		s := p.sessions[key]
		p.mu.Unlock()
		if s != nil {
			go p.deliver(context.WithoutCancel(ctx), key, s, ev)
			return true
		}
	}

	env := p.env()
	for _, t := range p.MessageTriggers() {
		if t.Handle(ctx, ev, env) {
			return true
		}
	}
	return false
}

func (p *Plugin) deliver(ctx context.Context, key string, s *session, ev *event.MessageEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "interaction handler panicked",
				"conversation", key,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		p.logger.ErrorContext(ctx, "interaction handler failed", "conversation", key, "error", err)
	}
}

// OnNoticeEvent mirrors OnMessageEvent without the session short-circuit.
func (p *Plugin) OnNoticeEvent(ctx context.Context, ev *event.NoticeEvent) bool {
	ctx = shared.WithPluginID(ctx, p.meta.ID)
	env := p.env()
	for _, t := range p.noticeTriggers() {
		if t.Handle(ctx, ev, env) {
			return true
		}
	}
	return false
}

// OnConnectEvent fires every connect trigger.
func (p *Plugin) OnConnectEvent(ctx context.Context, ev *event.ConnectEvent) {
	ctx = shared.WithPluginID(ctx, p.meta.ID)
	env := p.env()
	p.mu.Lock()
	connects := make([]*trigger.Connect, len(p.connects))
	copy(connects, p.connects)
	p.mu.Unlock()
	for _, t := range connects {
		t.Fire(ctx, ev, env)
	}
}
