package plugin

import (
	"context"
	"time"

	"github.com/basket/yuzai/internal/event"
)

// StartInteract opens a session for ev's conversation, replacing any existing
// one. With timeout > 0 the session expires and timeoutMessage (if set) is
// sent back to the conversation.
func (p *Plugin) StartInteract(ev *event.MessageEvent, h SessionHandler, timeout time.Duration, timeoutMessage string) error {
	key, err := event.ConversationKey(ev.Message)
	if err != nil {
		p.logger.Error("start interaction: conversation key unresolved", "error", err)
		return err
	}

	s := &session{handler: h}
	p.mu.Lock()
	old := p.sessions[key]
	if old != nil && old.timer != nil {
		old.timer.Stop()
	}
	p.sessions[key] = s
	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() { p.expire(key, s, ev, timeoutMessage) })
	}
	metrics := p.metrics
	p.mu.Unlock()

	if old == nil {
		metrics.SessionDelta(context.Background(), p.meta.ID, 1)
	}
	p.logger.Debug("interaction started", "conversation", key, "timeout", timeout, "replaced", old != nil)
	return nil
}

// expire removes s if it still owns key. A replaced or finished session is a no-op.
func (p *Plugin) expire(key string, s *session, ev *event.MessageEvent, timeoutMessage string) {
	p.mu.Lock()
	if p.sessions[key] != s {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, key)
	metrics := p.metrics
	p.mu.Unlock()

	ctx := context.Background()
	metrics.SessionDelta(ctx, p.meta.ID, -1)
	p.logger.Info("interaction timed out", "conversation", key)
	if timeoutMessage == "" || ev.Replier == nil {
		return
	}
	if _, err := ev.Reply(ctx, timeoutMessage); err != nil {
		p.logger.Error("send interaction timeout notice", "conversation", key, "error", err)
	}
}

// FinishInteract ends the session for ev's conversation, if any.
func (p *Plugin) FinishInteract(ev *event.MessageEvent) {
	key, err := event.ConversationKey(ev.Message)
	if err != nil {
		return
	}
	p.mu.Lock()
	s, ok := p.sessions[key]
	if ok {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(p.sessions, key)
	}
	metrics := p.metrics
	p.mu.Unlock()
	if ok {
		metrics.SessionDelta(context.Background(), p.meta.ID, -1)
		p.logger.Debug("interaction finished", "conversation", key)
	}
}

// HasInteraction reports whether ev's conversation has an active session.
func (p *Plugin) HasInteraction(ev *event.MessageEvent) bool {
	key, err := event.ConversationKey(ev.Message)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[key]
	return ok
}

// Sessions returns the number of active sessions.
func (p *Plugin) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close cancels every pending session timer and drops all sessions.
func (p *Plugin) Close() {
	p.mu.Lock()
	n := len(p.sessions)
	for key, s := range p.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(p.sessions, key)
	}
	metrics := p.metrics
	p.mu.Unlock()
	if n > 0 {
		metrics.SessionDelta(context.Background(), p.meta.ID, int64(-n))
	}
}
