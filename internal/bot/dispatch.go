package bot

import (
	"context"

	"github.com/basket/yuzai/internal/event"
	"github.com/basket/yuzai/internal/otel"
	"github.com/basket/yuzai/internal/shared"
)

func (c *Client) eventContext(ctx context.Context, b *Bot, eventID string) context.Context {
	ctx = shared.WithEventID(ctx, eventID)
	return shared.WithBotID(ctx, b.ID())
}

// DispatchMessage offers msg to each plugin in dispatch order and stops at
// the first plugin that reports it handled. It returns whether any did.
func (c *Client) DispatchMessage(ctx context.Context, b *Bot, msg *event.Message) bool {
	ev := event.NewMessageEvent(msg, b)
	ctx = c.eventContext(ctx, b, ev.ID)
	ctx, span := otel.StartSpan(ctx, c.tracer, "bot.dispatch_message",
		otel.AttrBotID.String(b.ID()),
		otel.AttrEventKind.String(string(msg.Scope)),
	)
	defer span.End()
	c.metrics.RecordDispatch(ctx, string(msg.Scope))
	c.logger.DebugContext(ctx, "message received", "scope", msg.Scope, "sender", msg.SenderID)

	for _, p := range c.Plugins() {
		if p.OnMessageEvent(ctx, ev) {
			span.SetAttributes(otel.AttrPluginID.String(p.ID()))
			return true
		}
	}
	return false
}

// DispatchNotice mirrors DispatchMessage for platform notices.
func (c *Client) DispatchNotice(ctx context.Context, b *Bot, kind string, data map[string]any) bool {
	ev := event.NewNoticeEvent(kind, data, b.ID(), b)
	ctx = c.eventContext(ctx, b, ev.ID)
	ctx, span := otel.StartSpan(ctx, c.tracer, "bot.dispatch_notice",
		otel.AttrBotID.String(b.ID()),
		otel.AttrEventKind.String(kind),
	)
	defer span.End()
	c.metrics.RecordDispatch(ctx, kind)
	c.logger.DebugContext(ctx, "notice received", "kind", kind)

	for _, p := range c.Plugins() {
		if p.OnNoticeEvent(ctx, ev) {
			span.SetAttributes(otel.AttrPluginID.String(p.ID()))
			return true
		}
	}
	return false
}

// DispatchConnect fires every plugin's connect triggers.
func (c *Client) DispatchConnect(ctx context.Context, b *Bot) {
	ev := event.NewConnectEvent(b.ID(), b)
	ctx = c.eventContext(ctx, b, ev.ID)
	c.metrics.RecordDispatch(ctx, "connect")
	c.logger.InfoContext(ctx, "adapter connected", "bot", b.ID())
	for _, p := range c.Plugins() {
		p.OnConnectEvent(ctx, ev)
	}
}
