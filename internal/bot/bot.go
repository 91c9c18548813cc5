package bot

import (
	"context"
	"fmt"

	"github.com/basket/yuzai/internal/adapter"
	"github.com/basket/yuzai/internal/event"
)

// Bot is one connected adapter instance. It is the adapter's Sink and the
// Replier attached to every event the adapter delivers.
type Bot struct {
	client  *Client
	adapter adapter.Adapter
}

func (b *Bot) ID() string { return b.adapter.Name() }
func (b *Bot) Adapter() adapter.Adapter { return b.adapter }

func (b *Bot) OnMessage(ctx context.Context, msg *event.Message) {
	b.client.DispatchMessage(ctx, b, msg)
}

func (b *Bot) OnNotice(ctx context.Context, kind string, data map[string]any) {
	b.client.DispatchNotice(ctx, b, kind, data)
}

func (b *Bot) OnConnect(ctx context.Context) {
	b.client.DispatchConnect(ctx, b)
}

func (b *Bot) SendPrivateMessage(ctx context.Context, userID, text string) (string, error) {
	return b.adapter.SendPrivateMessage(ctx, userID, text)
}

func (b *Bot) SendGroupMessage(ctx context.Context, groupID, text string) (string, error) {
	return b.adapter.SendGroupMessage(ctx, groupID, text)
}

// SendGuildMessage requires the adapter to implement adapter.GuildSender.
func (b *Bot) SendGuildMessage(ctx context.Context, guildID, channelID, text string) (string, error) {
	gs, ok := b.adapter.(adapter.GuildSender)
	if !ok {
		return "", fmt.Errorf("%s: guild messages: %w", b.ID(), adapter.ErrUnsupported)
	}
	return gs.SendGuildMessage(ctx, guildID, channelID, text)
}

// RecallMessage requires the adapter to implement adapter.Recaller.
func (b *Bot) RecallMessage(ctx context.Context, messageID string) (bool, error) {
	r, ok := b.adapter.(adapter.Recaller)
	if !ok {
		return false, fmt.Errorf("%s: recall: %w", b.ID(), adapter.ErrUnsupported)
	}
	return r.RecallMessage(ctx, messageID)
}

// GroupList requires the adapter to implement adapter.GroupLister.
func (b *Bot) GroupList(ctx context.Context) ([]adapter.Group, error) {
	gl, ok := b.adapter.(adapter.GroupLister)
	if !ok {
		return nil, fmt.Errorf("%s: group list: %w", b.ID(), adapter.ErrUnsupported)
	}
	return gl.GroupList(ctx)
}
