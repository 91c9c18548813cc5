// Package adapter defines the contract between messaging-platform
// integrations and the dispatcher. Only Adapter is required; the remaining
// interfaces are optional capabilities discovered by type assertion.
package adapter

import (
	"context"
	"errors"

	"github.com/basket/yuzai/internal/event"
)

var ErrUnsupported = errors.New("adapter: capability not supported")

// Sink receives normalized platform events. The dispatcher's Bot implements it.
type Sink interface {
	OnMessage(ctx context.Context, msg *event.Message)
	OnNotice(ctx context.Context, kind string, data map[string]any)
	OnConnect(ctx context.Context)
}

// Adapter defines the interface for a messaging platform integration.
type Adapter interface {
	// Name returns the unique name of the adapter instance (e.g., "telegram").
	Name() string

	// Start delivers events to sink until ctx is canceled or a fatal error occurs.
	Start(ctx context.Context, sink Sink) error

	SendPrivateMessage(ctx context.Context, userID, text string) (string, error)
	SendGroupMessage(ctx context.Context, groupID, text string) (string, error)
}

// Recaller can retract a message it previously sent.
type Recaller interface {
	RecallMessage(ctx context.Context, messageID string) (bool, error)
}

// GuildSender can post into a guild channel.
type GuildSender interface {
	SendGuildMessage(ctx context.Context, guildID, channelID, text string) (string, error)
}

type Group struct {
	ID   string
	Name string
}

// GroupLister can enumerate the groups the bot is a member of.
type GroupLister interface {
	GroupList(ctx context.Context) ([]Group, error)
}
