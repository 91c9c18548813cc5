// Package event holds the normalized inbound message and notice model shared
// by adapters, the dispatcher and plugins.
package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scope identifies the delivery channel of a message.
type Scope string

const (
	// ScopeAny is the wildcard scope matching every delivery channel.
	ScopeAny     Scope = "message"
	ScopePrivate Scope = "message.private"
	ScopeGroup   Scope = "message.group"
	ScopeGuild   Scope = "message.guild"
)

// Common notice kinds. Adapters may emit others.
const (
	NoticeAny           = "notice"
	NoticeGroupIncrease = "notice.group_increase"
	NoticeGroupDecrease = "notice.group_decrease"
	NoticeFriendAdd     = "notice.friend_add"
)

var ErrNoConversation = errors.New("event: conversation key unresolvable")

// Message is the platform-independent rendering of an inbound message.
type Message struct {
	ID         string
	Platform   string
	Scope      Scope
	SenderID   string
	SenderName string
	GroupID    string
	GuildID    string
	ChannelID  string
	Text       string
	Time       time.Time
	// Raw carries the adapter's native payload for handlers that need it.
	Raw any
}

// String returns the plain-text rendering matched by message triggers.
func (m *Message) String() string {
	if m == nil {
		return ""
	}
	return m.Text
}

// ConversationKey derives the interaction-session key for msg.
func ConversationKey(msg *Message) (string, error) {
	if msg == nil || msg.SenderID == "" {
		return "", ErrNoConversation
	}
	switch msg.Scope {
	case ScopePrivate:
		return "private:" + msg.SenderID, nil
	case ScopeGroup:
		if msg.GroupID == "" {
			return "", fmt.Errorf("%w: group message without group id", ErrNoConversation)
		}
		return "group:" + msg.SenderID + ":" + msg.GroupID, nil
	case ScopeGuild:
		if msg.GuildID == "" || msg.ChannelID == "" {
			return "", fmt.Errorf("%w: guild message without guild/channel id", ErrNoConversation)
		}
		return "guild:" + msg.SenderID + ":" + msg.GuildID + ":" + msg.ChannelID, nil
	default:
		return "", fmt.Errorf("%w: scope %q", ErrNoConversation, msg.Scope)
	}
}

// Replier sends outbound messages through the adapter an event arrived on.
type Replier interface {
	SendPrivateMessage(ctx context.Context, userID, text string) (string, error)
	SendGroupMessage(ctx context.Context, groupID, text string) (string, error)
	SendGuildMessage(ctx context.Context, guildID, channelID, text string) (string, error)
	RecallMessage(ctx context.Context, messageID string) (bool, error)
}

// MessageEvent is one inbound message offered to plugins.
type MessageEvent struct {
	ID      string
	Message *Message
	Replier Replier
}

func NewMessageEvent(msg *Message, r Replier) *MessageEvent {
	return &MessageEvent{ID: uuid.NewString(), Message: msg, Replier: r}
}

// Reply sends text back to the conversation the message came from.
func (e *MessageEvent) Reply(ctx context.Context, text string) (string, error) {
	if e.Replier == nil {
		return "", errors.New("event: no replier attached")
	}
	return ReplyTo(ctx, e.Replier, e.Message, text)
}

// Recall retracts a previously sent message.
func (e *MessageEvent) Recall(ctx context.Context, messageID string) (bool, error) {
	if e.Replier == nil {
		return false, errors.New("event: no replier attached")
	}
	return e.Replier.RecallMessage(ctx, messageID)
}

// ReplyTo routes text to msg's origin by scope.
func ReplyTo(ctx context.Context, r Replier, msg *Message, text string) (string, error) {
	if msg == nil {
		return "", ErrNoConversation
	}
	switch msg.Scope {
	case ScopePrivate:
		return r.SendPrivateMessage(ctx, msg.SenderID, text)
	case ScopeGroup:
		return r.SendGroupMessage(ctx, msg.GroupID, text)
	case ScopeGuild:
		return r.SendGuildMessage(ctx, msg.GuildID, msg.ChannelID, text)
	default:
		return "", fmt.Errorf("%w: scope %q", ErrNoConversation, msg.Scope)
	}
}

// NoticeEvent is a non-message platform event such as a member joining.
type NoticeEvent struct {
	ID       string
	Kind     string
	Data     map[string]any
	Platform string
	Replier  Replier
}

func NewNoticeEvent(kind string, data map[string]any, platform string, r Replier) *NoticeEvent {
	return &NoticeEvent{ID: uuid.NewString(), Kind: kind, Data: data, Platform: platform, Replier: r}
}

// String returns a Data field as a string, or "" when absent.
func (e *NoticeEvent) String(key string) string {
	if e == nil || e.Data == nil {
		return ""
	}
	switch v := e.Data[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ConnectEvent signals that an adapter finished connecting.
type ConnectEvent struct {
	ID       string
	Platform string
	Replier  Replier
}

func NewConnectEvent(platform string, r Replier) *ConnectEvent {
	return &ConnectEvent{ID: uuid.NewString(), Platform: platform, Replier: r}
}
