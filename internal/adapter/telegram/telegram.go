// Package telegram adapts the Telegram Bot API (long polling) to the
// adapter contract.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/yuzai/internal/adapter"
	"github.com/basket/yuzai/internal/event"
)

const platform = "telegram"

// botAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Config struct {
	Token string
	// AllowedIDs restricts which users may reach plugins. Empty allows everyone.
	AllowedIDs []int64
	Logger     *slog.Logger
}

// Adapter implements adapter.Adapter, adapter.Recaller and adapter.GroupLister.
type Adapter struct {
	token      string
	allowedIDs map[int64]struct{}
	logger     *slog.Logger

	mu     sync.Mutex
	bot    botAPI
	groups map[int64]string // chat id -> title, learned from updates

	// stallTimeout bounds silence on the update channel before reconnecting.
	stallTimeout time.Duration
	connect      func(token string) (botAPI, error)
}

func New(cfg Config) *Adapter {
	allowed := make(map[int64]struct{})
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		token:        cfg.Token,
		allowedIDs:   allowed,
		logger:       logger.With("component", "adapter", "adapter", platform),
		groups:       make(map[int64]string),
		stallTimeout: 150 * time.Second,
		connect: func(token string) (botAPI, error) {
			return tgbotapi.NewBotAPI(token)
		},
	}
}

func (a *Adapter) Name() string {
	return platform
}

func (a *Adapter) client() (botAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot == nil {
		return nil, errors.New("telegram: not connected")
	}
	return a.bot, nil
}

// Start connects and polls for updates, reconnecting with exponential backoff.
func (a *Adapter) Start(ctx context.Context, sink adapter.Sink) error {
	bot, err := a.connect(a.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	a.mu.Lock()
	a.bot = bot
	a.mu.Unlock()
	if api, ok := bot.(*tgbotapi.BotAPI); ok {
		a.logger.Info("telegram bot started", "user", api.Self.UserName)
	}
	sink.OnConnect(ctx)

	reconnect := newReconnectBackOff()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		delivered, pollErr := a.pollUpdates(ctx, updates, sink)

		// Always clean up the old polling goroutine before reconnecting.
		bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		wait := nextReconnect(reconnect, delivered > 0)
		a.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func newReconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	return b
}

// nextReconnect returns the wait before the next poll session. A session that
// delivered updates was healthy, so the backoff starts over.
func nextReconnect(b *backoff.ExponentialBackOff, healthy bool) time.Duration {
	if healthy {
		b.Reset()
	}
	return b.NextBackOff()
}

// pollUpdates reads until ctx is done (nil) or the channel closes or stalls
// (error). It reports how many updates arrived.
func (a *Adapter) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, sink adapter.Sink) (int, error) {
	delivered := 0
	timer := time.NewTimer(a.stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return delivered, nil
		case update, ok := <-updates:
			if !ok {
				return delivered, fmt.Errorf("update channel closed")
			}
			delivered++
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.stallTimeout)

			if update.Message != nil {
				a.handleMessage(ctx, update.Message, sink)
			}
		case <-timer.C:
			return delivered, fmt.Errorf("no updates received for %v (possible disconnect)", a.stallTimeout)
		}
	}
}

func (a *Adapter) allowed(u *tgbotapi.User) bool {
	if u == nil {
		return false
	}
	if len(a.allowedIDs) == 0 {
		return true
	}
	_, ok := a.allowedIDs[u.ID]
	return ok
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message, sink adapter.Sink) {
	if msg.Chat == nil {
		return
	}
	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		a.mu.Lock()
		a.groups[msg.Chat.ID] = msg.Chat.Title
		a.mu.Unlock()
	}

	groupID := strconv.FormatInt(msg.Chat.ID, 10)
	for _, member := range msg.NewChatMembers {
		sink.OnNotice(ctx, event.NoticeGroupIncrease, memberData(groupID, member))
	}
	if msg.LeftChatMember != nil {
		sink.OnNotice(ctx, event.NoticeGroupDecrease, memberData(groupID, *msg.LeftChatMember))
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return
	}
	if !a.allowed(msg.From) {
		if msg.From != nil {
			a.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		}
		return
	}

	out := &event.Message{
		ID:         formatMessageID(msg.Chat.ID, msg.MessageID),
		Platform:   platform,
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: displayName(msg.From),
		Text:       text,
		Time:       msg.Time(),
		Raw:        msg,
	}
	switch {
	case msg.Chat.IsPrivate():
		out.Scope = event.ScopePrivate
	case msg.Chat.IsGroup() || msg.Chat.IsSuperGroup():
		out.Scope = event.ScopeGroup
		out.GroupID = groupID
	default:
		return
	}
	sink.OnMessage(ctx, out)
}

func memberData(groupID string, u tgbotapi.User) map[string]any {
	return map[string]any{
		"group_id":  groupID,
		"user_id":   strconv.FormatInt(u.ID, 10),
		"user_name": displayName(&u),
		"is_bot":    u.IsBot,
	}
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func formatMessageID(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func parseMessageID(id string) (int64, int, error) {
	chat, msg, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("telegram: malformed message id %q", id)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: malformed chat id in %q: %w", id, err)
	}
	msgID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: malformed message id in %q: %w", id, err)
	}
	return chatID, msgID, nil
}

func (a *Adapter) send(chat, text string) (string, error) {
	bot, err := a.client()
	if err != nil {
		return "", err
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid chat id %q: %w", chat, err)
	}
	sent, err := bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return formatMessageID(chatID, sent.MessageID), nil
}

// SendPrivateMessage sends to a user; private chat ids equal user ids.
func (a *Adapter) SendPrivateMessage(_ context.Context, userID, text string) (string, error) {
	return a.send(userID, text)
}

func (a *Adapter) SendGroupMessage(_ context.Context, groupID, text string) (string, error) {
	return a.send(groupID, text)
}

// RecallMessage deletes a message by its "chatID:messageID" id.
func (a *Adapter) RecallMessage(_ context.Context, messageID string) (bool, error) {
	bot, err := a.client()
	if err != nil {
		return false, err
	}
	chatID, msgID, err := parseMessageID(messageID)
	if err != nil {
		return false, err
	}
	resp, err := bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID))
	if err != nil {
		return false, fmt.Errorf("telegram delete: %w", err)
	}
	return resp.Ok, nil
}

// GroupList returns the groups seen in updates since start. The Bot API has
// no call to enumerate memberships.
func (a *Adapter) GroupList(context.Context) ([]adapter.Group, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]adapter.Group, 0, len(a.groups))
	for id, title := range a.groups {
		out = append(out, adapter.Group{ID: strconv.FormatInt(id, 10), Name: title})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
