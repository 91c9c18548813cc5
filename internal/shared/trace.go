package shared

import (
	"context"

	"github.com/google/uuid"
)

type eventIDKey struct{}
type pluginIDKey struct{}
type botIDKey struct{}

// WithEventID attaches an event_id to the context.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventIDKey{}, eventID)
}

// EventID extracts event_id from context. Returns "-" if absent.
func EventID(ctx context.Context) string {
	if v, ok := ctx.Value(eventIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewEventID generates a new event_id.
func NewEventID() string {
	return uuid.NewString()
}

// WithPluginID attaches a plugin_id to the context.
func WithPluginID(ctx context.Context, pluginID string) context.Context {
	return context.WithValue(ctx, pluginIDKey{}, pluginID)
}

// PluginID extracts plugin_id from context. Returns "" if absent.
func PluginID(ctx context.Context) string {
	if v, ok := ctx.Value(pluginIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithBotID attaches a bot_id to the context.
func WithBotID(ctx context.Context, botID string) context.Context {
	return context.WithValue(ctx, botIDKey{}, botID)
}

// BotID extracts bot_id from context. Returns "" if absent.
func BotID(ctx context.Context) string {
	if v, ok := ctx.Value(botIDKey{}).(string); ok {
		return v
	}
	return ""
}
