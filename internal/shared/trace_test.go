package shared

import (
	"context"
	"testing"
)

func TestEventID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := EventID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	id := NewEventID()
	ctx = WithEventID(ctx, id)
	if got := EventID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestPluginID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := PluginID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithPluginID(ctx, "help")
	if got := PluginID(ctx); got != "help" {
		t.Fatalf("expected help, got %q", got)
	}
}

func TestBotID_RoundTrip(t *testing.T) {
	ctx := WithBotID(context.Background(), "telegram-1")
	if got := BotID(ctx); got != "telegram-1" {
		t.Fatalf("expected telegram-1, got %q", got)
	}
}
