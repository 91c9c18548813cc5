// Package note provides the built-in #note command: a per-user note kept in
// the storage-sqlite extension, entered through an interaction session.
package note

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/yuzai/internal/bot"
	"github.com/basket/yuzai/internal/event"
	"github.com/basket/yuzai/internal/extension"
	"github.com/basket/yuzai/internal/plugin"
	"github.com/basket/yuzai/internal/storage"
)

const (
	Name      = "note"
	namespace = "note"
)

// Store is the subset of *storage.Store the plugin needs.
type Store interface {
	Set(ctx context.Context, namespace, key, val string) error
	Get(ctx context.Context, namespace, key string) (string, bool, error)
	Delete(ctx context.Context, namespace, key string) (bool, error)
}

type settings struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	TimeoutMessage string `yaml:"timeout_message"`
}

func (s settings) timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Module resolves the store from the client's extension loader on first use.
func Module(_ context.Context, env bot.ModuleEnv) ([]*plugin.Plugin, error) {
	loader := env.Client.Extensions()
	return New(env, func(ctx context.Context) (Store, error) {
		if loader == nil {
			return nil, fmt.Errorf("note: no extension loader configured")
		}
		return extension.Get[*storage.Store](ctx, loader, storage.ExtensionName)
	})
}

// New builds the note plugin over an explicit store resolver.
func New(env bot.ModuleEnv, store func(ctx context.Context) (Store, error)) ([]*plugin.Plugin, error) {
	s := settings{TimeoutSeconds: 60, TimeoutMessage: "Note entry timed out."}
	if err := env.Settings.Decode(&s); err != nil {
		return nil, fmt.Errorf("note settings: %w", err)
	}
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = 60
	}

	p := plugin.New(plugin.Meta{
		ID:          Name,
		Name:        "Note",
		Description: "Keeps one note per user",
		Help: "#note starts note entry; your next message is saved.\n" +
			"#note <text> saves directly. #note show, #note clear, #note cancel.",
	}, plugin.WithLogger(env.Logger))

	save := func(ctx context.Context, ev *event.MessageEvent, text string) error {
		st, err := store(ctx)
		if err != nil {
			return err
		}
		if err := st.Set(ctx, namespace, owner(ev.Message), text); err != nil {
			return fmt.Errorf("save note: %w", err)
		}
		_, err = ev.Reply(ctx, "Note saved.")
		return err
	}

	var entry plugin.SessionHandler
	var command func(ctx context.Context, ev *event.MessageEvent, arg string) error

	entry = func(ctx context.Context, ev *event.MessageEvent) error {
		text := strings.TrimSpace(ev.Message.String())
		if arg, ok := commandArg(text); ok {
			// A #note command ends entry instead of being saved as text.
			p.FinishInteract(ev)
			if arg == "cancel" {
				_, err := ev.Reply(ctx, "Note entry cancelled.")
				return err
			}
			return command(ctx, ev, arg)
		}
		if text == "" {
			return p.StartInteract(ev, entry, s.timeout(), s.TimeoutMessage)
		}
		p.FinishInteract(ev)
		return save(ctx, ev, text)
	}

	command = func(ctx context.Context, ev *event.MessageEvent, arg string) error {
		switch arg {
		case "":
			if err := p.StartInteract(ev, entry, s.timeout(), s.TimeoutMessage); err != nil {
				return err
			}
			_, err := ev.Reply(ctx, "Send the note text, or #note cancel.")
			return err
		case "cancel":
			_, err := ev.Reply(ctx, "Nothing to cancel.")
			return err
		case "show":
			st, err := store(ctx)
			if err != nil {
				return err
			}
			val, ok, err := st.Get(ctx, namespace, owner(ev.Message))
			if err != nil {
				return fmt.Errorf("load note: %w", err)
			}
			if !ok {
				val = "No note saved."
			}
			_, err = ev.Reply(ctx, val)
			return err
		case "clear":
			st, err := store(ctx)
			if err != nil {
				return err
			}
			removed, err := st.Delete(ctx, namespace, owner(ev.Message))
			if err != nil {
				return fmt.Errorf("clear note: %w", err)
			}
			reply := "No note saved."
			if removed {
				reply = "Note cleared."
			}
			_, err = ev.Reply(ctx, reply)
			return err
		default:
			return save(ctx, ev, arg)
		}
	}

	p.OnMessage("note", func(ctx context.Context, ev *event.MessageEvent) error {
		arg, _ := commandArg(strings.TrimSpace(ev.Message.String()))
		return command(ctx, ev, arg)
	})

	return []*plugin.Plugin{p}, nil
}

// owner keys notes by platform and sender so a user shares one note across
// conversations on the same platform.
func owner(msg *event.Message) string {
	return msg.Platform + ":" + msg.SenderID
}

// commandArg reports whether text is a #note command and returns its
// argument.
func commandArg(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || fields[0] != "#note" {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(text, "#note")), true
}
