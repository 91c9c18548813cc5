// Package help provides the built-in #help command.
package help

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/yuzai/internal/bot"
	"github.com/basket/yuzai/internal/event"
	"github.com/basket/yuzai/internal/plugin"
	"github.com/basket/yuzai/internal/trigger"
)

const Name = "help"

type settings struct {
	Header   string `yaml:"header"`
	Priority int    `yaml:"priority"`
}

// Module lists loaded plugins for #help and shows one plugin's help text for
// #help <id>.
func Module(_ context.Context, env bot.ModuleEnv) ([]*plugin.Plugin, error) {
	s := settings{Header: "Available plugins:"}
	if err := env.Settings.Decode(&s); err != nil {
		return nil, fmt.Errorf("help settings: %w", err)
	}

	p := plugin.New(plugin.Meta{
		ID:          Name,
		Name:        "Help",
		Description: "Lists plugins and their usage",
		Priority:    s.Priority,
		Help:        "#help lists plugins. #help <id> shows usage for one plugin.",
	}, plugin.WithLogger(env.Logger))

	p.OnMessage("help", func(ctx context.Context, ev *event.MessageEvent) error {
		fields := strings.Fields(ev.Message.String())
		var text string
		if len(fields) > 1 {
			text = describe(env.Client, fields[1])
		} else {
			text = list(env.Client, s.Header)
		}
		_, err := ev.Reply(ctx, text)
		return err
	}, trigger.WithDescription("show plugin help"))

	return []*plugin.Plugin{p}, nil
}

func list(c *bot.Client, header string) string {
	var b strings.Builder
	b.WriteString(header)
	for _, p := range c.Plugins() {
		m := p.Meta()
		fmt.Fprintf(&b, "\n- %s", m.ID)
		if m.Description != "" {
			fmt.Fprintf(&b, ": %s", m.Description)
		}
	}
	return b.String()
}

func describe(c *bot.Client, id string) string {
	p, ok := c.Plugin(id)
	if !ok {
		return fmt.Sprintf("No plugin named %q.", id)
	}
	m := p.Meta()
	if m.Help == "" {
		return fmt.Sprintf("%s has no help text.", m.Name)
	}
	return m.Name + "\n" + m.Help
}
