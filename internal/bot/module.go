package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/basket/yuzai/internal/otel"
	"github.com/basket/yuzai/internal/plugin"
)

var (
	ErrUnknownModule   = errors.New("bot: unknown module")
	ErrModuleLoaded    = errors.New("bot: module already loaded")
	ErrDuplicatePlugin = errors.New("bot: duplicate plugin id")
	ErrLoadTimeout     = errors.New("bot: module load timed out")
)

// Settings is a module's optional settings document.
type Settings struct {
	node *yaml.Node
}

// Decode unmarshals the settings into v. Absent settings leave v untouched.
func (s Settings) Decode(v any) error {
	if s.node == nil {
		return nil
	}
	return s.node.Decode(v)
}

// Present reports whether a settings file existed.
func (s Settings) Present() bool { return s.node != nil }

// ModuleEnv is handed to a ModuleFunc on every load.
type ModuleEnv struct {
	Name     string
	Settings Settings
	Logger   *slog.Logger
	Client   *Client
}

// ModuleFunc builds the plugins a module contributes. It is called again on
// every reload and must return fresh plugin values.
type ModuleFunc func(ctx context.Context, env ModuleEnv) ([]*plugin.Plugin, error)

// RegisterModule makes name loadable. Registering a name twice replaces the
// constructor; already-loaded plugins are untouched until the next reload.
func (c *Client) RegisterModule(name string, fn ModuleFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry[name]; !ok {
		c.moduleOrder = append(c.moduleOrder, name)
	}
	c.registry[name] = fn
}

// Modules returns registered module names in registration order.
func (c *Client) Modules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.moduleOrder...)
}

// Loaded reports whether module name currently contributes plugins.
func (c *Client) Loaded(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded[name]
}

func (c *Client) readSettings(name string) (Settings, error) {
	if c.pluginsDir == "" {
		return Settings{}, nil
	}
	data, err := os.ReadFile(c.settingsPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", c.settingsPath(name), err)
	}
	if doc.Kind == 0 {
		return Settings{}, nil
	}
	return Settings{node: &doc}, nil
}

// build runs the module constructor under the load timeout. A constructor
// still running when the timeout fires is abandoned.
func (c *Client) build(ctx context.Context, name string) ([]*plugin.Plugin, error) {
	c.mu.RLock()
	fn, ok := c.registry[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	settings, err := c.readSettings(name)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", name, err)
	}
	env := ModuleEnv{
		Name:     name,
		Settings: settings,
		Logger:   c.logger.With("module", name),
		Client:   c,
	}

	ctx, cancel := context.WithTimeout(ctx, c.loadTimeout)
	defer cancel()

	type result struct {
		plugins []*plugin.Plugin
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("module constructor panicked",
					"module", name,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				ch <- result{err: fmt.Errorf("module %s panicked: %v", name, r)}
			}
		}()
		ps, err := fn(ctx, env)
		ch <- result{plugins: ps, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("module %s: %w", name, res.err)
		}
		return res.plugins, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrLoadTimeout, name, c.loadTimeout)
		}
		return nil, ctx.Err()
	}
}

// LoadModule constructs module name and registers its plugins and schedules.
// A plugin whose id is already loaded is rejected and the existing one kept;
// the returned error then wraps ErrDuplicatePlugin while the module's other
// plugins stay loaded.
func (c *Client) LoadModule(ctx context.Context, name string) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	if c.Loaded(name) {
		return fmt.Errorf("%w: %s", ErrModuleLoaded, name)
	}

	ctx, span := otel.StartSpan(ctx, c.tracer, "bot.load_module", otel.AttrModule.String(name))
	defer span.End()

	plugins, err := c.build(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("module load failed", "module", name, "error", err)
		return err
	}

	err = c.install(name, plugins, false)
	c.logger.Info("module loaded", "module", name, "plugins", len(plugins))
	return err
}

// ReloadModule rebuilds module name. Plugins keeping their id are replaced
// in place, so dispatch order among equal priorities is preserved; plugins
// the module no longer returns are dropped. Schedules are recreated.
func (c *Client) ReloadModule(ctx context.Context, name string) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	ctx, span := otel.StartSpan(ctx, c.tracer, "bot.reload_module", otel.AttrModule.String(name))
	defer span.End()

	plugins, err := c.build(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("module reload failed, keeping previous plugins", "module", name, "error", err)
		return err
	}

	c.scheduler.RemoveOwner(name)
	err = c.install(name, plugins, true)
	c.logger.Info("module reloaded", "module", name, "plugins", len(plugins))
	return err
}

// UnloadModule removes module name's plugins and schedules.
func (c *Client) UnloadModule(name string) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.mu.Lock()
	if !c.loaded[name] {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s not loaded", ErrUnknownModule, name)
	}
	var removed []*plugin.Plugin
	kept := c.plugins[:0]
	for _, lp := range c.plugins {
		if lp.module == name {
			removed = append(removed, lp.p)
			continue
		}
		kept = append(kept, lp)
	}
	c.plugins = kept
	delete(c.loaded, name)
	c.mu.Unlock()

	c.scheduler.RemoveOwner(name)
	for _, p := range removed {
		p.Close()
	}
	c.logger.Info("module unloaded", "module", name, "plugins", len(removed))
	return nil
}

// LoadModules loads names in order. Failures are isolated: every module is
// attempted and the errors are joined.
func (c *Client) LoadModules(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		if err := c.LoadModule(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReloadAll reloads every loaded module and loads any listed in Modules that
// are not yet loaded.
func (c *Client) ReloadAll(ctx context.Context) error {
	var errs []error
	for _, name := range c.startupModules() {
		var err error
		if c.Loaded(name) {
			err = c.ReloadModule(ctx, name)
		} else {
			err = c.LoadModule(ctx, name)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) startupModules() []string {
	if len(c.modules) > 0 {
		return append([]string(nil), c.modules...)
	}
	return c.Modules()
}

// install merges plugins into the registry under module. With replace set,
// the module's previous plugins are swapped out. Caller holds loadMu.
func (c *Client) install(module string, plugins []*plugin.Plugin, replace bool) error {
	var errs []error
	var accepted, dropped []*plugin.Plugin

	c.mu.Lock()
	incoming := make(map[string]bool, len(plugins))
	for _, p := range plugins {
		if p == nil {
			continue
		}
		id := p.ID()
		if incoming[id] {
			errs = append(errs, fmt.Errorf("%w: %s repeated in module %s", ErrDuplicatePlugin, id, module))
			dropped = append(dropped, p)
			continue
		}
		idx := c.indexLocked(id)
		switch {
		case idx < 0:
			c.plugins = append(c.plugins, loadedPlugin{p: p, module: module})
		case replace && c.plugins[idx].module == module:
			dropped = append(dropped, c.plugins[idx].p)
			c.plugins[idx].p = p
		default:
			errs = append(errs, fmt.Errorf("%w: %s (module %s) already loaded by module %s",
				ErrDuplicatePlugin, id, module, c.plugins[idx].module))
			dropped = append(dropped, p)
			continue
		}
		incoming[id] = true
		accepted = append(accepted, p)
	}
	if replace {
		kept := c.plugins[:0]
		for _, lp := range c.plugins {
			if lp.module == module && !incoming[lp.p.ID()] {
				dropped = append(dropped, lp.p)
				continue
			}
			kept = append(kept, lp)
		}
		c.plugins = kept
	}
	c.loaded[module] = true
	c.mu.Unlock()

	for _, err := range errs {
		c.logger.Error("plugin rejected", "module", module, "error", err)
	}
	for _, p := range dropped {
		p.Close()
	}
	for _, p := range accepted {
		p.SetMetrics(c.metrics)
		for _, s := range p.Schedules() {
			err := c.scheduler.Add(module, p.ID()+"/"+s.Name(), s.Spec(), func(ctx context.Context) {
				p.RunSchedule(ctx, s)
			})
			if err != nil {
				c.logger.Error("schedule rejected", "module", module, "plugin", p.ID(), "error", err)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Client) indexLocked(id string) int {
	for i, lp := range c.plugins {
		if lp.p.ID() == id {
			return i
		}
	}
	return -1
}
