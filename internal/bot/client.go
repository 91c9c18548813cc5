// Package bot owns the plugin registry and the connected adapters, routes
// inbound events to plugins and sequences process startup and shutdown.
package bot

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/yuzai/internal/adapter"
	"github.com/basket/yuzai/internal/cron"
	"github.com/basket/yuzai/internal/extension"
	"github.com/basket/yuzai/internal/otel"
	"github.com/basket/yuzai/internal/plugin"
	"github.com/basket/yuzai/internal/trigger"
)

const (
	defaultLoadTimeout = 60 * time.Second
	defaultExitTimeout = 10 * time.Second
)

type Config struct {
	// PluginsDir holds per-module settings files named <module>.yaml.
	PluginsDir string
	// Modules lists the modules Run loads, in order. Empty loads every
	// registered module in registration order.
	Modules     []string
	LoadTimeout time.Duration
	ExitTimeout time.Duration

	Logger     *slog.Logger
	Metrics    *otel.Metrics
	Tracer     trace.Tracer
	Scheduler  *cron.Scheduler
	Extensions *extension.Loader

	// Exit terminates the process. Defaults to os.Exit.
	Exit           func(code int)
	DisableSignals bool
}

type loadedPlugin struct {
	p      *plugin.Plugin
	module string
}

type Client struct {
	pluginsDir     string
	modules        []string
	loadTimeout    time.Duration
	exitTimeout    time.Duration
	logger         *slog.Logger
	metrics        *otel.Metrics
	tracer         trace.Tracer
	scheduler      *cron.Scheduler
	extensions     *extension.Loader
	exit           func(code int)
	disableSignals bool

	loadMu sync.Mutex // serializes module load, reload and unload

	mu          sync.RWMutex
	registry    map[string]ModuleFunc
	moduleOrder []string
	loaded      map[string]bool
	plugins     []loadedPlugin // registration order
	bots        map[string]*Bot
	botOrder    []string
	ready       []func(ctx context.Context) error
	exitFns     []func(ctx context.Context) error
	cancelRun   context.CancelFunc

	exitOnce sync.Once
	done     chan struct{}
}

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = cron.NewScheduler(cron.Config{Logger: logger})
	}
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = defaultLoadTimeout
	}
	exitTimeout := cfg.ExitTimeout
	if exitTimeout <= 0 {
		exitTimeout = defaultExitTimeout
	}
	exit := cfg.Exit
	if exit == nil {
		exit = os.Exit
	}
	return &Client{
		pluginsDir:     cfg.PluginsDir,
		modules:        append([]string(nil), cfg.Modules...),
		loadTimeout:    loadTimeout,
		exitTimeout:    exitTimeout,
		logger:         logger.With("component", "bot"),
		metrics:        cfg.Metrics,
		tracer:         tracer,
		scheduler:      scheduler,
		extensions:     cfg.Extensions,
		exit:           exit,
		disableSignals: cfg.DisableSignals,
		registry:       make(map[string]ModuleFunc),
		loaded:         make(map[string]bool),
		bots:           make(map[string]*Bot),
		done:           make(chan struct{}),
	}
}

func (c *Client) Logger() *slog.Logger { return c.logger }

// Extensions returns the extension loader, or nil when none is configured.
func (c *Client) Extensions() *extension.Loader { return c.extensions }

func (c *Client) settingsPath(module string) string {
	return filepath.Join(c.pluginsDir, module+".yaml")
}

// Plugins returns the loaded plugins in dispatch order: descending
// priority, ties in registration order.
func (c *Client) Plugins() []*plugin.Plugin {
	c.mu.RLock()
	out := make([]*plugin.Plugin, len(c.plugins))
	for i, lp := range c.plugins {
		out[i] = lp.p
	}
	c.mu.RUnlock()
	trigger.SortByPriority(out)
	return out
}

// Plugin looks up a loaded plugin by id.
func (c *Client) Plugin(id string) (*plugin.Plugin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, lp := range c.plugins {
		if lp.p.ID() == id {
			return lp.p, true
		}
	}
	return nil, false
}

// AddAdapter attaches a and returns the Bot that fronts it. Adding a second
// adapter with the same name returns the existing Bot.
func (c *Client) AddAdapter(a adapter.Adapter) *Bot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bots[a.Name()]; ok {
		c.logger.Error("duplicate adapter name, keeping existing", "bot", a.Name())
		return b
	}
	b := &Bot{client: c, adapter: a}
	c.bots[a.Name()] = b
	c.botOrder = append(c.botOrder, a.Name())
	return b
}

// Bots returns attached bots in the order they were added.
func (c *Client) Bots() []*Bot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Bot, 0, len(c.botOrder))
	for _, name := range c.botOrder {
		out = append(out, c.bots[name])
	}
	return out
}

// Bot returns the bot for adapter name.
func (c *Client) Bot(name string) (*Bot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bots[name]
	return b, ok
}

func (c *Client) OnReady(fn func(ctx context.Context) error) {
	c.mu.Lock()
	c.ready = append(c.ready, fn)
	c.mu.Unlock()
}

// OnExit registers fn to run during GracefulExit. Handlers run concurrently
// and share the exit deadline carried by ctx.
func (c *Client) OnExit(fn func(ctx context.Context) error) {
	c.mu.Lock()
	c.exitFns = append(c.exitFns, fn)
	c.mu.Unlock()
}
