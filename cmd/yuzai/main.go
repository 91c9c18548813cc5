package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/basket/yuzai/internal/adapter/telegram"
	"github.com/basket/yuzai/internal/bot"
	"github.com/basket/yuzai/internal/config"
	"github.com/basket/yuzai/internal/cron"
	"github.com/basket/yuzai/internal/deps"
	"github.com/basket/yuzai/internal/extension"
	"github.com/basket/yuzai/internal/otel"
	"github.com/basket/yuzai/internal/plugins/help"
	"github.com/basket/yuzai/internal/plugins/note"
	"github.com/basket/yuzai/internal/storage"
	"github.com/basket/yuzai/internal/telemetry"
	"github.com/basket/yuzai/internal/watcher"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

type options struct {
	configPath string
	home       string
	logLevel   string
	quiet      bool
	version    bool
	args       []string
}

func newFlagSet(out io.Writer, opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("yuzai", pflag.ContinueOnError)
	fs.SetOutput(out)
	// Flags after the subcommand belong to it.
	fs.SetInterspersed(false)
	fs.StringVarP(&opts.configPath, "config", "c", "", "config file (default: $YUZAI_HOME/config.yaml, then config.toml)")
	fs.StringVar(&opts.home, "home", "", "runtime home directory (default: $YUZAI_HOME or ~/.yuzai)")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level override: debug, info, warn, error")
	fs.BoolVarP(&opts.quiet, "quiet", "q", false, "log to the log file only")
	fs.BoolVar(&opts.version, "version", false, "print the version and exit")
	fs.Usage = func() {
		fmt.Fprintf(out, `Usage: yuzai [flags] [command]

COMMANDS:
  (none)                    Run the bot
  install <ext> [--force]   Install dependencies of one extension and exit

FLAGS:
`)
		fs.PrintDefaults()
		fmt.Fprint(out, `
ENVIRONMENT VARIABLES:
  YUZAI_HOME                  Data directory (default: ~/.yuzai)
  YUZAI_LOG_LEVEL             Log level
  YUZAI_EXIT_TIMEOUT_SECONDS  Hard shutdown deadline
  TELEGRAM_TOKEN              Telegram bot token
`)
	}
	return fs
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options
	fs := newFlagSet(out, &opts)
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.args = fs.Args()
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.version {
		fmt.Println("yuzai", Version)
		return
	}
	if opts.home != "" {
		if err := os.Setenv("YUZAI_HOME", opts.home); err != nil {
			fatalStartup(nil, "E_HOME_ENV", err)
		}
	}

	command := ""
	if len(opts.args) > 0 {
		command = strings.ToLower(strings.TrimSpace(opts.args[0]))
	}
	switch command {
	case "", "run":
	case "install":
	case "help":
		newFlagSet(os.Stdout, &options{}).Usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		os.Exit(2)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	// The install command reports on stdout itself; keep logs in the file.
	logger, closer, err := telemetry.NewLogger(telemetry.LoggerOptions{
		HomeDir: cfg.HomeDir,
		Level:   cfg.LogLevel,
		Quiet:   opts.quiet || command == "install",
	})
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Path, "home", cfg.HomeDir)

	ctx := context.Background()
	provider, err := otel.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	installer, err := openInstaller(cfg, logger, metrics, provider)
	if err != nil {
		fatalStartup(logger, "E_STATE_OPEN", err)
	}

	loader := extension.New(extension.Config{
		Dir:       cfg.Extensions.Dir,
		Installer: installer,
		Logger:    logger,
		Tracer:    provider.Tracer,
	})
	loader.Register(storage.ExtensionName, storage.Extension(cfg.Storage.Path))

	if command == "install" {
		code := runInstallCommand(ctx, installer, loader, opts.args[1:], os.Stdout, os.Stderr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = provider.Shutdown(shutdownCtx)
		cancel()
		closer.Close()
		os.Exit(code)
	}

	client := bot.New(bot.Config{
		PluginsDir:  cfg.Plugins.Dir,
		Modules:     cfg.Plugins.Enabled,
		LoadTimeout: cfg.Plugins.LoadTimeout(),
		ExitTimeout: cfg.ExitTimeout(),
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      provider.Tracer,
		Scheduler:   cron.NewScheduler(cron.Config{Logger: logger}),
		Extensions:  loader,
	})
	// Extensions are required infrastructure: a failed import ends the process.
	loader.SetFatal(client.Fatal)

	client.RegisterModule(help.Name, help.Module)
	client.RegisterModule(note.Name, note.Module)

	if tg := cfg.Adapters.Telegram; tg.Enabled {
		if tg.Token == "" {
			fatalStartup(logger, "E_TELEGRAM_TOKEN", errors.New("adapters.telegram.enabled is set but no token is configured"))
		}
		client.AddAdapter(telegram.New(telegram.Config{
			Token:      tg.Token,
			AllowedIDs: tg.AllowedIDs,
			Logger:     logger,
		}))
	} else {
		logger.Warn("no adapters enabled; the bot will only run schedules")
	}

	client.OnReady(func(ctx context.Context) error {
		return startWatchers(ctx, client, cfg, logger)
	})
	client.OnExit(func(ctx context.Context) error {
		return provider.Shutdown(ctx)
	})

	if err := client.Run(ctx); err != nil {
		logger.Error("run failed", "error", err)
	}
}

func openInstaller(cfg config.Config, logger *slog.Logger, metrics *otel.Metrics, provider *otel.Provider) (*deps.Installer, error) {
	store, err := deps.OpenStateStore(filepath.Join(cfg.HomeDir, "data", "install-status.json"))
	if err != nil {
		return nil, err
	}
	if n, err := store.ResetInterrupted(); err != nil {
		return nil, fmt.Errorf("reset interrupted installs: %w", err)
	} else if n > 0 {
		logger.Warn("cleared installs interrupted by a previous run", "count", n)
	}
	return deps.NewInstaller(deps.Config{
		Store:          store,
		PackageManager: cfg.Extensions.PackageManager,
		Retries:        cfg.Extensions.InstallRetries,
		Backoff:        cfg.Extensions.RetryBackoff(),
		PollInterval:   cfg.Extensions.WaitPoll(),
		MaxWait:        cfg.Extensions.WaitMax(),
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         provider.Tracer,
	}), nil
}

// startWatchers hot-reloads modules on settings changes and reloads all
// modules when the config file changes.
func startWatchers(ctx context.Context, client *bot.Client, cfg config.Config, logger *slog.Logger) error {
	pw := watcher.New(cfg.Plugins.Dir, logger)
	if err := pw.Start(ctx); err != nil {
		return fmt.Errorf("plugin watcher: %w", err)
	}
	go watcher.Serve(ctx, pw.Events(), client, logger)

	path := cfg.Path
	if path == "" {
		path = config.DefaultPath(cfg.HomeDir)
	}
	cw := config.NewWatcher(path, logger)
	if err := cw.Start(ctx); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	go func() {
		fingerprint := cfg.Fingerprint()
		for ev := range cw.Events() {
			if ev.Err != nil {
				continue
			}
			if fp := ev.Config.Fingerprint(); fp != fingerprint {
				logger.Warn("config changed; settings other than plugin settings apply after restart",
					"old", fingerprint, "new", fp)
				fingerprint = fp
			}
			if err := client.ReloadAll(ctx); err != nil {
				logger.Error("module reload after config change failed", "error", err)
			}
		}
	}()
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","event_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
