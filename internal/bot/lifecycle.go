package bot

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"
)

// safely runs fn and converts a panic into an error.
func (c *Client) safely(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered panic",
				"task", what,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%s panicked: %v", what, r)
		}
	}()
	return fn()
}

// Run starts the scheduler, loads modules, starts adapters and auto-imports
// extensions concurrently, then runs the ready callbacks once all three have
// settled. It blocks until ctx is canceled or GracefulExit completes.
func (c *Client) Run(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancelRun = cancel
	c.mu.Unlock()

	if !c.disableSignals {
		stop := c.handleSignals()
		defer stop()
	}

	c.scheduler.Start(ctx)

	loaders := map[string]func() error{
		"modules": func() error { return c.LoadModules(ctx, c.startupModules()) },
		"adapters": func() error {
			for _, b := range c.Bots() {
				c.startAdapter(ctx, b)
			}
			return nil
		},
		"extensions": func() error {
			if c.extensions == nil {
				return nil
			}
			return c.extensions.AutoImport(ctx)
		},
	}
	var wg sync.WaitGroup
	for name, load := range loaders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.safely("load "+name, load); err != nil {
				c.logger.Error("loader failed", "loader", name, "error", err)
			}
		}()
	}
	wg.Wait()

	c.mu.RLock()
	ready := append([]func(context.Context) error(nil), c.ready...)
	c.mu.RUnlock()
	for i, fn := range ready {
		if err := c.safely("ready callback", func() error { return fn(ctx) }); err != nil {
			c.logger.Error("ready callback failed", "index", i, "error", err)
		}
	}
	c.logger.Info("bot ready",
		"plugins", len(c.Plugins()),
		"bots", len(c.Bots()),
		"startup_ms", time.Since(start).Milliseconds(),
	)

	select {
	case <-ctx.Done():
		c.GracefulExit(0)
	case <-c.done:
	}
	return nil
}

func (c *Client) handleSignals() func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	stopped := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			c.logger.Info("shutdown signal received", "signal", sig.String())
			c.GracefulExit(0)
		case <-stopped:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(stopped)
	}
}

// startAdapter runs b's adapter on its own goroutine. A returned error is
// logged; a panic is treated as fatal.
func (c *Client) startAdapter(ctx context.Context, b *Bot) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("adapter panicked",
					"bot", b.ID(),
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				c.GracefulExit(1)
			}
		}()
		c.logger.Info("adapter starting", "bot", b.ID())
		if err := b.adapter.Start(ctx, b); err != nil {
			c.logger.Error("adapter stopped", "bot", b.ID(), "error", err)
			return
		}
		c.logger.Info("adapter stopped", "bot", b.ID())
	}()
}

// GracefulExit runs the exit handlers and the client's own teardown
// concurrently, waits at most the exit timeout, then calls the exit
// function with code. Only the first call has any effect; concurrent
// callers block until it finishes.
func (c *Client) GracefulExit(code int) {
	c.exitOnce.Do(func() {
		c.logger.Info("graceful exit", "code", code)

		c.mu.Lock()
		handlers := append([]func(context.Context) error(nil), c.exitFns...)
		cancelRun := c.cancelRun
		c.mu.Unlock()
		handlers = append(handlers, c.teardown)

		ctx, cancel := context.WithTimeout(context.Background(), c.exitTimeout)
		var wg sync.WaitGroup
		for i, h := range handlers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.safely("exit handler", func() error { return h(ctx) }); err != nil {
					c.logger.Error("exit handler failed", "index", i, "error", err)
				}
			}()
		}
		settled := make(chan struct{})
		go func() {
			wg.Wait()
			close(settled)
		}()
		select {
		case <-settled:
		case <-ctx.Done():
			c.logger.Warn("exit handlers did not finish in time, forcing exit", "timeout", c.exitTimeout)
		}
		cancel()
		if cancelRun != nil {
			cancelRun()
		}

		c.exit(code)
		close(c.done)
	})
}

// Fatal logs err and starts GracefulExit(1) without waiting for it. Handlers
// that teardown waits on (schedules in particular) can call it safely.
func (c *Client) Fatal(err error) {
	c.logger.Error("fatal error, shutting down", "error", err)
	go c.GracefulExit(1)
}

// teardown stops schedules, closes plugin sessions and extensions.
func (c *Client) teardown(context.Context) error {
	c.scheduler.Stop()
	for _, p := range c.Plugins() {
		p.Close()
	}
	if c.extensions == nil {
		return nil
	}
	return c.extensions.Close()
}
