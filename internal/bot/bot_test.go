package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/yuzai/internal/adapter"
	"github.com/basket/yuzai/internal/cron"
	"github.com/basket/yuzai/internal/event"
	"github.com/basket/yuzai/internal/plugin"
	"github.com/basket/yuzai/internal/trigger"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	e.codes = append(e.codes, code)
	e.mu.Unlock()
}

func (e *exitRecorder) calls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func newTestClient(t *testing.T, cfg Config) (*Client, *exitRecorder) {
	t.Helper()
	rec := &exitRecorder{}
	cfg.Logger = discardLogger()
	cfg.Exit = rec.exit
	cfg.DisableSignals = true
	if cfg.Scheduler == nil {
		cfg.Scheduler = cron.NewScheduler(cron.Config{Logger: cfg.Logger})
	}
	return New(cfg), rec
}

type fakeAdapter struct {
	name  string
	start func(ctx context.Context, sink adapter.Sink) error

	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Start(ctx context.Context, sink adapter.Sink) error {
	if f.start != nil {
		return f.start(ctx, sink)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeAdapter) record(target, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, target+":"+text)
	return "m1", nil
}

func (f *fakeAdapter) SendPrivateMessage(_ context.Context, userID, text string) (string, error) {
	return f.record("private/"+userID, text)
}

func (f *fakeAdapter) SendGroupMessage(_ context.Context, groupID, text string) (string, error) {
	return f.record("group/"+groupID, text)
}

func (f *fakeAdapter) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// recallAdapter adds the optional recall capability.
type recallAdapter struct {
	fakeAdapter
	recalled []string
}

func (r *recallAdapter) RecallMessage(_ context.Context, id string) (bool, error) {
	r.recalled = append(r.recalled, id)
	return true, nil
}

// pingModule returns a module contributing one plugin whose #ping trigger
// appends id to hits.
func pingModule(id string, priority int, hits *[]string, mu *sync.Mutex) ModuleFunc {
	return func(_ context.Context, env ModuleEnv) ([]*plugin.Plugin, error) {
		p := plugin.New(plugin.Meta{ID: id, Priority: priority}, plugin.WithLogger(env.Logger))
		p.OnMessage("ping", func(context.Context, *event.MessageEvent) error {
			mu.Lock()
			*hits = append(*hits, id)
			mu.Unlock()
			return nil
		})
		return []*plugin.Plugin{p}, nil
	}
}

func privateMsg(text string) *event.Message {
	return &event.Message{Platform: "fake", Scope: event.ScopePrivate, SenderID: "u1", Text: text}
}

func TestDispatch_EqualPriorityFirstLoadedWins(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	var mu sync.Mutex
	var hits []string
	c.RegisterModule("a", pingModule("A", 10, &hits, &mu))
	c.RegisterModule("b", pingModule("B", 10, &hits, &mu))
	if err := c.LoadModules(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatalf("LoadModules: %v", err)
	}
	b := c.AddAdapter(&fakeAdapter{name: "fake"})

	if !c.DispatchMessage(context.Background(), b, privateMsg("#ping")) {
		t.Fatal("expected message to be handled")
	}
	if len(hits) != 1 || hits[0] != "A" {
		t.Fatalf("hits = %v, want [A]", hits)
	}
}

func TestDispatch_HigherPriorityPluginFirst(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	var mu sync.Mutex
	var hits []string
	c.RegisterModule("low", pingModule("low", 1, &hits, &mu))
	c.RegisterModule("high", pingModule("high", 5, &hits, &mu))
	_ = c.LoadModules(context.Background(), []string{"low", "high"})
	b := c.AddAdapter(&fakeAdapter{name: "fake"})

	c.DispatchMessage(context.Background(), b, privateMsg("#ping now"))
	if len(hits) != 1 || hits[0] != "high" {
		t.Fatalf("hits = %v, want [high]", hits)
	}
	if c.DispatchMessage(context.Background(), b, privateMsg("#pingpong")) {
		t.Fatal("#pingpong should not be handled")
	}
}

func TestDispatch_ReplyRoutesThroughAdapter(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	c.RegisterModule("echo", func(_ context.Context, env ModuleEnv) ([]*plugin.Plugin, error) {
		p := plugin.New(plugin.Meta{ID: "echo"}, plugin.WithLogger(env.Logger))
		p.OnMessage("echo", func(ctx context.Context, ev *event.MessageEvent) error {
			_, err := ev.Reply(ctx, "pong")
			return err
		})
		return []*plugin.Plugin{p}, nil
	})
	if err := c.LoadModule(context.Background(), "echo"); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	fa := &fakeAdapter{name: "fake"}
	b := c.AddAdapter(fa)
	msg := &event.Message{Scope: event.ScopeGroup, SenderID: "u1", GroupID: "g1", Text: "#echo"}
	c.DispatchMessage(context.Background(), b, msg)

	got := fa.messages()
	if len(got) != 1 || got[0] != "group/g1:pong" {
		t.Fatalf("sent = %v", got)
	}
}

func TestDispatchNotice_StopsAtFirstHandler(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	var calls atomic.Int32
	module := func(id string) ModuleFunc {
		return func(context.Context, ModuleEnv) ([]*plugin.Plugin, error) {
			p := plugin.New(plugin.Meta{ID: id}, plugin.WithLogger(discardLogger()))
			p.OnNotice("join", func(context.Context, *event.NoticeEvent) error {
				calls.Add(1)
				return nil
			}, trigger.WithNoticeKinds(event.NoticeGroupIncrease))
			return []*plugin.Plugin{p}, nil
		}
	}
	c.RegisterModule("one", module("one"))
	c.RegisterModule("two", module("two"))
	_ = c.LoadModules(context.Background(), []string{"one", "two"})
	b := c.AddAdapter(&fakeAdapter{name: "fake"})

	if !c.DispatchNotice(context.Background(), b, event.NoticeGroupIncrease, map[string]any{"user_id": "9"}) {
		t.Fatal("expected notice to be handled")
	}
	if c.DispatchNotice(context.Background(), b, event.NoticeGroupDecrease, nil) {
		t.Fatal("unmatched notice kind handled")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestLoadModule_DuplicatePluginKeepsExisting(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	var mu sync.Mutex
	var hits []string
	c.RegisterModule("first", pingModule("same", 0, &hits, &mu))
	c.RegisterModule("second", func(context.Context, ModuleEnv) ([]*plugin.Plugin, error) {
		dup := plugin.New(plugin.Meta{ID: "same", Priority: 99}, plugin.WithLogger(discardLogger()))
		other := plugin.New(plugin.Meta{ID: "other"}, plugin.WithLogger(discardLogger()))
		return []*plugin.Plugin{dup, other}, nil
	})
	if err := c.LoadModule(context.Background(), "first"); err != nil {
		t.Fatalf("LoadModule(first): %v", err)
	}
	err := c.LoadModule(context.Background(), "second")
	if !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("err = %v, want ErrDuplicatePlugin", err)
	}
	p, ok := c.Plugin("same")
	if !ok || p.Priority() != 0 {
		t.Fatalf("existing plugin not kept: %+v", p)
	}
	if _, ok := c.Plugin("other"); !ok {
		t.Fatal("non-conflicting plugin of the module should load")
	}
}

func TestLoadModule_Errors(t *testing.T) {
	c, _ := newTestClient(t, Config{LoadTimeout: 50 * time.Millisecond})
	c.RegisterModule("slow", func(ctx context.Context, _ ModuleEnv) ([]*plugin.Plugin, error) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	c.RegisterModule("boom", func(context.Context, ModuleEnv) ([]*plugin.Plugin, error) {
		panic("constructor exploded")
	})
	c.RegisterModule("ok", func(context.Context, ModuleEnv) ([]*plugin.Plugin, error) {
		return []*plugin.Plugin{plugin.New(plugin.Meta{ID: "ok"}, plugin.WithLogger(discardLogger()))}, nil
	})

	if err := c.LoadModule(context.Background(), "slow"); !errors.Is(err, ErrLoadTimeout) {
		t.Fatalf("slow: err = %v, want ErrLoadTimeout", err)
	}
	if err := c.LoadModule(context.Background(), "missing"); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("missing: err = %v, want ErrUnknownModule", err)
	}
	if err := c.LoadModule(context.Background(), "boom"); err == nil {
		t.Fatal("panicking constructor should fail")
	}

	err := c.LoadModules(context.Background(), []string{"boom", "ok"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if _, ok := c.Plugin("ok"); !ok {
		t.Fatal("failed sibling blocked loading of ok")
	}
	if err := c.LoadModule(context.Background(), "ok"); !errors.Is(err, ErrModuleLoaded) {
		t.Fatalf("second load: err = %v, want ErrModuleLoaded", err)
	}
}

func TestLoadModule_ReadsSettingsFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte("greeting: hello\n"), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	c, _ := newTestClient(t, Config{PluginsDir: dir})

	var got string
	var present bool
	c.RegisterModule("greet", func(_ context.Context, env ModuleEnv) ([]*plugin.Plugin, error) {
		var s struct {
			Greeting string `yaml:"greeting"`
		}
		if err := env.Settings.Decode(&s); err != nil {
			return nil, err
		}
		got, present = s.Greeting, env.Settings.Present()
		return nil, nil
	})
	c.RegisterModule("bare", func(_ context.Context, env ModuleEnv) ([]*plugin.Plugin, error) {
		if env.Settings.Present() {
			t.Error("bare module should have no settings")
		}
		return nil, nil
	})
	if err := c.LoadModules(context.Background(), []string{"greet", "bare"}); err != nil {
		t.Fatalf("LoadModules: %v", err)
	}
	if !present || got != "hello" {
		t.Fatalf("settings = %q (present %v)", got, present)
	}
}

func TestReloadModule_ReplacesInPlaceAndReschedules(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{Logger: discardLogger()})
	c, _ := newTestClient(t, Config{Scheduler: sched})

	var generation atomic.Int32
	c.RegisterModule("gen", func(context.Context, ModuleEnv) ([]*plugin.Plugin, error) {
		n := generation.Add(1)
		p := plugin.New(plugin.Meta{ID: "gen", Description: string(rune('0' + n))}, plugin.WithLogger(discardLogger()))
		p.OnSchedule("tick", "@every 1h", func(context.Context) error { return nil })
		out := []*plugin.Plugin{p}
		if n == 1 {
			out = append(out, plugin.New(plugin.Meta{ID: "gone"}, plugin.WithLogger(discardLogger())))
		}
		return out, nil
	})
	var mu sync.Mutex
	var hits []string
	c.RegisterModule("peer", pingModule("peer", 0, &hits, &mu))

	ctx := context.Background()
	if err := c.LoadModules(ctx, []string{"gen", "peer"}); err != nil {
		t.Fatalf("LoadModules: %v", err)
	}
	if sched.Len() != 1 {
		t.Fatalf("schedules = %d, want 1", sched.Len())
	}
	if err := c.ReloadModule(ctx, "gen"); err != nil {
		t.Fatalf("ReloadModule: %v", err)
	}
	if sched.Len() != 1 {
		t.Fatalf("schedules after reload = %d, want 1", sched.Len())
	}
	if _, ok := c.Plugin("gone"); ok {
		t.Fatal("plugin dropped by the module should be removed")
	}
	plugins := c.Plugins()
	if len(plugins) != 2 || plugins[0].ID() != "gen" || plugins[0].Meta().Description != "2" {
		t.Fatalf("plugins after reload: %d, first %q", len(plugins), plugins[0].ID())
	}

	if err := c.UnloadModule("gen"); err != nil {
		t.Fatalf("UnloadModule: %v", err)
	}
	if sched.Len() != 0 {
		t.Fatalf("schedules after unload = %d, want 0", sched.Len())
	}
	if err := c.UnloadModule("gen"); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("second unload: err = %v", err)
	}
}

func TestReloadModule_FailureKeepsPreviousPlugins(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	fail := false
	c.RegisterModule("flaky", func(context.Context, ModuleEnv) ([]*plugin.Plugin, error) {
		if fail {
			return nil, errors.New("bad settings")
		}
		return []*plugin.Plugin{plugin.New(plugin.Meta{ID: "flaky"}, plugin.WithLogger(discardLogger()))}, nil
	})
	_ = c.LoadModule(context.Background(), "flaky")
	fail = true
	if err := c.ReloadModule(context.Background(), "flaky"); err == nil {
		t.Fatal("expected reload error")
	}
	if _, ok := c.Plugin("flaky"); !ok {
		t.Fatal("previous plugin should survive a failed reload")
	}
}

func TestBot_OptionalCapabilities(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	plain := c.AddAdapter(&fakeAdapter{name: "plain"})
	if _, err := plain.RecallMessage(context.Background(), "x"); !errors.Is(err, adapter.ErrUnsupported) {
		t.Fatalf("recall err = %v", err)
	}
	if _, err := plain.SendGuildMessage(context.Background(), "g", "c", "hi"); !errors.Is(err, adapter.ErrUnsupported) {
		t.Fatalf("guild err = %v", err)
	}
	if _, err := plain.GroupList(context.Background()); !errors.Is(err, adapter.ErrUnsupported) {
		t.Fatalf("group list err = %v", err)
	}

	ra := &recallAdapter{fakeAdapter: fakeAdapter{name: "recall"}}
	rb := c.AddAdapter(ra)
	ok, err := rb.RecallMessage(context.Background(), "m1")
	if err != nil || !ok || len(ra.recalled) != 1 {
		t.Fatalf("recall = %v, %v (%v)", ok, err, ra.recalled)
	}
	if again := c.AddAdapter(&fakeAdapter{name: "plain"}); again != plain {
		t.Fatal("duplicate adapter name should return the existing bot")
	}
	if len(c.Bots()) != 2 {
		t.Fatalf("bots = %d, want 2", len(c.Bots()))
	}
}

func TestGracefulExit_ConcurrentCallsRunHandlersOnce(t *testing.T) {
	c, rec := newTestClient(t, Config{})
	var handled atomic.Int32
	for range 3 {
		c.OnExit(func(context.Context) error {
			handled.Add(1)
			return nil
		})
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.GracefulExit(0)
		}()
	}
	wg.Wait()

	if handled.Load() != 3 {
		t.Fatalf("handlers ran %d times, want 3", handled.Load())
	}
	if calls := rec.calls(); len(calls) != 1 || calls[0] != 0 {
		t.Fatalf("exit calls = %v, want [0]", calls)
	}
}

func TestGracefulExit_HardTimeout(t *testing.T) {
	c, rec := newTestClient(t, Config{ExitTimeout: 50 * time.Millisecond})
	block := make(chan struct{})
	defer close(block)
	c.OnExit(func(context.Context) error {
		<-block
		return nil
	})
	c.OnExit(func(context.Context) error { return errors.New("handler failed") })
	c.OnExit(func(context.Context) error { panic("handler panicked") })

	start := time.Now()
	c.GracefulExit(3)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("GracefulExit took %v", elapsed)
	}
	if calls := rec.calls(); len(calls) != 1 || calls[0] != 3 {
		t.Fatalf("exit calls = %v, want [3]", calls)
	}
}

func TestFatal_FromScheduleDoesNotStallTeardown(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{Logger: discardLogger()})
	c, rec := newTestClient(t, Config{Scheduler: sched, ExitTimeout: 5 * time.Second})
	c.RegisterModule("sync", func(context.Context, ModuleEnv) ([]*plugin.Plugin, error) {
		p := plugin.New(plugin.Meta{ID: "sync"}, plugin.WithLogger(discardLogger()))
		p.OnSchedule("flush", "@every 1s", func(context.Context) error {
			c.Fatal(errors.New("storage unavailable"))
			return nil
		})
		return []*plugin.Plugin{p}, nil
	})
	if err := c.LoadModule(context.Background(), "sync"); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	sched.Start(context.Background())

	// Exit must land well before the 5s exit timeout.
	waitFor(t, 3*time.Second, func() bool { return len(rec.calls()) == 1 })
	if calls := rec.calls(); calls[0] != 1 {
		t.Fatalf("exit calls = %v, want [1]", calls)
	}
}

func TestRun_ReadyAfterLoadersSettle(t *testing.T) {
	c, rec := newTestClient(t, Config{})
	c.RegisterModule("echo", func(context.Context, ModuleEnv) ([]*plugin.Plugin, error) {
		p := plugin.New(plugin.Meta{ID: "echo"}, plugin.WithLogger(discardLogger()))
		p.OnMessage("echo", func(ctx context.Context, ev *event.MessageEvent) error {
			_, err := ev.Reply(ctx, "pong")
			return err
		})
		return []*plugin.Plugin{p}, nil
	})
	c.RegisterModule("broken", func(context.Context, ModuleEnv) ([]*plugin.Plugin, error) {
		return nil, errors.New("broken")
	})

	started := make(chan adapter.Sink, 1)
	fa := &fakeAdapter{name: "fake", start: func(ctx context.Context, sink adapter.Sink) error {
		started <- sink
		<-ctx.Done()
		return nil
	}}
	c.AddAdapter(fa)

	var readyOrder []int
	var readyMu sync.Mutex
	c.OnReady(func(context.Context) error {
		if _, ok := c.Plugin("echo"); !ok {
			t.Error("ready ran before modules loaded")
		}
		readyMu.Lock()
		readyOrder = append(readyOrder, 1)
		readyMu.Unlock()
		return errors.New("first callback fails")
	})
	c.OnReady(func(context.Context) error {
		readyMu.Lock()
		readyOrder = append(readyOrder, 2)
		readyMu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	sink := <-started
	waitFor(t, time.Second, func() bool {
		readyMu.Lock()
		defer readyMu.Unlock()
		return len(readyOrder) == 2
	})
	if readyOrder[0] != 1 || readyOrder[1] != 2 {
		t.Fatalf("ready order = %v", readyOrder)
	}
	sink.OnMessage(ctx, privateMsg("#echo"))
	waitFor(t, time.Second, func() bool { return len(fa.messages()) == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if calls := rec.calls(); len(calls) != 1 || calls[0] != 0 {
		t.Fatalf("exit calls = %v, want [0]", calls)
	}
}

func TestRun_AdapterPanicExitsWithFailure(t *testing.T) {
	c, rec := newTestClient(t, Config{})
	c.AddAdapter(&fakeAdapter{name: "bad", start: func(context.Context, adapter.Sink) error {
		panic("adapter exploded")
	}})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after adapter panic")
	}
	if calls := rec.calls(); len(calls) != 1 || calls[0] != 1 {
		t.Fatalf("exit calls = %v, want [1]", calls)
	}
}
