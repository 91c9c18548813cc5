package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/pflag"

	"github.com/basket/yuzai/internal/deps"
	"github.com/basket/yuzai/internal/extension"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--config", "/etc/yuzai.toml", "-q", "--log-level", "debug", "install", "storage-sqlite", "--force"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.configPath != "/etc/yuzai.toml" || !opts.quiet || opts.logLevel != "debug" {
		t.Fatalf("unexpected options: %+v", opts)
	}
	want := []string{"install", "storage-sqlite", "--force"}
	if strings.Join(opts.args, " ") != strings.Join(want, " ") {
		t.Fatalf("args = %v, want %v", opts.args, want)
	}

	if _, err := parseFlags([]string{"--bogus"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown flag")
	}
	var buf bytes.Buffer
	if _, err := parseFlags([]string{"--help"}, &buf); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("err = %v, want ErrHelp", err)
	}
	if !strings.Contains(buf.String(), "install <ext> [--force]") {
		t.Fatalf("usage missing install command: %q", buf.String())
	}
}

func TestParseInstallArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    installArgs
		wantErr bool
	}{
		{name: "name only", args: []string{"storage-sqlite"}, want: installArgs{name: "storage-sqlite"}},
		{name: "force after name", args: []string{"storage-sqlite", "--force"}, want: installArgs{name: "storage-sqlite", force: true}},
		{name: "short force", args: []string{"-f", "x"}, want: installArgs{name: "x", force: true}},
		{name: "missing name", args: nil, wantErr: true},
		{name: "extra arg", args: []string{"a", "b"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInstallArgs(tt.args, io.Discard)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRunner) Run(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	r.mu.Unlock()
	return nil, os.MkdirAll(filepath.Join(dir, "node_modules", "dep"), 0o755)
}

func TestRunInstallCommand(t *testing.T) {
	home := t.TempDir()
	extDir := filepath.Join(home, "extensions")
	modDir := filepath.Join(extDir, "storage-sqlite")
	if err := os.MkdirAll(modDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := `{"name":"storage-sqlite","version":"1.0.0","dependencies":{"better-sqlite3":"^9.0.0"}}`
	if err := os.WriteFile(filepath.Join(modDir, "package.json"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	store, err := deps.OpenStateStore(filepath.Join(home, "data", "install-status.json"))
	if err != nil {
		t.Fatalf("OpenStateStore: %v", err)
	}
	runner := &recordingRunner{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	installer := deps.NewInstaller(deps.Config{Store: store, Runner: runner, Logger: logger})
	loader := extension.New(extension.Config{Dir: extDir, Installer: installer, Logger: logger})

	var stdout, stderr bytes.Buffer
	ctx := context.Background()
	if code := runInstallCommand(ctx, installer, loader, []string{"storage-sqlite"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr %q", code, stderr.String())
	}
	if code := runInstallCommand(ctx, installer, loader, []string{"storage-sqlite"}, &stdout, &stderr); code != 0 {
		t.Fatalf("second run exit code %d", code)
	}
	if len(runner.calls) != 1 || runner.calls[0] != "npm install --omit=dev" {
		t.Fatalf("calls = %v, want one prod install", runner.calls)
	}
	if code := runInstallCommand(ctx, installer, loader, []string{"storage-sqlite", "--force"}, &stdout, &stderr); code != 0 {
		t.Fatalf("forced run exit code %d", code)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("force should reinstall, calls = %v", runner.calls)
	}

	stdout.Reset()
	if code := runInstallCommand(ctx, installer, loader, []string{"absent"}, &stdout, &stderr); code != 0 {
		t.Fatalf("absent extension exit code %d", code)
	}
	if !strings.Contains(stdout.String(), "nothing to install") {
		t.Fatalf("stdout = %q", stdout.String())
	}
	if code := runInstallCommand(ctx, installer, loader, nil, &stdout, &stderr); code != 2 {
		t.Fatalf("missing name exit code %d, want 2", code)
	}
}
