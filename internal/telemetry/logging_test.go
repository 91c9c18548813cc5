package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/yuzai/internal/shared"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[len(lines)-1]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(LoggerOptions{HomeDir: home, Level: "debug", Quiet: true})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "plugin", "help")

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "runtime" {
		t.Fatalf("expected component=runtime, got %#v", entry["component"])
	}
	if entry["plugin"] != "help" {
		t.Fatalf("expected plugin propagation, got %#v", entry["plugin"])
	}
}

func TestNewLogger_ContextIDs(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(LoggerOptions{HomeDir: home, Quiet: true})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	ctx := shared.WithEventID(context.Background(), "evt-1")
	ctx = shared.WithPluginID(ctx, "note")
	logger.InfoContext(ctx, "trigger matched")

	entry := readLastEntry(t, home)
	if entry["event_id"] != "evt-1" {
		t.Fatalf("expected event_id=evt-1, got %#v", entry["event_id"])
	}
	if entry["plugin_id"] != "note" {
		t.Fatalf("expected plugin_id=note, got %#v", entry["plugin_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(LoggerOptions{HomeDir: home, Level: "info", Quiet: true})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
	)

	entry := readLastEntry(t, home)
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
}

func TestNewLogger_WritesStdoutWhenNotQuiet(t *testing.T) {
	home := t.TempDir()
	var buf bytes.Buffer
	logger, closer, err := NewLogger(LoggerOptions{HomeDir: home, Stdout: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Warn("adapter disconnected", "adapter", "telegram")
	if !strings.Contains(buf.String(), "adapter disconnected") {
		t.Fatalf("expected stdout copy, got %q", buf.String())
	}
	if entry := readLastEntry(t, home); entry["msg"] != "adapter disconnected" {
		t.Fatalf("expected file copy, got %#v", entry)
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(LoggerOptions{HomeDir: home, Level: "warn", Quiet: true})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown")
	entry := readLastEntry(t, home)
	if entry["msg"] != "shown" {
		t.Fatalf("expected only warn entry, got %#v", entry)
	}
}
