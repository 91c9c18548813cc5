package otel

import (
	"context"
	"testing"
	"time"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.DispatchEvents == nil {
		t.Error("DispatchEvents is nil")
	}
	if m.HandlerDuration == nil {
		t.Error("HandlerDuration is nil")
	}
	if m.HandlerErrors == nil {
		t.Error("HandlerErrors is nil")
	}
	if m.InstallAttempts == nil {
		t.Error("InstallAttempts is nil")
	}
	if m.InstallFailures == nil {
		t.Error("InstallFailures is nil")
	}
	if m.ActiveSessions == nil {
		t.Error("ActiveSessions is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p := Noop()
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	ctx := context.Background()
	m.RecordDispatch(ctx, "message")
	m.RecordHandler(ctx, "help", "help", time.Millisecond, true)
	m.RecordInstallAttempt(ctx, "install", "/tmp/ext")
	m.RecordInstallFailure(ctx, "build", "/tmp/ext")
	m.SessionDelta(ctx, "note", 1)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordDispatch(ctx, "notice")
	m.RecordHandler(ctx, "p", "t", time.Second, false)
	m.RecordInstallAttempt(ctx, "install", "dir")
	m.RecordInstallFailure(ctx, "install", "dir")
	m.SessionDelta(ctx, "p", -1)
}
