package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all yuzai metric instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	DispatchEvents  metric.Int64Counter
	HandlerDuration metric.Float64Histogram
	HandlerErrors   metric.Int64Counter
	InstallAttempts metric.Int64Counter
	InstallFailures metric.Int64Counter
	ActiveSessions  metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchEvents, err = meter.Int64Counter("yuzai.dispatch.events",
		metric.WithDescription("Inbound adapter events dispatched to plugins"),
	)
	if err != nil {
		return nil, err
	}

	m.HandlerDuration, err = meter.Float64Histogram("yuzai.handler.duration",
		metric.WithDescription("Trigger handler duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HandlerErrors, err = meter.Int64Counter("yuzai.handler.errors",
		metric.WithDescription("Trigger handlers that returned an error or panicked"),
	)
	if err != nil {
		return nil, err
	}

	m.InstallAttempts, err = meter.Int64Counter("yuzai.install.attempts",
		metric.WithDescription("Dependency install and build subprocess attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.InstallFailures, err = meter.Int64Counter("yuzai.install.failures",
		metric.WithDescription("Install or build operations that failed after all retries"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("yuzai.sessions.active",
		metric.WithDescription("Interaction sessions currently open"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordDispatch counts one inbound event of the given kind.
func (m *Metrics) RecordDispatch(ctx context.Context, kind string) {
	if m == nil || m.DispatchEvents == nil {
		return
	}
	m.DispatchEvents.Add(ctx, 1, metric.WithAttributes(AttrEventKind.String(kind)))
}

// RecordHandler records one handler invocation.
func (m *Metrics) RecordHandler(ctx context.Context, pluginID, triggerName string, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrPluginID.String(pluginID), AttrTrigger.String(triggerName))
	if m.HandlerDuration != nil {
		m.HandlerDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if failed && m.HandlerErrors != nil {
		m.HandlerErrors.Add(ctx, 1, attrs)
	}
}

// RecordInstallAttempt counts one install/build subprocess attempt.
func (m *Metrics) RecordInstallAttempt(ctx context.Context, op, dir string) {
	if m == nil || m.InstallAttempts == nil {
		return
	}
	m.InstallAttempts.Add(ctx, 1, metric.WithAttributes(AttrInstallOp.String(op), AttrModuleDir.String(dir)))
}

// RecordInstallFailure counts one permanently failed install/build operation.
func (m *Metrics) RecordInstallFailure(ctx context.Context, op, dir string) {
	if m == nil || m.InstallFailures == nil {
		return
	}
	m.InstallFailures.Add(ctx, 1, metric.WithAttributes(AttrInstallOp.String(op), AttrModuleDir.String(dir)))
}

// SessionDelta adjusts the active interaction session gauge.
func (m *Metrics) SessionDelta(ctx context.Context, pluginID string, delta int64) {
	if m == nil || m.ActiveSessions == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta, metric.WithAttributes(attribute.String("plugin", pluginID)))
}
