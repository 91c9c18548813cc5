package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for yuzai spans and metrics.
var (
	AttrPluginID  = attribute.Key("yuzai.plugin.id")
	AttrTrigger   = attribute.Key("yuzai.trigger.name")
	AttrEventKind = attribute.Key("yuzai.event.kind")
	AttrBotID     = attribute.Key("yuzai.bot.id")
	AttrModule    = attribute.Key("yuzai.module.name")
	AttrModuleDir = attribute.Key("yuzai.module.dir")
	AttrExtension = attribute.Key("yuzai.extension.name")
	AttrInstallOp = attribute.Key("yuzai.install.op")
	AttrOutcome   = attribute.Key("yuzai.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (subprocess, platform API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
