package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for devbridge spans.
var (
	AttrMethod      = attribute.Key("devbridge.rpc.method")
	AttrSessionID   = attribute.Key("devbridge.session.id")
	AttrObjectGroup = attribute.Key("devbridge.object.group")
	AttrObjectID    = attribute.Key("devbridge.object.id")
	AttrThrown      = attribute.Key("devbridge.eval.thrown")
	AttrErrorCode   = attribute.Key("devbridge.rpc.error_code")
	AttrStoragePath = attribute.Key("devbridge.storage.path")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound debugger request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
