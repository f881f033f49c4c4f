package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "mediarelay"

var (
	AgentIDKey      = attribute.Key("agent.id")
	ViewerIDKey     = attribute.Key("viewer.id")
	ConnectionIDKey = attribute.Key("connection.id")
	TierKey         = attribute.Key("quality.tier")
	BitrateKey      = attribute.Key("bitrate_kbps")
	PacketLossKey   = attribute.Key("packet_loss")
	FilenameKey     = attribute.Key("transfer.filename")

	signalEventKey = attribute.Key("signal.event")
	relayOpKey     = attribute.Key("relay.operation")
	transferOpKey  = attribute.Key("transfer.operation")
)

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, opts...)
}

// start names the span "<area>.<op>".
func start(ctx context.Context, area, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, area+"."+op, trace.WithAttributes(attrs...))
}

func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanAttributes is a no-op when ctx carries no recording span.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError attaches err to the span in ctx and marks it failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, "http", method,
		semconv.HTTPMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
	)
}

func TraceSignalEvent(ctx context.Context, eventType, connectionID string) (context.Context, trace.Span) {
	return start(ctx, "signal", eventType,
		signalEventKey.String(eventType),
		ConnectionIDKey.String(connectionID),
	)
}

// TraceRelay spans one SFU operation. viewerID is empty for operations on
// the publishing side only.
func TraceRelay(ctx context.Context, operation, agentID, viewerID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{relayOpKey.String(operation), AgentIDKey.String(agentID)}
	if viewerID != "" {
		attrs = append(attrs, ViewerIDKey.String(viewerID))
	}
	return start(ctx, "relay", operation, attrs...)
}

func TraceTransfer(ctx context.Context, operation, filename string) (context.Context, trace.Span) {
	return start(ctx, "transfer", operation,
		transferOpKey.String(operation),
		FilenameKey.String(filename),
	)
}
