package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "mediarelay", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, tracesdk.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, tracesdk.NeverSample().Description(), sampler(0).Description())
	assert.Contains(t, sampler(0.25).Description(), "ParentBased")
}

func TestShutdown_NilProvider(t *testing.T) {
	var tp *TracerProvider
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpanHelpers(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	require.NotNil(t, span)
	defer span.End()

	AddSpanAttributes(ctx, attribute.String("test.key", "value"), TierKey.String("medium"))
	RecordError(ctx, errors.New("boom"))
	RecordError(ctx, nil)
	assert.Equal(t, span, SpanFromContext(ctx))
}

func TestTraceHelpers(t *testing.T) {
	_, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/agents")
	require.NotNil(t, span)
	span.End()

	_, span = TraceSignalEvent(context.Background(), "connect-publish", "conn-1")
	require.NotNil(t, span)
	span.End()

	_, span = TraceRelay(context.Background(), "subscribe", "agent-1", "viewer-1")
	require.NotNil(t, span)
	span.End()

	_, span = TraceRelay(context.Background(), "publish", "agent-1", "")
	require.NotNil(t, span)
	span.End()

	_, span = TraceTransfer(context.Background(), "complete", "report.bin")
	require.NotNil(t, span)
	span.End()
}
