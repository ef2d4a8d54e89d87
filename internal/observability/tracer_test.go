package observability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/voltgrid/ev-platform/internal/observability"
)

func TestInitTracer(t *testing.T) {
	t.Run("runs without an exporter when no endpoint is set", func(t *testing.T) {
		tp, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName:    "stationsvc",
			ServiceVersion: "0.1.0",
			Environment:    "test",
		})

		require.NoError(t, err)
		require.NotNil(t, tp)
		assert.NoError(t, tp.Shutdown(context.Background()))
	})

	t.Run("shutdown on a zero provider is a no-op", func(t *testing.T) {
		tp := &observability.TracerProvider{}

		assert.NoError(t, tp.Shutdown(context.Background()))
	})
}

func TestTraceIDFromContext(t *testing.T) {
	t.Run("empty outside a trace", func(t *testing.T) {
		assert.Empty(t, observability.TraceIDFromContext(context.Background()))
	})

	t.Run("returns the hex trace id inside a span", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		defer func() { _ = tp.Shutdown(context.Background()) }()

		ctx, span := tp.Tracer("test").Start(context.Background(), "op")
		defer span.End()

		traceID := observability.TraceIDFromContext(ctx)

		require.NotEmpty(t, traceID)
		assert.Regexp(t, `^[0-9a-f]{32}$`, traceID)
	})
}

func TestSpanFromContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	got := observability.SpanFromContext(ctx)

	assert.True(t, got.SpanContext().IsValid())
	assert.Equal(t, span.SpanContext().SpanID(), got.SpanContext().SpanID())
}
