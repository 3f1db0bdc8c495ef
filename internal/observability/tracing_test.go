package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(context.Background(), TracerConfig{ServiceName: "test"})
	require.NoError(t, err)

	_, span := tracer.StartSpan(context.Background(), "op")
	span.End()
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestTracerFromProvider_RecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewTracerFromProvider(tp, "test")

	ctx, span := tracer.StartSpan(context.Background(), "gateway.request")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "gateway.request", spans[0].Name())
	assert.Equal(t, spans[0].SpanContext().TraceID().String(), ctx.Value(traceIDKey))
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNoopTracer(t *testing.T) {
	t.Parallel()

	tracer := NoopTracer()
	ctx, span := tracer.StartSpan(context.Background(), "noop")
	span.End()

	assert.False(t, span.SpanContext().IsValid())
	assert.Nil(t, ctx.Value(traceIDKey))
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestCreateSampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rate float64
		want string
	}{
		{name: "always", rate: 1.0, want: "AlwaysOnSampler"},
		{name: "above one", rate: 2.0, want: "AlwaysOnSampler"},
		{name: "never", rate: 0, want: "AlwaysOffSampler"},
		{name: "ratio", rate: 0.5, want: "TraceIDRatioBased{0.5}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, createSampler(tt.rate).Description())
		})
	}
}
