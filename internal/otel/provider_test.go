package otel

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/vme-daq/internal/config"
)

func TestInitProvider(t *testing.T) {
	cfg := &config.OTELConfig{
		ServiceName:        "vme-daq-test",
		TracesEndpoint:     "127.0.0.1:1",
		ResourceAttributes: "lab=hall-b",
	}
	tp, err := InitProvider(cfg, "v0.0.0-test", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, tp)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Nothing was recorded, so nothing is exported.
	assert.NoError(t, ShutdownProvider(ctx, tp))
}

func TestShutdownProvider_Nil(t *testing.T) {
	assert.NoError(t, ShutdownProvider(context.Background(), nil))
}

func TestRunContext(t *testing.T) {
	id := uuid.MustParse("0123456789abcdef0123456789abcdef")

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, span := tp.Tracer("test").Start(RunContext(context.Background(), id), "daq.run")
	span.End()

	want, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, want, TraceID(id))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, want, ended[0].SpanContext().TraceID())
	assert.True(t, ended[0].Parent().IsRemote())

	// Same run, same parent.
	again := trace.SpanContextFromContext(RunContext(context.Background(), id))
	assert.Equal(t, ended[0].Parent().SpanID(), again.SpanID())
}
