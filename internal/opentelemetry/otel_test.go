//go:build unit

package opentelemetry

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func withPropagator(t *testing.T) {
	t.Helper()

	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })
}

func TestQueueHeadersRoundTripTraceContext(t *testing.T) {
	withPropagator(t)

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := PrepareQueueHeaders(ctx, map[string]any{"x-attempts": int32(1)})

	assert.Equal(t, int32(1), headers["x-attempts"])
	require.Contains(t, headers, "traceparent")

	extracted := ExtractTraceContextFromQueueHeaders(context.Background(), headers)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(extracted).TraceID())
}

func TestExtractWithoutHeadersKeepsContext(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, ctx, ExtractTraceContextFromQueueHeaders(ctx, nil))
	assert.Equal(t, ctx, ExtractTraceContextFromQueueHeaders(ctx, map[string]any{"n": 1}))
}

func TestInjectHTTPContext(t *testing.T) {
	withPropagator(t)

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "check")
	defer span.End()

	headers := http.Header{}
	InjectHTTPContext(ctx, headers)

	assert.NotEmpty(t, headers.Get("Traceparent"))
}

func TestHandleSpanError(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	_, span := tp.Tracer("test").Start(context.Background(), "claim")
	HandleSpanError(span, "claim failed", errors.New("deadlock"))
	HandleSpanError(span, "ignored", nil)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "claim failed: deadlock", spans[0].Status.Description)
}

func TestInitDisabledBuildsLocalProviders(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.ErrorIs(t, err, ErrNilLogger)

	tel, err := Init(context.Background(), Config{LibraryName: "inventory-sync", Logger: log.NewNop()})
	require.NoError(t, err)
	assert.NotNil(t, tel.Tracer())
	assert.NotNil(t, tel.Meter())

	tel.Shutdown(context.Background())
}
