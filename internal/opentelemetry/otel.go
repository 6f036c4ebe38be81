// Package opentelemetry wires tracer, meter and log providers and carries
// W3C trace context across HTTP calls and AMQP messages.
package opentelemetry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/phojnacki/inventory-sync/internal/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrNilLogger is returned by Init without a logger.
var ErrNilLogger = errors.New("telemetry config logger cannot be nil")

// Config selects the exporter endpoint and resource attributes.
type Config struct {
	LibraryName       string
	ServiceName       string
	ServiceVersion    string
	DeploymentEnv     string
	CollectorEndpoint string
	Enabled           bool
	Logger            log.Logger
}

// Telemetry owns the SDK providers for one process.
type Telemetry struct {
	cfg            Config
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	shutdown       []func(context.Context) error
}

// Init builds the providers. With Enabled=false the providers are local
// only (nothing is exported) but still usable by instrumentation.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		return nil, ErrNilLogger
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if !cfg.Enabled {
		cfg.Logger.Log(ctx, log.LevelWarn, "telemetry export disabled")

		return &Telemetry{
			cfg:            cfg,
			TracerProvider: sdktrace.NewTracerProvider(),
			MeterProvider:  sdkmetric.NewMeterProvider(),
			LoggerProvider: sdklog.NewLoggerProvider(),
		}, nil
	}

	res := sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.DeploymentEnv),
	)

	traceExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	metricExp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.CollectorEndpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	logExp, err := otlploggrpc.New(ctx, otlploggrpc.WithEndpoint(cfg.CollectorEndpoint), otlploggrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("create log exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)), sdkmetric.WithResource(res))
	lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)), sdklog.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	cfg.Logger.Log(ctx, log.LevelInfo, "telemetry initialized", log.String("endpoint", cfg.CollectorEndpoint))

	return &Telemetry{
		cfg:            cfg,
		TracerProvider: tp,
		MeterProvider:  mp,
		LoggerProvider: lp,
		shutdown:       []func(context.Context) error{mp.Shutdown, tp.Shutdown, lp.Shutdown},
	}, nil
}

// Tracer returns a named tracer from the process provider.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.TracerProvider.Tracer(t.cfg.LibraryName)
}

// Meter returns a named meter from the process provider.
func (t *Telemetry) Meter() metric.Meter {
	return t.MeterProvider.Meter(t.cfg.LibraryName)
}

// Shutdown flushes and stops every provider, logging individual failures.
func (t *Telemetry) Shutdown(ctx context.Context) {
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			t.cfg.Logger.Log(ctx, log.LevelError, "telemetry shutdown failed", log.Err(err))
		}
	}
}

// HandleSpanError marks the span failed and records err.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// InjectHTTPContext writes the trace context of ctx into outgoing request headers.
func InjectHTTPContext(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// ExtractHTTPContext continues the caller's trace for a fiber request.
func ExtractHTTPContext(c *fiber.Ctx) context.Context {
	carrier := propagation.HeaderCarrier{}

	for key, value := range c.Request().Header.All() {
		carrier.Set(string(key), string(value))
	}

	return otel.GetTextMapPropagator().Extract(c.UserContext(), carrier)
}

// PrepareQueueHeaders copies base and adds traceparent/tracestate from ctx.
func PrepareQueueHeaders(ctx context.Context, base map[string]any) map[string]any {
	headers := make(map[string]any, len(base)+2)
	maps.Copy(headers, base)

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for k, v := range carrier {
		headers[k] = v
	}

	return headers
}

// ExtractTraceContextFromQueueHeaders continues the producer's trace from AMQP headers.
func ExtractTraceContextFromQueueHeaders(ctx context.Context, headers map[string]any) context.Context {
	carrier := propagation.MapCarrier{}

	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}

	if len(carrier) == 0 {
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
