package http

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
)

// WithTelemetry continues the caller's trace and wraps the request in a server span.
func WithTelemetry(tracer trace.Tracer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := opentelemetry.ExtractHTTPContext(c)

		ctx, span := tracer.Start(ctx, c.Method()+" "+c.Path(), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.SetUserContext(ctx)

		err := c.Next()

		status := c.Response().StatusCode()
		span.SetAttributes(
			attribute.String("http.request.method", c.Method()),
			attribute.String("url.path", c.Path()),
			attribute.Int("http.response.status_code", status),
		)

		if err != nil || status >= fiber.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
		}

		return err
	}
}

// HeaderRequestID carries the request correlation id. A missing id is
// generated and echoed on the response.
const HeaderRequestID = "X-Request-Id"

// WithHTTPLogging writes one access line per request. Health probes are skipped.
func WithHTTPLogging(logger log.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" {
			return c.Next()
		}

		requestID := setRequestID(c)
		start := time.Now()
		err := c.Next()

		// Run the error handler now so the logged status is the final one.
		if err != nil {
			if handlerErr := c.App().ErrorHandler(c, err); handlerErr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}

			err = nil
		}

		logger.Log(c.UserContext(), log.LevelInfo, "http request",
			log.String("request_id", requestID),
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Int("status", c.Response().StatusCode()),
			log.Duration("duration", time.Since(start)))

		return err
	}
}

func setRequestID(c *fiber.Ctx) string {
	requestID := c.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
		c.Request().Header.Set(HeaderRequestID, requestID)
	}

	c.Set(HeaderRequestID, requestID)

	return requestID
}
