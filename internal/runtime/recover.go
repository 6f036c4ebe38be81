// Package runtime recovers panics in background goroutines and reports them
// through the logger and the active span.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/phojnacki/inventory-sync/internal/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxStackLen = 4096

// HandlePanicValue logs a recovered panic with its stack and marks the span
// in ctx as failed. It never panics itself.
func HandlePanicValue(ctx context.Context, logger log.Logger, recovered any, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	stack := string(debug.Stack())
	if len(stack) > maxStackLen {
		stack = stack[:maxStackLen]
	}

	if logger != nil {
		logger.Log(ctx, log.LevelError, "panic recovered",
			log.String("component", component),
			log.String("goroutine", name),
			log.String("panic", fmt.Sprint(recovered)),
			log.String("stack", stack),
		)
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("panic.recovered", trace.WithAttributes(
			attribute.String("panic.component", component),
			attribute.String("panic.goroutine", name),
			attribute.String("panic.value", fmt.Sprint(recovered)),
		))
		span.SetStatus(codes.Error, "panic recovered")
	}
}

// RecoverAndLog is deferred by long-running workers so a single bad cycle
// does not bring the process down.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		HandlePanicValue(ctx, logger, recovered, component, name)
	}
}

// SafeGo runs fn in a goroutine guarded by RecoverAndLog.
func SafeGo(ctx context.Context, logger log.Logger, component, name string, fn func(ctx context.Context)) {
	go func() {
		defer RecoverAndLog(ctx, logger, component, name)

		fn(ctx)
	}()
}
