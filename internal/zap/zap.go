// Package zap adapts go.uber.org/zap to the log.Logger contract used by the
// services. Entries are JSON encoded, teed into the OpenTelemetry log bridge
// and correlated with the active span.
package zap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/phojnacki/inventory-sync/internal/log"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment selects the baseline encoder profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// ErrInvalidConfig is returned by New when Config is incomplete.
var ErrInvalidConfig = errors.New("invalid zap config")

// Config holds the logger initialization inputs.
type Config struct {
	Environment     Environment
	Level           string
	OTelLibraryName string
}

// Logger implements log.Logger on top of a zap core.
type Logger struct {
	base  *zap.Logger
	level zap.AtomicLevel
}

var _ log.Logger = (*Logger)(nil)

var messageEscaper = strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`)

// New builds a logger for the configured environment. The returned logger is
// also usable through its Level handle for runtime level changes.
func New(cfg Config) (*Logger, error) {
	if strings.TrimSpace(cfg.OTelLibraryName) == "" {
		return nil, fmt.Errorf("%w: OTelLibraryName is required", ErrInvalidConfig)
	}

	var zcfg zap.Config

	switch cfg.Environment {
	case EnvironmentDevelopment, EnvironmentLocal:
		zcfg = zap.NewDevelopmentConfig()
	case EnvironmentProduction, EnvironmentStaging:
		zcfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("%w: environment %q", ErrInvalidConfig, cfg.Environment)
	}

	zcfg.Encoding = "json"
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zcfg.DisableStacktrace = true

	level, err := atomicLevel(cfg)
	if err != nil {
		return nil, err
	}

	zcfg.Level = level

	built, err := zcfg.Build(
		zap.AddCallerSkip(1),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(cfg.OTelLibraryName))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &Logger{base: built, level: level}, nil
}

// NewWithCore wraps an existing core; tests pass an observer core.
func NewWithCore(core zapcore.Core) *Logger {
	return &Logger{base: zap.New(core), level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func atomicLevel(cfg Config) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) == "" {
		if cfg.Environment == EnvironmentDevelopment || cfg.Environment == EnvironmentLocal {
			return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
		}

		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}

	parsed, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return zap.NewAtomicLevelAt(toZapLevel(parsed)), nil
}

func (l *Logger) z() *zap.Logger {
	if l == nil || l.base == nil {
		return zap.NewNop()
	}

	return l.base
}

// Log writes one entry, appending trace_id and span_id when ctx carries a span.
func (l *Logger) Log(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	zfields := make([]zap.Field, 0, len(fields)+2)
	for _, f := range fields {
		zfields = append(zfields, zap.Any(f.Key, f.Value))
	}

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zfields = append(zfields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	if ce := l.z().Check(toZapLevel(level), messageEscaper.Replace(msg)); ce != nil {
		ce.Write(zfields...)
	}
}

//nolint:ireturn
func (l *Logger) With(fields ...log.Field) log.Logger {
	zfields := make([]zap.Field, len(fields))
	for i, f := range fields {
		zfields[i] = zap.Any(f.Key, f.Value)
	}

	return &Logger{base: l.z().With(zfields...), level: l.level}
}

//nolint:ireturn
func (l *Logger) WithGroup(name string) log.Logger {
	return &Logger{base: l.z().With(zap.Namespace(name)), level: l.level}
}

func (l *Logger) Enabled(level log.Level) bool {
	return l.z().Core().Enabled(toZapLevel(level))
}

// Sync flushes buffered entries unless ctx ends first.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() { done <- l.z().Sync() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Level exposes the runtime-adjustable level.
func (l *Logger) Level() zap.AtomicLevel {
	return l.level
}

func toZapLevel(level log.Level) zapcore.Level {
	switch level {
	case log.LevelDebug:
		return zapcore.DebugLevel
	case log.LevelWarn:
		return zapcore.WarnLevel
	case log.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
