// Package janitor prunes idempotency ledger entries once they are old enough
// that the broker can no longer redeliver their message.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/phojnacki/inventory-sync/internal/backoff"
	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
	"github.com/phojnacki/inventory-sync/internal/outbox"
	"github.com/phojnacki/inventory-sync/internal/retry"
	"github.com/phojnacki/inventory-sync/internal/runtime"
)

const (
	DefaultRetention    = 30 * time.Minute
	DefaultInterval     = 24 * time.Minute
	DefaultInitialDelay = time.Minute
	DefaultLockTTL      = 2 * time.Minute
	DefaultLockKey      = "inventory-sync:ledger-janitor"
)

// DefaultMinRetention is MinRetention under the default consumer policy and
// relay configuration.
var DefaultMinRetention = MinRetention(retry.DefaultPolicy(), outbox.DefaultRelayConfig())

// MinRetention is the shortest safe ledger retention: a message id can reach
// a consumer again through broker redelivery or through the relay publishing
// the record a second time, and its ledger row must outlive both.
func MinRetention(policy retry.Policy, relay outbox.RelayConfig) time.Duration {
	return max(policy.MaxRedeliverySpan(), relay.MaxRedeliveryDelay())
}

var (
	ErrPrunerRequired    = errors.New("pruner is required")
	ErrRetentionTooShort = errors.New("retention is shorter than the maximum redelivery span")
	ErrIntervalInvalid   = errors.New("janitor interval must be positive")
)

// Pruner deletes ledger rows processed before cutoff.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Locker elects one replica per cycle. acquired is false when another holder
// owns key; release must then be nil.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

type LockerFunc func(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)

func (f LockerFunc) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	return f(ctx, key, ttl)
}

type Janitor struct {
	pruner       Pruner
	locker       Locker
	lockKey      string
	lockTTL      time.Duration
	retention    time.Duration
	interval     time.Duration
	initialDelay time.Duration
	minRetention time.Duration
	logger       log.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

type Option func(*Janitor)

func WithRetention(d time.Duration) Option {
	return func(j *Janitor) { j.retention = d }
}

func WithInterval(d time.Duration) Option {
	return func(j *Janitor) { j.interval = d }
}

func WithInitialDelay(d time.Duration) Option {
	return func(j *Janitor) { j.initialDelay = max(d, 0) }
}

// WithMinRetention sets the floor New enforces on the retention window.
func WithMinRetention(d time.Duration) Option {
	return func(j *Janitor) { j.minRetention = d }
}

// WithLocker makes cycles run only on the replica holding key.
func WithLocker(locker Locker, key string, ttl time.Duration) Option {
	return func(j *Janitor) {
		j.locker = locker

		if key != "" {
			j.lockKey = key
		}

		if ttl > 0 {
			j.lockTTL = ttl
		}
	}
}

func New(pruner Pruner, logger log.Logger, tracer trace.Tracer, opts ...Option) (*Janitor, error) {
	if nilcheck.Interface(pruner) {
		return nil, ErrPrunerRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("janitor.noop")
	}

	j := &Janitor{
		pruner:       pruner,
		lockKey:      DefaultLockKey,
		lockTTL:      DefaultLockTTL,
		retention:    DefaultRetention,
		interval:     DefaultInterval,
		initialDelay: DefaultInitialDelay,
		minRetention: DefaultMinRetention,
		logger:       logger,
		tracer:       tracer,
		now:          func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(j)
	}

	if nilcheck.Interface(j.locker) {
		j.locker = nil
	}

	if j.interval <= 0 {
		return nil, ErrIntervalInvalid
	}

	if j.retention < j.minRetention {
		return nil, fmt.Errorf("%w: retention %s < %s", ErrRetentionTooShort, j.retention, j.minRetention)
	}

	return j, nil
}

// Run waits the initial delay, prunes, then prunes on every interval until
// ctx ends. A failed cycle is logged and the loop continues.
func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Log(ctx, log.LevelInfo, "ledger janitor started",
		log.Duration("retention", j.retention),
		log.Duration("interval", j.interval),
		log.Duration("initial_delay", j.initialDelay))

	defer j.logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "ledger janitor stopped")

	if err := backoff.WaitContext(ctx, j.initialDelay); err != nil {
		return nil
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		j.cycle(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (j *Janitor) cycle(ctx context.Context) {
	defer runtime.RecoverAndLog(ctx, j.logger, "janitor", "ledger_prune")

	if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
		log.SafeError(j.logger, ctx, "ledger prune failed", err, false)
	}
}

// RunOnce deletes entries processed before now minus the retention window.
// It returns zero without deleting when another replica holds the lock.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	ctx, span := j.tracer.Start(ctx, "janitor.prune")
	defer span.End()

	if j.locker != nil {
		release, acquired, err := j.locker.TryLock(ctx, j.lockKey, j.lockTTL)
		if err != nil {
			opentelemetry.HandleSpanError(span, "lock failed", err)

			return 0, fmt.Errorf("acquire janitor lock: %w", err)
		}

		if !acquired {
			span.SetAttributes(attribute.Bool("janitor.skipped", true))
			j.logger.Log(ctx, log.LevelDebug, "ledger prune skipped; lock held by another replica")

			return 0, nil
		}

		defer func() {
			if release == nil {
				return
			}

			if err := release(context.WithoutCancel(ctx)); err != nil {
				j.logger.Log(ctx, log.LevelWarn, "releasing janitor lock failed", log.Err(err))
			}
		}()
	}

	cutoff := j.now().Add(-j.retention)

	deleted, err := j.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		opentelemetry.HandleSpanError(span, "prune failed", err)

		return 0, fmt.Errorf("prune ledger before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	span.SetAttributes(attribute.Int64("janitor.deleted", deleted))

	j.logger.Log(ctx, log.LevelInfo, "processed events pruned",
		log.Int64("deleted", deleted), log.String("cutoff", cutoff.Format(time.RFC3339)))

	return deleted, nil
}
