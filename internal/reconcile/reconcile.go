// Package reconcile bridges event propagation and synchronous commands: when
// a command references an entity whose creation event has not been observed
// locally yet, the Resolver asks the owning service directly.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
	"github.com/phojnacki/inventory-sync/internal/retry"
)

var (
	// ErrDependencyNotSatisfied is the common parent of reconciliation failures.
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
	// ErrEntityNotFound means the owning service confirmed the entity does not exist.
	ErrEntityNotFound = fmt.Errorf("%w: entity not registered", ErrDependencyNotSatisfied)
	// ErrDependencyUnavailable means existence could not be determined; retry later.
	ErrDependencyUnavailable = fmt.Errorf("%w: owning service unavailable", ErrDependencyNotSatisfied)

	ErrCacheRequired   = errors.New("known entity cache is required")
	ErrCheckerRequired = errors.New("existence checker is required")
	ErrKeyRequired     = errors.New("entity key is required")
)

// Existence is the answer of an authoritative check.
type Existence string

const (
	Exists      Existence = "exists"
	NotFound    Existence = "not_found"
	Unavailable Existence = "unavailable"
)

// KnownEntityCache is the local, non-authoritative record of entities seen
// through events or earlier checks.
type KnownEntityCache interface {
	Contains(ctx context.Context, key uuid.UUID) (bool, error)
	Remember(ctx context.Context, key uuid.UUID, at time.Time) error
}

// ExistenceChecker asks the owning service. Timeouts and transport failures
// must be reported as Unavailable.
type ExistenceChecker interface {
	Check(ctx context.Context, key uuid.UUID) Existence
}

type Resolver struct {
	cache   KnownEntityCache
	checker ExistenceChecker
	logger  log.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewResolver(cache KnownEntityCache, checker ExistenceChecker, logger log.Logger, tracer trace.Tracer) (*Resolver, error) {
	if nilcheck.Interface(cache) {
		return nil, ErrCacheRequired
	}

	if nilcheck.Interface(checker) {
		return nil, ErrCheckerRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("reconcile.noop")
	}

	return &Resolver{
		cache:   cache,
		checker: checker,
		logger:  logger,
		tracer:  tracer,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Ensure returns nil when key is known to exist. A confirmed absence returns
// a permanent ErrEntityNotFound; an undetermined answer returns
// ErrDependencyUnavailable, which callers may retry.
func (r *Resolver) Ensure(ctx context.Context, key uuid.UUID) error {
	if key == uuid.Nil {
		return ErrKeyRequired
	}

	ctx, span := r.tracer.Start(ctx, "reconcile.ensure")
	defer span.End()

	span.SetAttributes(attribute.String("entity.key", key.String()))

	known, err := r.cache.Contains(ctx, key)
	if err != nil {
		r.logger.Log(ctx, log.LevelWarn, "known entity lookup failed; asking owner",
			log.String("key", key.String()), log.Err(err))
	}

	if known {
		span.SetAttributes(attribute.Bool("reconcile.cache_hit", true))

		return nil
	}

	existence := r.checker.Check(ctx, key)
	span.SetAttributes(attribute.String("reconcile.existence", string(existence)))

	switch existence {
	case Exists:
		if err := r.cache.Remember(ctx, key, r.now()); err != nil {
			r.logger.Log(ctx, log.LevelWarn, "could not remember reconciled entity",
				log.String("key", key.String()), log.Err(err))
		}

		r.logger.Log(ctx, log.LevelInfo, "entity reconciled from owning service", log.String("key", key.String()))

		return nil
	case NotFound:
		err := retry.Permanent(fmt.Errorf("%w: %s", ErrEntityNotFound, key))
		opentelemetry.HandleSpanError(span, "entity not found", err)

		return err
	default:
		err := fmt.Errorf("%w: %s", ErrDependencyUnavailable, key)
		opentelemetry.HandleSpanError(span, "owner unavailable", err)

		return err
	}
}
