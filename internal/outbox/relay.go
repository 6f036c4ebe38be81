package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/phojnacki/inventory-sync/internal/backoff"
	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
	"github.com/phojnacki/inventory-sync/internal/runtime"
)

// Relay drains staged records to the broker.
//
// Delivery is at-least-once: a record is marked DISPATCHED only after the
// publisher returned, so a crash in between republishes it. Consumers
// deduplicate on the record id.
type Relay struct {
	repo            Repository
	publisher       Publisher
	retryClassifier RetryClassifier
	logger          log.Logger
	tracer          trace.Tracer
	cfg             RelayConfig
	metrics         relayMetrics
	now             func() time.Time

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	dispatchWg sync.WaitGroup
}

// DispatchResult captures one cycle's outcome.
type DispatchResult struct {
	Processed         int
	Dispatched        int
	Released          int
	Invalidated       int
	StateUpdateFailed int
}

func NewRelay(repo Repository, publisher Publisher, logger log.Logger, tracer trace.Tracer, opts ...RelayOption) (*Relay, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("outbox.noop")
	}

	relay := &Relay{
		repo:            repo,
		publisher:       publisher,
		retryClassifier: DefaultRetryClassifier,
		logger:          logger,
		tracer:          tracer,
		cfg:             DefaultRelayConfig(),
		now:             func() time.Time { return time.Now().UTC() },
		stop:            make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(relay)
		}
	}

	relay.cfg.normalize()

	metrics, err := newRelayMetrics(relay.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init relay metrics: %w", err)
	}

	relay.metrics = metrics

	return relay, nil
}

// Run dispatches immediately and then on every tick until ctx ends or Stop is
// called. A failed cycle is logged and the loop goes on.
func (r *Relay) Run(ctx context.Context) error {
	if !r.markRunning() {
		return ErrRelayRunning
	}
	defer r.markStopped()

	r.logger.Log(ctx, log.LevelInfo, "outbox relay started",
		log.Duration("interval", r.cfg.DispatchInterval), log.Int("batch_size", r.cfg.BatchSize))
	defer r.logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "outbox relay stopped")

	defer runtime.RecoverAndLog(ctx, r.logger, "outbox", "relay_run")

	ticker := time.NewTicker(r.cfg.DispatchInterval)
	defer ticker.Stop()

	r.cycle(ctx, "outbox.relay.initial_dispatch")

	for {
		select {
		case <-r.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-r.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			r.cycle(ctx, "outbox.relay.dispatch_once")
		}
	}
}

func (r *Relay) cycle(ctx context.Context, spanName string) {
	r.dispatchWg.Add(1)
	defer r.dispatchWg.Done()

	cycleCtx, span := r.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLog(cycleCtx, r.logger, "outbox", "relay_cycle")

	result := r.DispatchOnce(cycleCtx)

	span.SetAttributes(
		attribute.Int("outbox.dispatch.processed", result.Processed),
		attribute.Int("outbox.dispatch.dispatched", result.Dispatched),
		attribute.Int("outbox.dispatch.released", result.Released),
		attribute.Int("outbox.dispatch.invalidated", result.Invalidated),
	)
}

// Stop signals the loop to exit after the current cycle.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, r.logger, "outbox", "relay_shutdown_wait", func(context.Context) {
		r.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// DispatchOnce reclaims stale leases, claims due records and publishes them in
// creation order.
func (r *Relay) DispatchOnce(ctx context.Context) DispatchResult {
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	records := r.collect(ctx, span)
	r.metrics.batchSize.Record(ctx, int64(len(records)))

	var result DispatchResult

	for _, record := range records {
		// Records left PROCESSING here are picked up again once their lease expires.
		if ctx.Err() != nil {
			break
		}

		result.Processed++

		err := r.publishWithRetry(ctx, record)

		switch {
		case err == nil:
			r.markDispatched(ctx, record, &result)
		case r.isNonRetryable(err):
			r.invalidate(ctx, record, err, &result)
		default:
			r.release(ctx, record, err, &result)
		}
	}

	if result.Dispatched > 0 {
		r.metrics.dispatched.Add(ctx, int64(result.Dispatched))
	}

	if result.Released > 0 {
		r.metrics.released.Add(ctx, int64(result.Released))
	}

	if result.Invalidated > 0 {
		r.metrics.invalidated.Add(ctx, int64(result.Invalidated))
	}

	if result.StateUpdateFailed > 0 {
		r.metrics.stateUpdateFailed.Add(ctx, int64(result.StateUpdateFailed))
	}

	r.metrics.cycleLatency.Record(ctx, time.Since(start).Seconds())

	return result
}

func (r *Relay) collect(ctx context.Context, span trace.Span) []*Record {
	stale, err := r.repo.ReclaimStale(ctx, r.cfg.BatchSize, r.now().Add(-r.cfg.LeaseTimeout))
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reclaim stale outbox records", err)
		log.SafeError(r.logger, ctx, "failed to reclaim stale outbox records", err, false)
	}

	remaining := r.cfg.BatchSize - len(stale)
	if remaining <= 0 {
		return sortByCreation(deduplicate(stale))
	}

	pending, err := r.repo.ClaimPending(ctx, remaining)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to claim pending outbox records", err)
		log.SafeError(r.logger, ctx, "failed to claim pending outbox records", err, false)
	}

	return sortByCreation(deduplicate(append(stale, pending...)))
}

func (r *Relay) publishWithRetry(ctx context.Context, record *Record) error {
	var lastErr error

	for attempt := 0; attempt < r.cfg.PublishMaxAttempts; attempt++ {
		err := r.publisher.Publish(ctx, record)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d: %w", attempt+1, r.cfg.PublishMaxAttempts, err)

		if r.isNonRetryable(err) || attempt == r.cfg.PublishMaxAttempts-1 {
			break
		}

		if waitErr := backoff.WaitContext(ctx, backoff.ExponentialWithJitter(r.cfg.PublishBackoff, attempt)); waitErr != nil {
			lastErr = errors.Join(lastErr, waitErr)

			break
		}
	}

	return lastErr
}

// stateContext keeps status writes alive through shutdown so a unit of work
// that already reached the broker is recorded.
func (r *Relay) stateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StateUpdateTimeout)
}

func (r *Relay) markDispatched(ctx context.Context, record *Record, result *DispatchResult) {
	stateCtx, cancel := r.stateContext(ctx)
	defer cancel()

	if err := r.repo.MarkDispatched(stateCtx, record.ID, r.now()); err != nil {
		r.logger.Log(ctx, log.LevelError,
			"outbox record published but DISPATCHED state not persisted; it will be published again",
			log.String("record_id", record.ID.String()),
			log.String("error", SanitizeError(err)),
		)

		result.StateUpdateFailed++

		return
	}

	result.Dispatched++
}

func (r *Relay) invalidate(ctx context.Context, record *Record, cause error, result *DispatchResult) {
	stateCtx, cancel := r.stateContext(ctx)
	defer cancel()

	if err := r.repo.MarkInvalid(stateCtx, record.ID, SanitizeError(cause)); err != nil {
		r.logger.Log(ctx, log.LevelError, "failed to mark outbox record invalid",
			log.String("record_id", record.ID.String()),
			log.String("error", SanitizeError(err)),
		)

		result.StateUpdateFailed++

		return
	}

	r.logger.Log(ctx, log.LevelError, "outbox record parked as INVALID",
		log.String("record_id", record.ID.String()),
		log.String("event_type", record.EventType),
		log.String("reason", SanitizeError(cause)),
	)

	result.Invalidated++
}

func (r *Relay) release(ctx context.Context, record *Record, cause error, result *DispatchResult) {
	stateCtx, cancel := r.stateContext(ctx)
	defer cancel()

	delay := backoff.Capped(r.cfg.ReleaseBackoff, record.Attempts, r.cfg.MaxReleaseBackoff)

	err := r.repo.Release(stateCtx, record.ID, SanitizeError(cause), r.now().Add(delay), r.cfg.MaxDispatchAttempts)
	if err != nil {
		r.logger.Log(ctx, log.LevelError, "failed to release outbox record",
			log.String("record_id", record.ID.String()),
			log.String("error", SanitizeError(err)),
		)

		result.StateUpdateFailed++

		return
	}

	r.logger.Log(ctx, log.LevelWarn, "outbox record publish failed; released for retry",
		log.String("record_id", record.ID.String()),
		log.Int("attempts", record.Attempts+1),
		log.Duration("retry_in", delay),
	)

	result.Released++
}

func (r *Relay) isNonRetryable(err error) bool {
	if err == nil || nilcheck.Interface(r.retryClassifier) {
		return false
	}

	return r.retryClassifier.IsNonRetryable(err)
}

func (r *Relay) markRunning() bool {
	r.runStateMu.Lock()
	defer r.runStateMu.Unlock()

	if r.running {
		return false
	}

	r.running = true

	return true
}

func (r *Relay) markStopped() {
	r.runStateMu.Lock()
	r.running = false
	r.runStateMu.Unlock()
}

func deduplicate(records []*Record) []*Record {
	seen := make(map[uuid.UUID]struct{}, len(records))
	out := make([]*Record, 0, len(records))

	for _, record := range records {
		if record == nil {
			continue
		}

		if _, ok := seen[record.ID]; ok {
			continue
		}

		seen[record.ID] = struct{}{}
		out = append(out, record)
	}

	return out
}

func sortByCreation(records []*Record) []*Record {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID.String() < records[j].ID.String()
		}

		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records
}
