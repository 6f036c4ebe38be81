package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/phojnacki/inventory-sync/internal/backoff"
	"github.com/phojnacki/inventory-sync/internal/errgroup"
	"github.com/phojnacki/inventory-sync/internal/inbox"
	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
	"github.com/phojnacki/inventory-sync/internal/outbox"
	"github.com/phojnacki/inventory-sync/internal/retry"
	"github.com/phojnacki/inventory-sync/internal/runtime"
)

const (
	DefaultPrefetch          = 1
	DefaultDeadLetterTimeout = 5 * time.Second

	reasonRetriesExhausted = "retries_exhausted"
)

// ConsumerChannel is the subset of *amqp.Channel a Consumer needs.
type ConsumerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Message is the handler's view of a delivery.
type Message struct {
	ID          uuid.UUID
	Type        string
	Body        []byte
	Headers     amqp.Table
	Redelivered bool
}

// Handler applies one message. It reports whether the message was new or a
// duplicate already recorded in the inbox.
type Handler func(ctx context.Context, msg Message) (inbox.Outcome, error)

// Consumer reads one queue with manual acknowledgements.
//
// Each delivery runs through the retry policy in place: transient failures
// are retried after a backoff while the delivery stays unacked, and permanent
// or exhausted failures are copied to "<queue>.dlq" with diagnostic headers.
// When that copy cannot be confirmed the delivery is rejected without
// requeue so the queue's dead-letter exchange still captures it.
type Consumer struct {
	ch          ConsumerChannel
	queue       string
	tag         string
	handler     Handler
	deadLetters Confirmer
	policy      retry.Policy
	prefetch    int
	workers     int
	dlqTimeout  time.Duration
	logger      log.Logger
	tracer      trace.Tracer
	meter       metric.MeterProvider
	metrics     consumerMetrics
}

type ConsumerOption func(*Consumer)

func WithRetryPolicy(policy retry.Policy) ConsumerOption {
	return func(c *Consumer) { c.policy = policy }
}

// WithDeadLetterPublisher sets the confirmer used to copy failed messages to "<queue>.dlq".
func WithDeadLetterPublisher(confirmer Confirmer) ConsumerOption {
	return func(c *Consumer) { c.deadLetters = confirmer }
}

// WithPrefetch sets the broker-side unacked window. Ordered queues keep 1.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// WithWorkers sets how many goroutines process deliveries concurrently.
func WithWorkers(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) { c.tag = tag }
}

func WithDeadLetterTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if timeout > 0 {
			c.dlqTimeout = timeout
		}
	}
}

func WithConsumerMeterProvider(provider metric.MeterProvider) ConsumerOption {
	return func(c *Consumer) { c.meter = provider }
}

func NewConsumer(ch ConsumerChannel, queue string, handler Handler, logger log.Logger, tracer trace.Tracer, opts ...ConsumerOption) (*Consumer, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, ErrQueueRequired
	}

	if handler == nil {
		return nil, ErrHandlerRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("rabbitmq.noop")
	}

	c := &Consumer{
		ch:         ch,
		queue:      queue,
		handler:    handler,
		policy:     retry.DefaultPolicy(),
		prefetch:   DefaultPrefetch,
		workers:    1,
		dlqTimeout: DefaultDeadLetterTimeout,
		logger:     logger.With(log.String("queue", queue)),
		tracer:     tracer,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.meter == nil {
		c.meter = otel.GetMeterProvider()
	}

	metrics, err := newConsumerMetrics(c.meter)
	if err != nil {
		return nil, err
	}

	c.metrics = metrics

	return c, nil
}

// Run consumes until ctx ends or the broker closes the delivery stream.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch on %q: %w", c.queue, err)
	}

	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", c.queue, err)
	}

	c.logger.Log(ctx, log.LevelInfo, "consumer started",
		log.Int("prefetch", c.prefetch), log.Int("workers", c.workers))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLogger(c.logger)

	for range c.workers {
		group.Go(func() error {
			return c.work(groupCtx, deliveries)
		})
	}

	err = group.Wait()

	c.logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "consumer stopped")

	return err
}

func (c *Consumer) work(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}

				return fmt.Errorf("%q: %w", c.queue, ErrDeliveriesClosed)
			}

			c.process(ctx, d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	ctx = opentelemetry.ExtractTraceContextFromQueueHeaders(ctx, d.Headers)

	ctx, span := c.tracer.Start(ctx, "rabbitmq.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.destination.name", c.queue),
		attribute.String("messaging.message.id", d.MessageId),
	)

	attrs := metric.WithAttributes(attribute.String("queue", c.queue))

	id, err := uuid.Parse(d.MessageId)
	if err != nil || id == uuid.Nil {
		c.deadLetter(ctx, d, 1, retry.ClassValidation,
			retry.Permanent(fmt.Errorf("%w: %q", ErrMessageIDInvalid, d.MessageId)))

		return
	}

	msg := Message{ID: id, Type: d.Type, Body: d.Body, Headers: d.Headers, Redelivered: d.Redelivered}
	logger := c.logger.With(log.String("message_id", d.MessageId))

	for attempt := 1; ; attempt++ {
		outcome, err := c.invoke(ctx, msg)

		decision := c.policy.Decide(retry.Context{
			MessageID:      msg.ID.String(),
			Attempt:        attempt,
			LastErrorClass: retry.Classify(err),
		}, err)

		switch decision.Next {
		case retry.StateCommitted:
			if ackErr := d.Ack(false); ackErr != nil {
				log.SafeError(logger, ctx, "ack failed; message will be redelivered", ackErr, false)
			}

			if outcome == inbox.OutcomeDuplicate {
				c.metrics.duplicates.Add(ctx, 1, attrs)
			} else {
				c.metrics.processed.Add(ctx, 1, attrs)
			}

			return
		case retry.StateRetrying:
			c.metrics.retried.Add(ctx, 1, attrs)

			logger.Log(ctx, log.LevelWarn, "message processing failed; retrying",
				log.Int("attempt", attempt),
				log.Duration("delay", decision.Delay),
				log.String("error_class", string(decision.Class)),
				log.String("error", outbox.SanitizeError(err)))

			if waitErr := backoff.WaitContext(ctx, decision.Delay); waitErr != nil {
				// Shutting down: hand the message back for another consumer.
				if nackErr := d.Nack(false, true); nackErr != nil {
					log.SafeError(logger, ctx, "requeue on shutdown failed", nackErr, false)
				}

				return
			}
		default:
			opentelemetry.HandleSpanError(span, "message dead-lettered", err)
			c.deadLetter(ctx, d, attempt, decision.Class, err)

			return
		}
	}
}

func (c *Consumer) invoke(ctx context.Context, msg Message) (outcome inbox.Outcome, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, c.logger, recovered, "rabbitmq", "consumer."+c.queue)

			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()

	return c.handler(ctx, msg)
}

func (c *Consumer) deadLetter(ctx context.Context, d amqp.Delivery, attempts int, class retry.ErrorClass, cause error) {
	reason := string(class)
	if class == retry.ClassTransient {
		reason = reasonRetriesExhausted
	}

	lastErr := outbox.SanitizeError(cause)

	c.metrics.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", c.queue), attribute.String("reason", reason)))

	c.logger.Log(ctx, log.LevelError, "message dead-lettered",
		log.String("message_id", d.MessageId),
		log.String("reason", reason),
		log.Int("attempts", attempts),
		log.String("error", lastErr))

	if !nilcheck.Interface(c.deadLetters) {
		headers := make(amqp.Table, len(d.Headers)+4)
		for k, v := range d.Headers {
			headers[k] = v
		}

		headers[HeaderDeadLetterReason] = reason
		headers[HeaderAttempts] = int32(attempts)
		headers[HeaderLastError] = lastErr
		headers[HeaderOriginalQueue] = c.queue

		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.dlqTimeout)
		defer cancel()

		err := c.deadLetters.PublishAndWaitConfirm(publishCtx, "", DeadLetterQueueName(c.queue), amqp.Publishing{
			Headers:      headers,
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
			Type:         d.Type,
			Timestamp:    d.Timestamp,
			Body:         d.Body,
		})
		if err == nil {
			if ackErr := d.Ack(false); ackErr != nil {
				log.SafeError(c.logger, ctx, "ack after dead-letter failed", ackErr, false)
			}

			return
		}

		log.SafeError(c.logger, ctx, "dead-letter publish failed; rejecting to dead-letter exchange", err, false)
	}

	if err := d.Nack(false, false); err != nil {
		log.SafeError(c.logger, ctx, "reject failed; message will be redelivered", err, false)
	}
}

type consumerMetrics struct {
	processed    metric.Int64Counter
	duplicates   metric.Int64Counter
	retried      metric.Int64Counter
	deadLettered metric.Int64Counter
}

func newConsumerMetrics(provider metric.MeterProvider) (consumerMetrics, error) {
	meter := provider.Meter("inventory-sync.rabbitmq.consumer")

	var (
		m   consumerMetrics
		err error
	)

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.processed, "messaging.messages.processed", "Messages applied and acknowledged"},
		{&m.duplicates, "messaging.messages.duplicates", "Messages skipped because the inbox already recorded them"},
		{&m.retried, "messaging.messages.retried", "Handler attempts that failed transiently and were retried"},
		{&m.deadLettered, "messaging.messages.dead_lettered", "Messages moved to the dead-letter queue"},
	}

	for _, counter := range counters {
		*counter.target, err = meter.Int64Counter(counter.name,
			metric.WithDescription(counter.desc), metric.WithUnit("{message}"))
		if err != nil {
			return consumerMetrics{}, fmt.Errorf("create %s counter: %w", counter.name, err)
		}
	}

	return m, nil
}
