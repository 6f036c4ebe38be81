package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
)

// DefaultConfirmTimeout bounds the wait for a broker ack.
const DefaultConfirmTimeout = 5 * time.Second

// ConfirmableChannel is the subset of *amqp.Channel used for confirmed publishing.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelFactory opens a replacement channel after the current one was lost.
type ChannelFactory func(ctx context.Context) (ConfirmableChannel, error)

// ConfirmablePublisher publishes one message at a time and waits for the
// broker's confirmation before returning.
//
// Publishing is serialized: confirmations arrive in delivery-tag order, so
// interleaved publishers would read each other's acks. After a timeout the
// confirm stream can no longer be trusted and the channel is dropped; the
// next publish opens a fresh one through the ChannelFactory.
type ConfirmablePublisher struct {
	mu       sync.Mutex
	ch       ConfirmableChannel
	confirms chan amqp.Confirmation
	factory  ChannelFactory
	timeout  time.Duration
	logger   log.Logger
	closed   bool
}

type PublisherOption func(*ConfirmablePublisher)

func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *ConfirmablePublisher) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

func WithChannelFactory(factory ChannelFactory) PublisherOption {
	return func(p *ConfirmablePublisher) {
		p.factory = factory
	}
}

func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(p *ConfirmablePublisher) {
		if !nilcheck.Interface(logger) {
			p.logger = logger
		}
	}
}

// NewConfirmablePublisher puts ch into confirm mode.
func NewConfirmablePublisher(ch ConfirmableChannel, opts ...PublisherOption) (*ConfirmablePublisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	p := &ConfirmablePublisher{timeout: DefaultConfirmTimeout, logger: log.NewNop()}

	for _, opt := range opts {
		opt(p)
	}

	if err := p.attach(ch); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *ConfirmablePublisher) attach(ch ConfirmableChannel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return nil
}

// drop discards a channel whose confirm stream is out of sync.
func (p *ConfirmablePublisher) drop(ctx context.Context, reason string) {
	if p.ch == nil {
		return
	}

	if err := p.ch.Close(); err != nil {
		p.logger.Log(ctx, log.LevelDebug, "closing dropped channel failed", log.Err(err))
	}

	p.logger.Log(ctx, log.LevelWarn, "publisher channel dropped", log.String("reason", reason))

	p.ch = nil
	p.confirms = nil
}

func (p *ConfirmablePublisher) ensureChannel(ctx context.Context) error {
	if p.ch != nil {
		return nil
	}

	if p.factory == nil {
		return ErrPublisherClosed
	}

	ch, err := p.factory(ctx)
	if err != nil {
		return fmt.Errorf("reopen publisher channel: %w", err)
	}

	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	return p.attach(ch)
}

// PublishAndWaitConfirm publishes msg and blocks until the broker acks it.
// A nack returns ErrPublishNacked; no answer within the timeout returns
// ErrConfirmTimeout.
func (p *ConfirmablePublisher) PublishAndWaitConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if p == nil {
		return ErrPublisherClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	if err := p.ensureChannel(ctx); err != nil {
		return err
	}

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		p.drop(ctx, "publish failed")

		return fmt.Errorf("publish to %q: %w", routingKey, err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			p.drop(ctx, "confirm stream closed")

			return fmt.Errorf("publish to %q: %w", routingKey, ErrPublisherClosed)
		}

		if !confirm.Ack {
			return fmt.Errorf("publish to %q (delivery tag %d): %w", routingKey, confirm.DeliveryTag, ErrPublishNacked)
		}

		return nil
	case <-timer.C:
		p.drop(ctx, "confirm timeout")

		return fmt.Errorf("publish to %q after %s: %w", routingKey, p.timeout, ErrConfirmTimeout)
	case <-ctx.Done():
		p.drop(ctx, "context done while awaiting confirm")

		return fmt.Errorf("publish to %q: %w", routingKey, ctx.Err())
	}
}

// Close releases the channel. Later publishes fail with ErrPublisherClosed.
func (p *ConfirmablePublisher) Close() error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	if p.ch == nil {
		return nil
	}

	err := p.ch.Close()
	p.ch = nil
	p.confirms = nil

	if err != nil {
		return fmt.Errorf("close publisher channel: %w", err)
	}

	return nil
}
