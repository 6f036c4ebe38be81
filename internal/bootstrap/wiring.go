package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/phojnacki/inventory-sync/internal/inbox"
	inboxpg "github.com/phojnacki/inventory-sync/internal/inbox/postgres"
	"github.com/phojnacki/inventory-sync/internal/janitor"
	"github.com/phojnacki/inventory-sync/internal/log"
	ihttp "github.com/phojnacki/inventory-sync/internal/net/http"
	"github.com/phojnacki/inventory-sync/internal/outbox"
	outboxpg "github.com/phojnacki/inventory-sync/internal/outbox/postgres"
	"github.com/phojnacki/inventory-sync/internal/rabbitmq"
	"github.com/phojnacki/inventory-sync/internal/redis"
)

func (i *Infra) requireDatabase() error {
	if i.Postgres == nil {
		return fmt.Errorf("%w: postgres", ErrNotConnected)
	}

	return nil
}

func (i *Infra) requireBroker() error {
	if i.Broker == nil {
		return fmt.Errorf("%w: rabbitmq", ErrNotConnected)
	}

	return nil
}

func (i *Infra) OutboxRepository() (*outboxpg.Repository, error) {
	if err := i.requireDatabase(); err != nil {
		return nil, err
	}

	db, err := i.Postgres.Primary()
	if err != nil {
		return nil, err
	}

	return outboxpg.NewRepository(db, outboxpg.WithLogger(i.Logger), outboxpg.WithTracer(i.Tracer()))
}

func (i *Infra) Ledger() (*inboxpg.Ledger, error) {
	if err := i.requireDatabase(); err != nil {
		return nil, err
	}

	db, err := i.Postgres.Primary()
	if err != nil {
		return nil, err
	}

	return inboxpg.NewLedger(db, i.Logger)
}

func (i *Infra) InboxProcessor() (*inbox.Processor, error) {
	ledger, err := i.Ledger()
	if err != nil {
		return nil, err
	}

	db, err := i.Postgres.Primary()
	if err != nil {
		return nil, err
	}

	return inbox.NewProcessor(db, ledger, i.Logger, i.Tracer())
}

// DeclareQueues declares each queue with its dead-letter queue.
func (i *Infra) DeclareQueues(ctx context.Context, queues ...string) error {
	if err := i.requireBroker(); err != nil {
		return err
	}

	ch, err := i.Broker.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, queue := range queues {
		if err := rabbitmq.DeclareQueueTopology(ch, queue); err != nil {
			return err
		}
	}

	i.Logger.Log(ctx, log.LevelInfo, "queue topology declared", log.Any("queues", queues))

	return nil
}

func (i *Infra) newConfirmablePublisher(ctx context.Context) (*rabbitmq.ConfirmablePublisher, error) {
	ch, err := i.Broker.ConfirmChannel(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := rabbitmq.NewConfirmablePublisher(ch,
		rabbitmq.WithChannelFactory(i.Broker.ConfirmChannel),
		rabbitmq.WithPublisherLogger(i.Logger))
	if err != nil {
		_ = ch.Close()

		return nil, err
	}

	i.closers = append(i.closers, func(context.Context) error { return publisher.Close() })

	return publisher, nil
}

// NewRelay builds the outbox relay that routes each event type to the queue
// of the same name.
func (i *Infra) NewRelay(ctx context.Context, eventTypes ...string) (*outbox.Relay, error) {
	if err := i.requireBroker(); err != nil {
		return nil, err
	}

	repo, err := i.OutboxRepository()
	if err != nil {
		return nil, err
	}

	confirmer, err := i.newConfirmablePublisher(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := rabbitmq.NewOutboxPublisher(confirmer)
	if err != nil {
		return nil, err
	}

	registry := outbox.NewPublisherRegistry()

	for _, eventType := range eventTypes {
		if err := registry.Register(eventType, publisher); err != nil {
			return nil, err
		}
	}

	return outbox.NewRelay(repo, registry, i.Logger, i.Tracer(),
		outbox.WithConfig(i.Config.RelayConfig()),
		outbox.WithMeterProvider(i.Telemetry.MeterProvider))
}

// ConsumerSpec binds a handler to a queue.
type ConsumerSpec struct {
	Queue   string
	Handler rabbitmq.Handler
	// Workers defaults to Config.ConsumerWorkers; 1 keeps the queue sequential.
	Workers int
}

// NewConsumer opens a dedicated channel for the queue and a confirm channel for
// its dead-letter copies.
func (i *Infra) NewConsumer(ctx context.Context, spec ConsumerSpec) (*rabbitmq.Consumer, error) {
	if err := i.requireBroker(); err != nil {
		return nil, err
	}

	workers := spec.Workers
	if workers <= 0 {
		workers = i.Config.ConsumerWorkers
	}

	ch, err := i.Broker.Channel(ctx)
	if err != nil {
		return nil, err
	}

	i.closers = append(i.closers, func(context.Context) error { return ch.Close() })

	deadLetters, err := i.newConfirmablePublisher(ctx)
	if err != nil {
		return nil, err
	}

	return rabbitmq.NewConsumer(ch, spec.Queue, spec.Handler, i.Logger, i.Tracer(),
		rabbitmq.WithDeadLetterPublisher(deadLetters),
		rabbitmq.WithRetryPolicy(i.Config.RetryPolicy()),
		rabbitmq.WithWorkers(workers),
		rabbitmq.WithPrefetch(workers),
		rabbitmq.WithConsumerTag(fmt.Sprintf("%s.%s", i.Config.ServiceName, spec.Queue)),
		rabbitmq.WithConsumerMeterProvider(i.Telemetry.MeterProvider))
}

// NewJanitor prunes this service's ledger. With Redis connected the prune is
// single-flight across replicas.
func (i *Infra) NewJanitor(ctx context.Context) (*janitor.Janitor, error) {
	ledger, err := i.Ledger()
	if err != nil {
		return nil, err
	}

	opts := []janitor.Option{
		janitor.WithRetention(i.Config.LedgerRetention),
		janitor.WithMinRetention(i.Config.MinLedgerRetention()),
		janitor.WithInterval(i.Config.LedgerInterval),
		janitor.WithInitialDelay(i.Config.LedgerInitialDelay),
	}

	if i.Redis != nil {
		locks, err := redis.NewLockManager(ctx, i.Redis)
		if err != nil {
			return nil, err
		}

		opts = append(opts, janitor.WithLocker(RedisLocker(locks), janitor.DefaultLockKey, janitor.DefaultLockTTL))
	}

	return janitor.New(ledger, i.Logger, i.Tracer(), opts...)
}

// RedisLocker adapts a redis lock manager to the janitor's Locker.
func RedisLocker(locks *redis.LockManager) janitor.Locker {
	return janitor.LockerFunc(func(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
		handle, acquired, err := locks.TryLock(ctx, key, ttl)
		if err != nil || !acquired {
			return nil, false, err
		}

		return handle.Unlock, true, nil
	})
}

// NewHTTPApp returns a fiber app with tracing, access logging, the error
// mappings and a /health route.
func (i *Infra) NewHTTPApp(mappings ...ihttp.ErrorMapping) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               i.Config.ServiceName,
		DisableStartupMessage: true,
		ErrorHandler:          ihttp.NewErrorHandler(i.Logger, mappings...),
	})

	app.Use(ihttp.WithTelemetry(i.Tracer()))
	app.Use(ihttp.WithHTTPLogging(i.Logger))
	app.Get("/health", ihttp.Ping)

	return app
}
