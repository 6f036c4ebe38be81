package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
	"github.com/phojnacki/inventory-sync/internal/postgres"
	"github.com/phojnacki/inventory-sync/internal/rabbitmq"
	"github.com/phojnacki/inventory-sync/internal/redis"
	izap "github.com/phojnacki/inventory-sync/internal/zap"
)

const closeTimeout = 10 * time.Second

var ErrNotConnected = errors.New("dependency not connected")

// Infra holds the process-wide clients. Only the clients a command connects
// are non-nil.
type Infra struct {
	Config    *Config
	Logger    log.Logger
	Telemetry *opentelemetry.Telemetry
	Postgres  *postgres.Client
	Broker    *rabbitmq.Connection
	Redis     *redis.Client

	closers []func(ctx context.Context) error
}

// NewInfra builds the logger and telemetry providers. Connections are opened
// separately so short-lived commands only pay for what they use.
func NewInfra(ctx context.Context, cfg *Config) (*Infra, error) {
	logger, err := izap.New(izap.Config{
		Environment:     izap.Environment(cfg.EnvName),
		Level:           cfg.LogLevel,
		OTelLibraryName: cfg.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	telemetry, err := opentelemetry.Init(ctx, opentelemetry.Config{
		LibraryName:       "github.com/phojnacki/inventory-sync",
		ServiceName:       cfg.ServiceName,
		ServiceVersion:    cfg.ServiceVersion,
		DeploymentEnv:     cfg.EnvName,
		CollectorEndpoint: cfg.CollectorEndpoint,
		Enabled:           cfg.TelemetryEnabled,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	infra := &Infra{Config: cfg, Logger: logger, Telemetry: telemetry}

	infra.closers = append(infra.closers,
		func(ctx context.Context) error {
			// stdout sync errors are expected on some platforms.
			_ = logger.Sync(ctx)
			return nil
		},
		func(ctx context.Context) error {
			telemetry.Shutdown(ctx)
			return nil
		})

	return infra, nil
}

func (i *Infra) Tracer() trace.Tracer {
	return i.Telemetry.Tracer()
}

func (i *Infra) ConnectDatabase(ctx context.Context) error {
	client, err := postgres.New(postgres.Config{
		PrimaryDSN:     i.Config.PrimaryDSN,
		ReplicaDSN:     i.Config.ReplicaDSN,
		DatabaseName:   i.Config.DatabaseName,
		MigrationsPath: i.Config.MigrationsPath,
		MaxOpenConns:   i.Config.MaxOpenConns,
		MaxIdleConns:   i.Config.MaxIdleConns,
		Logger:         i.Logger,
	})
	if err != nil {
		return err
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}

	i.Postgres = client
	i.closers = append(i.closers, func(context.Context) error { return client.Close() })

	return nil
}

func (i *Infra) ConnectBroker(ctx context.Context) error {
	conn, err := rabbitmq.NewConnection(rabbitmq.Config{URL: i.Config.RabbitMQURL, Logger: i.Logger})
	if err != nil {
		return err
	}

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	i.Broker = conn
	i.closers = append(i.closers, func(context.Context) error { return conn.Close() })

	return nil
}

func (i *Infra) ConnectRedis(ctx context.Context) error {
	client, err := redis.New(redis.Config{
		Addresses:  i.Config.RedisAddressList(),
		MasterName: i.Config.RedisMasterName,
		Password:   i.Config.RedisPassword,
		DB:         i.Config.RedisDB,
		Logger:     i.Logger,
	})
	if err != nil {
		return err
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}

	i.Redis = client
	i.closers = append(i.closers, func(context.Context) error { return client.Close() })

	return nil
}

// Close releases clients in reverse order of creation.
func (i *Infra) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	for idx := len(i.closers) - 1; idx >= 0; idx-- {
		if err := i.closers[idx](ctx); err != nil {
			i.Logger.Log(ctx, log.LevelWarn, "close failed", log.Err(err))
		}
	}

	i.closers = nil
}
