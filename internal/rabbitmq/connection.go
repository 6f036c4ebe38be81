// Package rabbitmq is the AMQP transport: connection handling, confirmed
// publishing, queue topology with dead-lettering and the retrying consumer.
package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/phojnacki/inventory-sync/internal/backoff"
	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
)

const (
	DefaultConnectAttempts = 5
	DefaultConnectBackoff  = 500 * time.Millisecond
	DefaultHeartbeat       = 10 * time.Second

	connectBackoffCap = 30 * time.Second
)

// Config describes how to reach the broker.
type Config struct {
	URL             string
	ConnectAttempts int
	ConnectBackoff  time.Duration
	Heartbeat       time.Duration
	Logger          log.Logger
}

// Connection owns one AMQP connection and hands out channels on it.
type Connection struct {
	mu     sync.Mutex
	cfg    Config
	conn   *amqp.Connection
	logger log.Logger

	dial func(ctx context.Context, rawURL string, heartbeat time.Duration) (*amqp.Connection, error)
}

func NewConnection(cfg Config) (*Connection, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}

	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = DefaultConnectAttempts
	}

	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = DefaultConnectBackoff
	}

	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}

	logger := cfg.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Connection{cfg: cfg, logger: logger, dial: dialContext}, nil
}

func dialContext(ctx context.Context, rawURL string, heartbeat time.Duration) (*amqp.Connection, error) {
	return amqp.DialConfig(rawURL, amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer

			return d.DialContext(ctx, network, addr)
		},
	})
}

// Connect dials the broker unless a live connection exists. Failed dials are
// retried with jittered exponential backoff so a service can start before the
// broker does.
func (c *Connection) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	ctx, span := otel.Tracer("rabbitmq").Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String("messaging.system", "rabbitmq"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	var lastErr error

	for attempt := 0; attempt < c.cfg.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := min(backoff.ExponentialWithJitter(c.cfg.ConnectBackoff, attempt-1), connectBackoffCap)
			if err := backoff.WaitContext(ctx, delay); err != nil {
				opentelemetry.HandleSpanError(span, "connect cancelled", err)

				return fmt.Errorf("rabbitmq connect: %w", err)
			}
		}

		conn, err := c.dial(ctx, c.cfg.URL, c.cfg.Heartbeat)
		if err == nil {
			c.conn = conn
			c.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq",
				log.String("url", redactURL(c.cfg.URL)), log.Int("attempt", attempt+1))

			return nil
		}

		lastErr = err

		c.logger.Log(ctx, log.LevelWarn, "rabbitmq dial failed",
			log.String("url", redactURL(c.cfg.URL)),
			log.Int("attempt", attempt+1),
			log.String("error", strings.ReplaceAll(err.Error(), c.cfg.URL, redactURL(c.cfg.URL))))
	}

	err := fmt.Errorf("rabbitmq connect to %s after %d attempts: %s",
		redactURL(c.cfg.URL), c.cfg.ConnectAttempts, strings.ReplaceAll(lastErr.Error(), c.cfg.URL, redactURL(c.cfg.URL)))
	opentelemetry.HandleSpanError(span, "connect failed", err)

	return err
}

// Channel opens a new channel, reconnecting first when the connection dropped.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return ch, nil
}

// ConfirmChannel adapts Channel for NewConfirmablePublisher's channel factory.
func (c *Connection) ConfirmChannel(ctx context.Context) (ConfirmableChannel, error) {
	ch, err := c.Channel(ctx)
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func (c *Connection) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Connection) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		c.conn = nil

		return nil
	}

	err := c.conn.Close()
	c.conn = nil

	if err != nil {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}

	return nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "amqp://[unparseable]"
	}

	return u.Redacted()
}
