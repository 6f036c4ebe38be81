// Package redis wraps go-redis for the janitor's cross-replica lock.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
)

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultPoolSize    = 10
)

var (
	ErrNilClient          = errors.New("redis client is nil")
	ErrAddressRequired    = errors.New("at least one redis address is required")
	ErrClientNotConnected = errors.New("redis client is not connected")
)

// Config selects the topology by its shape: one address is standalone, a
// MasterName means sentinel, several addresses without one mean cluster.
type Config struct {
	Addresses   []string
	MasterName  string
	Password    string `json:"-"`
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	Logger      log.Logger
}

// String keeps the password out of logs.
func (c Config) String() string {
	return fmt.Sprintf("redis.Config{Addresses:%v MasterName:%q DB:%d}", c.Addresses, c.MasterName, c.DB)
}

type Client struct {
	mu        sync.RWMutex
	cfg       Config
	client    redis.UniversalClient
	logger    log.Logger
	connected bool
}

func New(cfg Config) (*Client, error) {
	addrs := make([]string, 0, len(cfg.Addresses))

	for _, addr := range cfg.Addresses {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}

	if len(addrs) == 0 {
		return nil, ErrAddressRequired
	}

	cfg.Addresses = addrs

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	logger := cfg.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Client{cfg: cfg, logger: logger}, nil
}

// Connect builds the universal client and verifies it with PING.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       c.cfg.Addresses,
		MasterName:  c.cfg.MasterName,
		Password:    c.cfg.Password,
		DB:          c.cfg.DB,
		PoolSize:    c.cfg.PoolSize,
		DialTimeout: c.cfg.DialTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = rdb
	c.connected = true

	c.logger.Log(ctx, log.LevelInfo, "connected to redis", log.String("topology", c.topology()))

	return nil
}

func (c *Client) topology() string {
	switch {
	case c.cfg.MasterName != "":
		return "sentinel"
	case len(c.cfg.Addresses) > 1:
		return "cluster"
	default:
		return "standalone"
	}
}

// GetClient returns the connected client, connecting on first use.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	client, connected := c.client, c.connected
	c.mu.RUnlock()

	if connected {
		return client, nil
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, ErrClientNotConnected
	}

	return c.client, nil
}

func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected = false

	if err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}

	return nil
}
