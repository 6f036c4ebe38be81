// Package server runs a fiber app until its context ends, then drains it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/runtime"
)

const DefaultShutdownTimeout = 30 * time.Second

var ErrAppRequired = errors.New("fiber app is required")

type Manager struct {
	app             *fiber.App
	address         string
	listener        net.Listener
	shutdownTimeout time.Duration
	logger          log.Logger
	started         chan struct{}
}

type Option func(*Manager)

func WithShutdownTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.shutdownTimeout = d
		}
	}
}

// WithListener serves on an existing listener instead of binding address.
func WithListener(ln net.Listener) Option {
	return func(m *Manager) { m.listener = ln }
}

func NewManager(app *fiber.App, address string, logger log.Logger, opts ...Option) (*Manager, error) {
	if app == nil {
		return nil, ErrAppRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	m := &Manager{
		app:             app,
		address:         address,
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          logger,
		started:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Started is closed once the listener is bound.
func (m *Manager) Started() <-chan struct{} {
	return m.started
}

// Run serves until ctx ends, then shuts the app down within the shutdown
// timeout. A listener failure is returned immediately.
func (m *Manager) Run(ctx context.Context) error {
	ln := m.listener
	if ln == nil {
		var err error

		ln, err = net.Listen("tcp", m.address)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", m.address, err)
		}
	}

	serveErr := make(chan error, 1)

	runtime.SafeGo(ctx, m.logger, "server", "http_listener", func(context.Context) {
		serveErr <- m.app.Listener(ln)
	})

	close(m.started)

	m.logger.Log(ctx, log.LevelInfo, "http server listening", log.String("address", ln.Addr().String()))

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	m.logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "shutting down http server",
		log.Duration("timeout", m.shutdownTimeout))

	if err := m.app.ShutdownWithTimeout(m.shutdownTimeout); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	return nil
}
