// Package errgroup runs the long-lived workers of a service (HTTP server,
// relay, consumers, janitor) under one cancellation scope.
package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/runtime"
)

// ErrPanicRecovered wraps a panic raised inside a group goroutine.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group cancels its context on the first failure and reports that failure from Wait.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	logger  log.Logger
}

// WithContext returns a Group and the context its workers should observe.
func WithContext(ctx context.Context) (*Group, context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger enables panic logging.
func (g *Group) SetLogger(logger log.Logger) {
	if g != nil {
		g.logger = logger
	}
}

func (g *Group) fail(err error) {
	g.errOnce.Do(func() {
		g.err = err

		if g.cancel != nil {
			g.cancel()
		}
	})
}

// Go starts fn. A panic is converted into ErrPanicRecovered.
func (g *Group) Go(fn func() error) {
	g.wg.Add(1)

	go func() {
		defer g.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				ctx := g.ctx
				if ctx == nil {
					ctx = context.Background()
				}

				runtime.HandlePanicValue(ctx, g.logger, recovered, "errgroup", "group.Go")
				g.fail(fmt.Errorf("%w: %v", ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(); err != nil {
			g.fail(err)
		}
	}()
}

// Wait blocks until every goroutine returns and yields the first error.
func (g *Group) Wait() error {
	g.wg.Wait()

	if g.cancel != nil {
		g.cancel()
	}

	return g.err
}
