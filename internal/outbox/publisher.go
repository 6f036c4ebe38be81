package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/phojnacki/inventory-sync/internal/nilcheck"
)

// Publisher hands one record to the broker. A nil error means the broker
// durably accepted the message.
type Publisher interface {
	Publish(ctx context.Context, record *Record) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, record *Record) error

func (fn PublisherFunc) Publish(ctx context.Context, record *Record) error {
	return fn(ctx, record)
}

// PublisherRegistry routes records to a publisher by event type.
type PublisherRegistry struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
}

func NewPublisherRegistry() *PublisherRegistry {
	return &PublisherRegistry{publishers: make(map[string]Publisher)}
}

// Register binds eventType to p. Each type can be bound once.
func (r *PublisherRegistry) Register(eventType string, p Publisher) error {
	if r == nil {
		return ErrRegistryRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	if nilcheck.Interface(p) {
		return ErrPublisherRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.publishers[eventType]; exists {
		return fmt.Errorf("%w: %s", ErrPublisherRegistered, eventType)
	}

	r.publishers[eventType] = p

	return nil
}

// Publish dispatches record to its registered publisher.
func (r *PublisherRegistry) Publish(ctx context.Context, record *Record) error {
	if r == nil {
		return ErrRegistryRequired
	}

	if record == nil {
		return ErrRecordRequired
	}

	r.mu.RLock()
	p, ok := r.publishers[record.EventType]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPublisherNotRegistered, record.EventType)
	}

	return p.Publish(ctx, record)
}
