package product

import (
	"context"
	"fmt"

	"github.com/phojnacki/inventory-sync/internal/events"
	"github.com/phojnacki/inventory-sync/internal/inbox"
	"github.com/phojnacki/inventory-sync/internal/rabbitmq"
	"github.com/phojnacki/inventory-sync/internal/retry"
)

// InventoryAddedQueue is consumed one message at a time.
const InventoryAddedQueue = events.ProductInventoryAddedType

// HandleInventoryAdded is the rabbitmq.Handler for InventoryAddedQueue.
func (s *Service) HandleInventoryAdded(ctx context.Context, msg rabbitmq.Message) (inbox.Outcome, error) {
	event, err := events.DecodeProductInventoryAdded(msg.Body)
	if err != nil {
		return "", err
	}

	if event.EventID != msg.ID {
		return "", retry.Permanent(fmt.Errorf("%w: message id %s does not match event id %s",
			events.ErrMalformedMessage, msg.ID, event.EventID))
	}

	return s.ApplyInventoryAdded(ctx, event)
}
