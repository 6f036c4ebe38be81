package inventory

import (
	"context"
	"fmt"

	"github.com/phojnacki/inventory-sync/internal/events"
	"github.com/phojnacki/inventory-sync/internal/inbox"
	"github.com/phojnacki/inventory-sync/internal/rabbitmq"
	"github.com/phojnacki/inventory-sync/internal/retry"
)

const ProductCreatedQueue = events.ProductCreatedType

// HandleProductCreated is the rabbitmq.Handler for ProductCreatedQueue.
func (s *Service) HandleProductCreated(ctx context.Context, msg rabbitmq.Message) (inbox.Outcome, error) {
	event, err := events.DecodeProductCreated(msg.Body)
	if err != nil {
		return "", err
	}

	if event.EventID != msg.ID {
		return "", retry.Permanent(fmt.Errorf("%w: message id %s does not match event id %s",
			events.ErrMalformedMessage, msg.ID, event.EventID))
	}

	return s.ApplyProductCreated(ctx, event)
}
