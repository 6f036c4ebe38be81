package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
	"github.com/phojnacki/inventory-sync/internal/outbox"
	"github.com/phojnacki/inventory-sync/internal/retry"
)

// HeaderEventType duplicates the AMQP type property for tooling that only shows headers.
const HeaderEventType = "x-event-type"

// Confirmer publishes and waits for the broker's confirmation.
type Confirmer interface {
	PublishAndWaitConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// OutboxPublisher turns outbox records into persistent AMQP messages routed
// through the default exchange to the queue named after the event type.
type OutboxPublisher struct {
	confirmer Confirmer
}

func NewOutboxPublisher(confirmer Confirmer) (*OutboxPublisher, error) {
	if nilcheck.Interface(confirmer) {
		return nil, outbox.ErrPublisherRequired
	}

	return &OutboxPublisher{confirmer: confirmer}, nil
}

// Publish sends record and returns once the broker confirmed it. The record
// id travels as MessageId so consumers can deduplicate.
func (p *OutboxPublisher) Publish(ctx context.Context, record *outbox.Record) error {
	if record == nil {
		return retry.Permanent(ErrRecordRequired)
	}

	headers := opentelemetry.PrepareQueueHeaders(ctx, map[string]any{
		HeaderEventType: record.EventType,
	})

	msg := amqp.Publishing{
		Headers:      amqp.Table(headers),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    record.ID.String(),
		Type:         record.EventType,
		Timestamp:    record.CreatedAt,
		Body:         record.Payload,
	}

	// Nacks, confirm timeouts and lost channels stay transient so the relay
	// releases the record for another cycle.
	return p.confirmer.PublishAndWaitConfirm(ctx, "", record.EventType, msg)
}
