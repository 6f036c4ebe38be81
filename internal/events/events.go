// Package events defines the integration events exchanged by the product and
// inventory services and their JSON wire format.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/phojnacki/inventory-sync/internal/outbox"
	"github.com/phojnacki/inventory-sync/internal/retry"
)

// Queue names double as event type names and routing keys.
const (
	ProductCreatedType        = "product-created"
	ProductInventoryAddedType = "product-inventory-added"
)

// ErrMalformedMessage marks a body that can never be processed. It is
// classified as permanent.
var ErrMalformedMessage = errors.New("malformed message")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Event is implemented by every integration event.
type Event interface {
	EventType() string
	MessageID() uuid.UUID
	// AggregateID is the entity whose events must stay ordered.
	AggregateID() uuid.UUID
}

type ProductCreated struct {
	EventID    uuid.UUID `json:"eventId" validate:"required"`
	ProductID  uuid.UUID `json:"productId" validate:"required"`
	OccurredAt time.Time `json:"occurredAt" validate:"required"`
}

func NewProductCreated(productID uuid.UUID, occurredAt time.Time) (ProductCreated, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return ProductCreated{}, fmt.Errorf("generate event id: %w", err)
	}

	return ProductCreated{EventID: id, ProductID: productID, OccurredAt: occurredAt.UTC()}, nil
}

func (e ProductCreated) EventType() string      { return ProductCreatedType }
func (e ProductCreated) MessageID() uuid.UUID   { return e.EventID }
func (e ProductCreated) AggregateID() uuid.UUID { return e.ProductID }

// ProductInventoryAdded announces one inventory entry. Its EventID is the
// inventory entry id.
type ProductInventoryAdded struct {
	EventID    uuid.UUID `json:"eventId" validate:"required"`
	ProductID  uuid.UUID `json:"productId" validate:"required"`
	Quantity   int       `json:"quantity" validate:"gt=0"`
	AddedBy    string    `json:"addedBy" validate:"required,max=200"`
	OccurredAt time.Time `json:"occurredAt" validate:"required"`
}

func (e ProductInventoryAdded) EventType() string      { return ProductInventoryAddedType }
func (e ProductInventoryAdded) MessageID() uuid.UUID   { return e.EventID }
func (e ProductInventoryAdded) AggregateID() uuid.UUID { return e.ProductID }

// Encode validates and serializes an event.
func Encode(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: nil event", ErrMalformedMessage)
	}

	if err := validate.Struct(event); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", event.EventType(), err)
	}

	return payload, nil
}

// NewOutboxRecord encodes event into a record keyed by the event id.
func NewOutboxRecord(event Event) (*outbox.Record, error) {
	payload, err := Encode(event)
	if err != nil {
		return nil, err
	}

	return outbox.NewRecordWithID(event.MessageID(), event.EventType(), event.AggregateID(), payload)
}

func DecodeProductCreated(body []byte) (ProductCreated, error) {
	var event ProductCreated

	if err := decode(body, &event); err != nil {
		return ProductCreated{}, err
	}

	return event, nil
}

func DecodeProductInventoryAdded(body []byte) (ProductInventoryAdded, error) {
	var event ProductInventoryAdded

	if err := decode(body, &event); err != nil {
		return ProductInventoryAdded{}, err
	}

	return event, nil
}

func decode(body []byte, target any) error {
	if err := json.Unmarshal(body, target); err != nil {
		return retry.Permanent(fmt.Errorf("%w: %w", ErrMalformedMessage, err))
	}

	if err := validate.Struct(target); err != nil {
		return retry.Permanent(fmt.Errorf("%w: %w", ErrMalformedMessage, err))
	}

	return nil
}
