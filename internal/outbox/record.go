// Package outbox stages domain events next to the business rows that produce
// them and relays staged records to the broker.
//
// A Record is written with Repository.Stage inside the caller's transaction.
// The Relay later claims pending records, publishes them through the
// PublisherRegistry and marks them dispatched once the broker confirmed.
package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds a staged payload.
const DefaultMaxPayloadBytes = 1 << 20

// Record is one staged event.
type Record struct {
	ID           uuid.UUID
	EventType    string
	AggregateID  uuid.UUID
	Payload      []byte
	Status       Status
	Attempts     int
	LastError    string
	AvailableAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DispatchedAt *time.Time
}

// NewRecord builds a pending record with a time-ordered id.
func NewRecord(eventType string, aggregateID uuid.UUID, payload []byte) (*Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate record id: %w", err)
	}

	return NewRecordWithID(id, eventType, aggregateID, payload)
}

// NewRecordWithID builds a pending record using the event's own identity, so
// the record id and the published message id are the same value.
func NewRecordWithID(id uuid.UUID, eventType string, aggregateID uuid.UUID, payload []byte) (*Record, error) {
	eventType = strings.TrimSpace(eventType)

	switch {
	case id == uuid.Nil:
		return nil, ErrRecordIDRequired
	case eventType == "":
		return nil, ErrEventTypeRequired
	case aggregateID == uuid.Nil:
		return nil, ErrAggregateIDRequired
	case len(payload) == 0:
		return nil, ErrPayloadRequired
	case len(payload) > DefaultMaxPayloadBytes:
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	case !json.Valid(payload):
		return nil, ErrPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Record{
		ID:          id,
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      StatusPending,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
