package outbox

import "errors"

var (
	ErrRecordRequired          = errors.New("outbox record is required")
	ErrRecordIDRequired        = errors.New("outbox record id is required")
	ErrAggregateIDRequired     = errors.New("outbox aggregate id is required")
	ErrEventTypeRequired       = errors.New("outbox event type is required")
	ErrPayloadRequired         = errors.New("outbox payload is required")
	ErrPayloadTooLarge         = errors.New("outbox payload exceeds maximum allowed size")
	ErrPayloadNotJSON          = errors.New("outbox payload must be valid JSON")
	ErrStatusInvalid           = errors.New("invalid outbox status")
	ErrTransitionInvalid       = errors.New("invalid outbox status transition")
	ErrRecordNotFound          = errors.New("outbox record not found")
	ErrDuplicateRecord         = errors.New("outbox record already staged")
	ErrStateTransitionConflict = errors.New("outbox record state transition conflict")
	ErrRepositoryRequired      = errors.New("outbox repository is required")
	ErrRegistryRequired        = errors.New("publisher registry is required")
	ErrPublisherRequired       = errors.New("publisher is required")
	ErrPublisherRegistered     = errors.New("publisher already registered")
	ErrPublisherNotRegistered  = errors.New("no publisher registered for event type")
	ErrRelayRunning            = errors.New("outbox relay is already running")
)
