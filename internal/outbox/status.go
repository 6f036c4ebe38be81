package outbox

import "fmt"

// Status is the lifecycle state of a Record.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusDispatched Status = "DISPATCHED"
	StatusInvalid    Status = "INVALID"
)

// ParseStatus validates a stored status value.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDispatched, StatusInvalid:
		return true
	default:
		return false
	}
}

// CanTransitionTo encodes the lifecycle:
//
//	PENDING    -> PROCESSING                      (claim)
//	PROCESSING -> PROCESSING                      (stale lease reclaimed)
//	PROCESSING -> DISPATCHED | PENDING | INVALID  (confirmed, released, given up)
//	DISPATCHED -> DISPATCHED                      (idempotent re-mark)
//	INVALID    -> PENDING                         (operator requeue)
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusDispatched || next == StatusPending || next == StatusInvalid
	case StatusDispatched:
		return next == StatusDispatched
	case StatusInvalid:
		return next == StatusPending
	default:
		return false
	}
}

// ValidateTransition checks from -> to on raw values.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("from status: %w: %q", ErrStatusInvalid, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("to status: %w: %q", ErrStatusInvalid, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (s Status) String() string {
	return string(s)
}
