// Package retry classifies message-processing failures and decides between
// committing, retrying with backoff and dead-lettering.
package retry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phojnacki/inventory-sync/internal/backoff"
)

const (
	DefaultMaxRetries = 3
	DefaultBackoff    = 200 * time.Millisecond
	DefaultMaxBackoff = 5 * time.Second
)

// ErrInvalidTransition is returned by Transition for a disallowed state change.
var ErrInvalidTransition = errors.New("invalid processing state transition")

// State is the lifecycle position of one delivery.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateProcessing   State = "PROCESSING"
	StateCommitted    State = "COMMITTED"
	StateRetrying     State = "RETRYING"
	StateDeadLettered State = "DEAD_LETTERED"
)

// CanTransitionTo reports whether next may follow s.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateReceived, StateRetrying:
		return next == StateProcessing
	case StateProcessing:
		return next == StateCommitted || next == StateRetrying || next == StateDeadLettered
	default:
		return false
	}
}

// Transition validates from -> to.
func Transition(from, to State) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

// ErrorClass is the coarse failure category used by Decide.
type ErrorClass string

const (
	ClassNone       ErrorClass = ""
	ClassValidation ErrorClass = "validation"
	ClassPermanent  ErrorClass = "permanent"
	ClassTransient  ErrorClass = "transient"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	var already *permanentError
	if errors.As(err, &already) {
		return err
	}

	return &permanentError{err: err}
}

// Classify maps err onto an ErrorClass. Unknown errors are transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	var (
		validationErrs validator.ValidationErrors
		syntaxErr      *json.SyntaxError
		typeErr        *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &validationErrs), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return ClassValidation
	}

	var permanent *permanentError
	if errors.As(err, &permanent) {
		return ClassPermanent
	}

	return ClassTransient
}

// IsPermanent is true for validation and explicitly permanent failures.
func IsPermanent(err error) bool {
	class := Classify(err)

	return class == ClassValidation || class == ClassPermanent
}

// Context is the per-delivery view used to decide. Attempt is 1-based and
// counts the attempt that just ran.
type Context struct {
	MessageID      string
	Attempt        int
	LastErrorClass ErrorClass
}

// Decision is the next state and, for StateRetrying, the wait before it.
type Decision struct {
	Next  State
	Delay time.Duration
	Class ErrorClass
}

// Policy is the retry ceiling and backoff shape.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultPolicy allows three retries starting at 200ms.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Backoff: DefaultBackoff, MaxBackoff: DefaultMaxBackoff}
}

// Decide evaluates the outcome of attempt rc.Attempt.
func (p Policy) Decide(rc Context, err error) Decision {
	class := Classify(err)

	switch class {
	case ClassNone:
		return Decision{Next: StateCommitted}
	case ClassValidation, ClassPermanent:
		return Decision{Next: StateDeadLettered, Class: class}
	}

	if rc.Attempt > p.MaxRetries {
		return Decision{Next: StateDeadLettered, Class: class}
	}

	return Decision{
		Next:  StateRetrying,
		Delay: backoff.Capped(p.Backoff, max(rc.Attempt-1, 0), p.MaxBackoff),
		Class: class,
	}
}

// MaxRedeliverySpan is the longest a failing message can keep being retried
// under p. Idempotency records must outlive it.
func (p Policy) MaxRedeliverySpan() time.Duration {
	var total time.Duration

	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		total += backoff.Capped(p.Backoff, attempt, p.MaxBackoff)
	}

	return total
}
