package outbox

import (
	"errors"

	"github.com/phojnacki/inventory-sync/internal/retry"
)

// RetryClassifier decides whether a publish failure is worth retrying.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// DefaultRetryClassifier treats unroutable records and errors marked with
// retry.Permanent as non-retryable.
var DefaultRetryClassifier = RetryClassifierFunc(func(err error) bool {
	return errors.Is(err, ErrPublisherNotRegistered) ||
		errors.Is(err, ErrPayloadRequired) ||
		retry.IsPermanent(err)
})
