package rabbitmq

import "errors"

var (
	// ErrURLRequired is returned when a connection is built without a broker URL.
	ErrURLRequired = errors.New("rabbitmq url is required")
	// ErrNilConnection is returned when a method is called on a nil Connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")
	// ErrChannelRequired is returned when a nil channel is supplied.
	ErrChannelRequired = errors.New("rabbitmq channel is required")
	// ErrConfirmModeUnavailable is returned when the channel refuses confirm mode.
	ErrConfirmModeUnavailable = errors.New("rabbitmq channel does not support publisher confirms")
	// ErrPublishNacked is returned when the broker negatively acknowledges a message.
	ErrPublishNacked = errors.New("message was nacked by the broker")
	// ErrConfirmTimeout is returned when no confirmation arrives in time.
	ErrConfirmTimeout = errors.New("timed out waiting for publish confirmation")
	// ErrPublisherClosed is returned after Close or after the channel was lost
	// and no channel factory is configured.
	ErrPublisherClosed = errors.New("confirmable publisher is closed")
	// ErrQueueRequired is returned when a queue name is blank.
	ErrQueueRequired = errors.New("queue name is required")
	// ErrHandlerRequired is returned when a consumer has no handler.
	ErrHandlerRequired = errors.New("message handler is required")
	// ErrDeliveriesClosed is returned when the broker closes the delivery stream.
	ErrDeliveriesClosed = errors.New("delivery channel closed by broker")
	// ErrMessageIDInvalid marks a delivery whose MessageId is not a UUID.
	ErrMessageIDInvalid = errors.New("message id is not a valid uuid")
	// ErrRecordRequired is returned when a nil outbox record is published.
	ErrRecordRequired = errors.New("outbox record is required")
)
