package rabbitmq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/phojnacki/inventory-sync/internal/nilcheck"
)

const (
	// DeadLetterExchange receives messages rejected without requeue.
	DeadLetterExchange = "inventory-sync.dlx"
	deadLetterSuffix   = ".dlq"
)

// Headers written on dead-lettered messages.
const (
	HeaderDeadLetterReason = "x-dead-letter-reason"
	HeaderAttempts         = "x-attempts"
	HeaderLastError        = "x-last-error"
	HeaderOriginalQueue    = "x-original-queue"
)

// TopologyChannel is the subset of *amqp.Channel needed to declare queues.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeadLetterQueueName returns "<queue>.dlq".
func DeadLetterQueueName(queue string) string {
	return queue + deadLetterSuffix
}

// DeclareQueueTopology declares queue as durable with the shared dead-letter
// exchange, and a durable "<queue>.dlq" bound to it by the queue name.
// Messages are published through the default exchange with the queue name as
// routing key. Declarations are idempotent, so both services may call this
// for the same queue.
func DeclareQueueTopology(ch TopologyChannel, queue string) error {
	if nilcheck.Interface(ch) {
		return ErrChannelRequired
	}

	queue = strings.TrimSpace(queue)
	if queue == "" {
		return ErrQueueRequired
	}

	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %q: %w", DeadLetterExchange, err)
	}

	dlq := DeadLetterQueueName(queue)

	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %q: %w", dlq, err)
	}

	if err := ch.QueueBind(dlq, queue, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue %q: %w", dlq, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": queue,
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}

	return nil
}
