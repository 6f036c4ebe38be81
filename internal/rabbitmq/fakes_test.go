//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeConfirmChannel answers each publish from acks, defaulting to an ack.
// With silent set it never answers.
type fakeConfirmChannel struct {
	mu         sync.Mutex
	confirms   chan amqp.Confirmation
	published  []publishedMessage
	acks       []bool
	silent     bool
	publishErr error
	confirmErr error
	closed     bool
	tag        uint64
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (f *fakeConfirmChannel) Confirm(bool) error { return f.confirmErr }

func (f *fakeConfirmChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c

	return c
}

func (f *fakeConfirmChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	f.tag++

	if f.silent {
		return nil
	}

	ack := true
	if len(f.acks) > 0 {
		ack, f.acks = f.acks[0], f.acks[1:]
	}

	f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: ack}

	return nil
}

func (f *fakeConfirmChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.closed {
		f.closed = true
		close(f.confirms)
	}

	return nil
}

func (f *fakeConfirmChannel) messages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]publishedMessage(nil), f.published...)
}

type nackCall struct {
	tag     uint64
	requeue bool
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []nackCall
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acks = append(f.acks, tag)

	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nacks = append(f.nacks, nackCall{tag: tag, requeue: requeue})

	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) snapshot() ([]uint64, []nackCall) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]uint64(nil), f.acks...), append([]nackCall(nil), f.nacks...)
}

type fakeConsumerChannel struct {
	deliveries chan amqp.Delivery
	prefetch   int
	qosErr     error
}

func (f *fakeConsumerChannel) Qos(prefetch, _ int, _ bool) error {
	f.prefetch = prefetch

	return f.qosErr
}

func (f *fakeConsumerChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

type recordingConfirmer struct {
	mu   sync.Mutex
	msgs []publishedMessage
	err  error
}

func (r *recordingConfirmer) PublishAndWaitConfirm(_ context.Context, exchange, key string, msg amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}

	r.msgs = append(r.msgs, publishedMessage{exchange: exchange, key: key, msg: msg})

	return nil
}

type topologyCall struct {
	kind     string
	name     string
	key      string
	exchange string
	durable  bool
	args     amqp.Table
}

type fakeTopologyChannel struct {
	calls []topologyCall
	fail  string
}

var errDeclare = errors.New("access refused")

func (f *fakeTopologyChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, args amqp.Table) error {
	f.calls = append(f.calls, topologyCall{kind: "exchange:" + kind, name: name, durable: durable, args: args})

	if f.fail == name {
		return errDeclare
	}

	return nil
}

func (f *fakeTopologyChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.calls = append(f.calls, topologyCall{kind: "queue", name: name, durable: durable, args: args})

	if f.fail == name {
		return amqp.Queue{}, errDeclare
	}

	return amqp.Queue{Name: name}, nil
}

func (f *fakeTopologyChannel) QueueBind(name, key, exchange string, _ bool, args amqp.Table) error {
	f.calls = append(f.calls, topologyCall{kind: "bind", name: name, key: key, exchange: exchange, args: args})

	return nil
}
