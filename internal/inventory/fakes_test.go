//go:build unit

package inventory

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/phojnacki/inventory-sync/internal/inbox"
	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/outbox"
	"github.com/phojnacki/inventory-sync/internal/rabbitmq"
	"github.com/phojnacki/inventory-sync/internal/reconcile"
)

type fakeStore struct {
	inserted []*Inventory
}

func (s *fakeStore) Insert(_ context.Context, _ *sql.Tx, inv *Inventory) error {
	s.inserted = append(s.inserted, inv)

	return nil
}

type memKnownProducts struct {
	mu  sync.Mutex
	ids map[uuid.UUID]time.Time
}

func newMemKnownProducts(ids ...uuid.UUID) *memKnownProducts {
	k := &memKnownProducts{ids: map[uuid.UUID]time.Time{}}
	for _, id := range ids {
		k.ids[id] = time.Now()
	}

	return k
}

func (k *memKnownProducts) Contains(_ context.Context, id uuid.UUID) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, ok := k.ids[id]

	return ok, nil
}

func (k *memKnownProducts) Remember(_ context.Context, id uuid.UUID, at time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.ids[id]; !ok {
		k.ids[id] = at
	}

	return nil
}

func (k *memKnownProducts) RememberTx(ctx context.Context, _ *sql.Tx, id uuid.UUID, at time.Time) error {
	return k.Remember(ctx, id, at)
}

type stubChecker struct {
	answer reconcile.Existence
	calls  int
}

func (c *stubChecker) Check(context.Context, uuid.UUID) reconcile.Existence {
	c.calls++

	return c.answer
}

type recordingStager struct {
	records []*outbox.Record
}

func (r *recordingStager) Stage(_ context.Context, _ *sql.Tx, record *outbox.Record) error {
	r.records = append(r.records, record)

	return nil
}

type memLedger struct {
	claimed map[uuid.UUID]bool
}

func (l *memLedger) Claim(_ context.Context, _ *sql.Tx, id uuid.UUID, _ time.Time) (bool, error) {
	if l.claimed[id] {
		return false, nil
	}

	l.claimed[id] = true

	return true, nil
}

func (l *memLedger) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	return l.claimed[id], nil
}

func (l *memLedger) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fixture struct {
	service *Service
	store   *fakeStore
	known   *memKnownProducts
	checker *stubChecker
	stager  *recordingStager
	mock    sqlmock.Sqlmock
	logs    *log.Recorder
}

func newFixture(t *testing.T, answer reconcile.Existence, known ...uuid.UUID) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		store:   &fakeStore{},
		known:   newMemKnownProducts(known...),
		checker: &stubChecker{answer: answer},
		stager:  &recordingStager{},
		mock:    mock,
		logs:    log.NewRecorder(),
	}

	resolver, err := reconcile.NewResolver(f.known, f.checker, f.logs, nil)
	require.NoError(t, err)

	processor, err := inbox.NewProcessor(db, &memLedger{claimed: map[uuid.UUID]bool{}}, nil, nil)
	require.NoError(t, err)

	f.service, err = NewService(Dependencies{
		DB:       db,
		Store:    f.store,
		Known:    f.known,
		Resolver: resolver,
		Outbox:   f.stager,
		Inbox:    processor,
		Logger:   f.logs,
	})
	require.NoError(t, err)

	return f
}

func rabbitmqMessage(id uuid.UUID, body []byte) rabbitmq.Message {
	return rabbitmq.Message{ID: id, Type: ProductCreatedQueue, Body: body}
}
