//go:build unit

package product

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
)

type fakeStore struct {
	mu        sync.Mutex
	products  map[uuid.UUID]*Product
	insertErr error
}

func newFakeStore(products ...*Product) *fakeStore {
	s := &fakeStore{products: map[uuid.UUID]*Product{}}
	for _, p := range products {
		s.products[p.ID] = p
	}

	return s
}

func (s *fakeStore) Insert(_ context.Context, _ *sql.Tx, p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertErr != nil {
		return s.insertErr
	}

	cp := *p
	s.products[p.ID] = &cp

	return nil
}

func (s *fakeStore) FindByID(_ context.Context, id uuid.UUID) (*Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}

	cp := *p

	return &cp, nil
}

func (s *fakeStore) LockByID(ctx context.Context, _ *sql.Tx, id uuid.UUID) (*Product, error) {
	return s.FindByID(ctx, id)
}

func (s *fakeStore) AddAmount(_ context.Context, _ *sql.Tx, id uuid.UUID, quantity int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return ErrProductNotFound
	}

	p.Amount += quantity
	p.UpdatedAt = at

	return nil
}

func (s *fakeStore) List(_ context.Context, limit, offset int) ([]*Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}

	if offset >= len(out) {
		return []*Product{}, nil
	}

	return out[offset:min(offset+limit, len(out))], nil
}

type recordingStager struct {
	records []*outbox.Record
	err     error
}

func (r *recordingStager) Stage(_ context.Context, _ *sql.Tx, record *outbox.Record) error {
	if r.err != nil {
		return r.err
	}

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
	stager  *recordingStager
	ledger  *memLedger
	mock    sqlmock.Sqlmock
	logs    *log.Recorder
}

func newFixture(t *testing.T, products ...*Product) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	ledger := &memLedger{claimed: map[uuid.UUID]bool{}}

	processor, err := inbox.NewProcessor(db, ledger, nil, nil)
	require.NoError(t, err)

	f := &fixture{
		store:  newFakeStore(products...),
		stager: &recordingStager{},
		ledger: ledger,
		mock:   mock,
		logs:   log.NewRecorder(),
	}

	f.service, err = NewService(db, f.store, f.stager, processor, f.logs, nil)
	require.NoError(t, err)

	return f
}
