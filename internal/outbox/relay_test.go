//go:build unit

package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/retry"
)

// memRepo keeps the claim rules of the SQL repository: due PENDING records
// only, one head per aggregate, oldest first.
type memRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	order   []uuid.UUID

	claimErr          error
	markDispatchedErr error
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[uuid.UUID]*Record)}
}

func (m *memRepo) add(t *testing.T, aggregate uuid.UUID, createdAt time.Time) *Record {
	t.Helper()

	record, err := NewRecord("product-created", aggregate, []byte(`{"n":1}`))
	require.NoError(t, err)

	record.CreatedAt = createdAt
	record.AvailableAt = createdAt

	m.mu.Lock()
	m.records[record.ID] = record
	m.order = append(m.order, record.ID)
	m.mu.Unlock()

	return record
}

func (m *memRepo) makeDue(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[id].AvailableAt = time.Now().UTC().Add(-time.Second)
}

func (m *memRepo) get(id uuid.UUID) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return *m.records[id]
}

func (m *memRepo) Stage(context.Context, *sql.Tx, *Record) error {
	return nil
}

func (m *memRepo) ClaimPending(_ context.Context, limit int) ([]*Record, error) {
	if m.claimErr != nil {
		return nil, m.claimErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	blocked := make(map[uuid.UUID]bool)

	var claimed []*Record

	for _, id := range m.order {
		record := m.records[id]
		if record.Status != StatusPending && record.Status != StatusProcessing {
			continue
		}

		if blocked[record.AggregateID] {
			continue
		}

		blocked[record.AggregateID] = true

		if record.Status != StatusPending || record.AvailableAt.After(now) || len(claimed) >= limit {
			continue
		}

		record.Status = StatusProcessing
		record.UpdatedAt = now
		copied := *record
		claimed = append(claimed, &copied)
	}

	return claimed, nil
}

func (m *memRepo) ReclaimStale(context.Context, int, time.Time) ([]*Record, error) {
	return nil, nil
}

func (m *memRepo) MarkDispatched(_ context.Context, id uuid.UUID, at time.Time) error {
	if m.markDispatchedErr != nil {
		return m.markDispatchedErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.records[id]
	if record.Status != StatusProcessing && record.Status != StatusDispatched {
		return ErrStateTransitionConflict
	}

	record.Status = StatusDispatched
	if record.DispatchedAt == nil {
		record.DispatchedAt = &at
	}

	return nil
}

func (m *memRepo) Release(_ context.Context, id uuid.UUID, errMsg string, availableAt time.Time, maxAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.records[id]
	record.Attempts++
	record.LastError = errMsg
	record.AvailableAt = availableAt

	if maxAttempts > 0 && record.Attempts >= maxAttempts {
		record.Status = StatusInvalid
	} else {
		record.Status = StatusPending
	}

	return nil
}

func (m *memRepo) MarkInvalid(_ context.Context, id uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[id].Status = StatusInvalid
	m.records[id].LastError = errMsg

	return nil
}

func (m *memRepo) Requeue(context.Context, uuid.UUID) error { return nil }

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	record := m.get(id)
	return &record, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	seen  []uuid.UUID
	errFn func(*Record) error
}

func (p *recordingPublisher) Publish(_ context.Context, record *Record) error {
	p.mu.Lock()
	p.seen = append(p.seen, record.ID)
	p.mu.Unlock()

	if p.errFn != nil {
		return p.errFn(record)
	}

	return nil
}

func newTestRelay(t *testing.T, repo Repository, pub Publisher, opts ...RelayOption) *Relay {
	t.Helper()

	opts = append([]RelayOption{WithPublishBackoff(time.Millisecond), WithDispatchInterval(10 * time.Millisecond)}, opts...)

	relay, err := NewRelay(repo, pub, log.NewNop(), nil, opts...)
	require.NoError(t, err)

	return relay
}

func TestNewRelayRequiresDependencies(t *testing.T) {
	_, err := NewRelay(nil, &recordingPublisher{}, nil, nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	var nilRepo *memRepo
	_, err = NewRelay(nilRepo, &recordingPublisher{}, nil, nil)
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewRelay(newMemRepo(), nil, nil, nil)
	require.ErrorIs(t, err, ErrPublisherRequired)
}

func TestDispatchOncePublishesInCreationOrderOneHeadPerAggregate(t *testing.T) {
	repo := newMemRepo()
	base := time.Now().UTC().Add(-time.Minute)

	aggA, aggB := uuid.New(), uuid.New()
	a1 := repo.add(t, aggA, base)
	b1 := repo.add(t, aggB, base.Add(time.Second))
	a2 := repo.add(t, aggA, base.Add(2*time.Second))

	pub := &recordingPublisher{}
	relay := newTestRelay(t, repo, pub)

	first := relay.DispatchOnce(context.Background())
	assert.Equal(t, DispatchResult{Processed: 2, Dispatched: 2}, first)
	assert.Equal(t, []uuid.UUID{a1.ID, b1.ID}, pub.seen)

	second := relay.DispatchOnce(context.Background())
	assert.Equal(t, 1, second.Dispatched)
	assert.Equal(t, []uuid.UUID{a1.ID, b1.ID, a2.ID}, pub.seen)

	for _, id := range []uuid.UUID{a1.ID, b1.ID, a2.ID} {
		stored := repo.get(id)
		assert.Equal(t, StatusDispatched, stored.Status)
		assert.NotNil(t, stored.DispatchedAt)
	}
}

func TestDispatchOnceTransientFailureReleasesWithBackoff(t *testing.T) {
	repo := newMemRepo()
	aggregate := uuid.New()
	head := repo.add(t, aggregate, time.Now().UTC().Add(-time.Minute))
	next := repo.add(t, aggregate, time.Now().UTC().Add(-30*time.Second))

	pub := &recordingPublisher{errFn: func(*Record) error { return errors.New("broker unreachable") }}
	relay := newTestRelay(t, repo, pub, WithPublishMaxAttempts(2), WithReleaseBackoff(time.Hour, 2*time.Hour))

	result := relay.DispatchOnce(context.Background())
	assert.Equal(t, DispatchResult{Processed: 1, Released: 1}, result)
	assert.Len(t, pub.seen, 2)

	stored := repo.get(head.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "broker unreachable")
	assert.True(t, stored.AvailableAt.After(time.Now().UTC().Add(59*time.Minute)))

	// The released head still blocks its successor.
	again := relay.DispatchOnce(context.Background())
	assert.Zero(t, again.Processed)
	assert.Equal(t, StatusPending, repo.get(next.ID).Status)
}

func TestDispatchOnceAttemptsExhaustedTurnsInvalid(t *testing.T) {
	repo := newMemRepo()
	record := repo.add(t, uuid.New(), time.Now().UTC().Add(-time.Minute))

	pub := &recordingPublisher{errFn: func(*Record) error { return errors.New("timeout") }}
	relay := newTestRelay(t, repo, pub,
		WithPublishMaxAttempts(1),
		WithMaxDispatchAttempts(1),
		WithReleaseBackoff(time.Millisecond, time.Millisecond),
	)

	relay.DispatchOnce(context.Background())
	assert.Equal(t, StatusInvalid, repo.get(record.ID).Status)
}

func TestDispatchOnceLongOutageKeepsRecordPendingUntilRecovery(t *testing.T) {
	repo := newMemRepo()
	record := repo.add(t, uuid.New(), time.Now().UTC().Add(-time.Minute))

	var (
		mu   sync.Mutex
		down = true
	)

	pub := &recordingPublisher{errFn: func(*Record) error {
		mu.Lock()
		defer mu.Unlock()

		if down {
			return errors.New("dial tcp rabbitmq:5672: connection refused")
		}

		return nil
	}}
	relay := newTestRelay(t, repo, pub, WithPublishMaxAttempts(1))

	for cycle := range 15 {
		result := relay.DispatchOnce(context.Background())
		require.Equal(t, DispatchResult{Processed: 1, Released: 1}, result, "cycle %d", cycle)

		stored := repo.get(record.ID)
		require.Equal(t, StatusPending, stored.Status, "cycle %d", cycle)
		require.Equal(t, cycle+1, stored.Attempts)

		repo.makeDue(record.ID)
	}

	mu.Lock()
	down = false
	mu.Unlock()

	result := relay.DispatchOnce(context.Background())
	assert.Equal(t, DispatchResult{Processed: 1, Dispatched: 1}, result)
	assert.Equal(t, StatusDispatched, repo.get(record.ID).Status)
}

func TestDispatchOncePermanentFailureInvalidatesWithoutRetry(t *testing.T) {
	repo := newMemRepo()
	record := repo.add(t, uuid.New(), time.Now().UTC().Add(-time.Minute))

	pub := &recordingPublisher{errFn: func(*Record) error { return retry.Permanent(errors.New("unroutable")) }}
	relay := newTestRelay(t, repo, pub)

	result := relay.DispatchOnce(context.Background())
	assert.Equal(t, DispatchResult{Processed: 1, Invalidated: 1}, result)
	assert.Len(t, pub.seen, 1)

	stored := repo.get(record.ID)
	assert.Equal(t, StatusInvalid, stored.Status)
	assert.Contains(t, stored.LastError, "unroutable")
}

func TestDispatchOnceCountsStateUpdateFailure(t *testing.T) {
	repo := newMemRepo()
	repo.markDispatchedErr = errors.New("db down")
	repo.add(t, uuid.New(), time.Now().UTC().Add(-time.Minute))

	rec := log.NewRecorder()
	relay, err := NewRelay(repo, &recordingPublisher{}, rec, nil)
	require.NoError(t, err)

	result := relay.DispatchOnce(context.Background())
	assert.Equal(t, DispatchResult{Processed: 1, StateUpdateFailed: 1}, result)
	assert.Len(t, rec.Messages(log.LevelError), 1)
}

func TestDispatchOnceClaimErrorIsLogged(t *testing.T) {
	repo := newMemRepo()
	repo.claimErr = errors.New("claim failed")

	rec := log.NewRecorder()
	relay, err := NewRelay(repo, &recordingPublisher{}, rec, nil)
	require.NoError(t, err)

	assert.Equal(t, DispatchResult{}, relay.DispatchOnce(context.Background()))
	assert.Equal(t, []string{"failed to claim pending outbox records"}, rec.Messages(log.LevelError))
}

func TestDispatchOnceStateWriteSurvivesCancellation(t *testing.T) {
	repo := newMemRepo()
	record := repo.add(t, uuid.New(), time.Now().UTC().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())

	pub := &recordingPublisher{errFn: func(*Record) error {
		cancel()
		return nil
	}}
	relay := newTestRelay(t, repo, pub)

	result := relay.DispatchOnce(ctx)
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, StatusDispatched, repo.get(record.ID).Status)
}

func TestRelayRunAndShutdown(t *testing.T) {
	repo := newMemRepo()
	record := repo.add(t, uuid.New(), time.Now().UTC().Add(-time.Minute))

	relay := newTestRelay(t, repo, &recordingPublisher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		return repo.get(record.ID).Status == StatusDispatched
	}, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()

	require.NoError(t, relay.Shutdown(shutdownCtx))
	require.NoError(t, <-done)
}

func TestRelayRunRejectsSecondLoop(t *testing.T) {
	relay := newTestRelay(t, newMemRepo(), &recordingPublisher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		relay.runStateMu.Lock()
		defer relay.runStateMu.Unlock()

		return relay.running
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, relay.Run(ctx), ErrRelayRunning)

	cancel()
	require.NoError(t, <-done)
}

func TestRelayMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	repo := newMemRepo()
	repo.add(t, uuid.New(), time.Now().UTC().Add(-time.Minute))
	repo.add(t, uuid.New(), time.Now().UTC().Add(-time.Minute))

	relay := newTestRelay(t, repo, &recordingPublisher{}, WithMeterProvider(provider))
	relay.DispatchOnce(context.Background())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := make(map[string]metricdata.Metrics)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}

	dispatched, ok := byName["outbox.records.dispatched"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, dispatched.DataPoints, 1)
	assert.Equal(t, int64(2), dispatched.DataPoints[0].Value)

	batch, ok := byName["outbox.relay.batch.size"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, batch.DataPoints, 1)
	assert.Equal(t, int64(2), batch.DataPoints[0].Value)

	_, ok = byName["outbox.relay.cycle.duration"].Data.(metricdata.Histogram[float64])
	assert.True(t, ok)
}
