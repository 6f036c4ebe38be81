//go:build integration

package product

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phojnacki/inventory-sync/internal/events"
	"github.com/phojnacki/inventory-sync/internal/inbox"
	inboxpg "github.com/phojnacki/inventory-sync/internal/inbox/postgres"
	outboxpg "github.com/phojnacki/inventory-sync/internal/outbox/postgres"
	"github.com/phojnacki/inventory-sync/internal/postgres/pgtest"
)

func newIntegrationService(t *testing.T) (*Service, *outboxpg.Repository) {
	t.Helper()

	client := pgtest.Connect(t, "product")

	db, err := client.Primary()
	require.NoError(t, err)

	resolver, err := client.Resolver()
	require.NoError(t, err)

	repo, err := NewRepository(db, resolver)
	require.NoError(t, err)

	outboxRepo, err := outboxpg.NewRepository(db)
	require.NoError(t, err)

	ledger, err := inboxpg.NewLedger(db, nil)
	require.NoError(t, err)

	processor, err := inbox.NewProcessor(db, ledger, nil, nil)
	require.NoError(t, err)

	service, err := NewService(db, repo, outboxRepo, processor, nil, nil)
	require.NoError(t, err)

	return service, outboxRepo
}

func TestCreateProductPersistsProductAndOutboxRecord(t *testing.T) {
	service, outboxRepo := newIntegrationService(t)
	ctx := context.Background()

	p, err := service.CreateProduct(ctx, CreateInput{Name: "Desk lamp", Description: "brass", Price: decimal.RequireFromString("49.90")})
	require.NoError(t, err)

	stored, err := service.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.Price.Equal(decimal.RequireFromString("49.90")))

	claimed, err := outboxRepo.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, events.ProductCreatedType, claimed[0].EventType)
	assert.Equal(t, p.ID, claimed[0].AggregateID)

	listed, err := service.ListProducts(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestApplyInventoryAddedIsIdempotent(t *testing.T) {
	service, _ := newIntegrationService(t)
	ctx := context.Background()

	p, err := service.CreateProduct(ctx, CreateInput{Name: "lamp", Price: decimal.NewFromInt(5)})
	require.NoError(t, err)

	event := events.ProductInventoryAdded{
		EventID:    uuid.New(),
		ProductID:  p.ID,
		Quantity:   15,
		AddedBy:    "warehouse-7",
		OccurredAt: time.Now().UTC(),
	}

	for range 3 {
		_, err := service.ApplyInventoryAdded(ctx, event)
		require.NoError(t, err)
	}

	stored, err := service.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, stored.Amount)

	_, err = service.ApplyInventoryAdded(ctx, events.ProductInventoryAdded{
		EventID: uuid.New(), ProductID: uuid.New(), Quantity: 1, AddedBy: "x", OccurredAt: time.Now(),
	})
	require.ErrorIs(t, err, ErrProductNotFound)
}
