package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
	"github.com/phojnacki/inventory-sync/internal/postgres"
	"github.com/phojnacki/inventory-sync/internal/reconcile"
)

var ErrDBRequired = errors.New("inventory database handle is required")

// DB is the subset of *sql.DB used outside transactions.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	tracer trace.Tracer
}

func NewRepository() *Repository {
	return &Repository{tracer: otel.Tracer("inventory-sync.inventory.postgres")}
}

func (r *Repository) Insert(ctx context.Context, tx *sql.Tx, inv *Inventory) error {
	if tx == nil {
		return postgres.ErrTxRequired
	}

	ctx, span := r.tracer.Start(ctx, "postgres.inventory.insert")
	defer span.End()

	_, err := tx.ExecContext(ctx,
		"INSERT INTO inventories (id, product_id, quantity, added_at, added_by) VALUES ($1, $2, $3, $4, $5)",
		inv.ID, inv.ProductID, inv.Quantity, inv.AddedAt, inv.AddedBy)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to insert inventory", err)

		return fmt.Errorf("inserting inventory: %w", err)
	}

	return nil
}

// KnownProducts is the local read model of products announced by the product
// service or confirmed by it on demand.
type KnownProducts struct {
	db     DB
	tracer trace.Tracer
}

var _ reconcile.KnownEntityCache = (*KnownProducts)(nil)

func NewKnownProducts(db DB) (*KnownProducts, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDBRequired
	}

	return &KnownProducts{db: db, tracer: otel.Tracer("inventory-sync.inventory.known_products")}, nil
}

func (k *KnownProducts) Contains(ctx context.Context, productID uuid.UUID) (bool, error) {
	ctx, span := k.tracer.Start(ctx, "postgres.known_products.contains")
	defer span.End()

	var exists bool

	err := k.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM known_products WHERE product_id = $1)", productID).Scan(&exists)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to look up known product", err)

		return false, fmt.Errorf("looking up known product: %w", err)
	}

	return exists, nil
}

// Remember records productID outside any transaction.
func (k *KnownProducts) Remember(ctx context.Context, productID uuid.UUID, at time.Time) error {
	_, err := k.db.ExecContext(ctx, insertKnownProduct, productID, at.UTC())
	if err != nil {
		return fmt.Errorf("remembering known product: %w", err)
	}

	return nil
}

// RememberTx records productID inside tx.
func (k *KnownProducts) RememberTx(ctx context.Context, tx *sql.Tx, productID uuid.UUID, at time.Time) error {
	if tx == nil {
		return postgres.ErrTxRequired
	}

	if _, err := tx.ExecContext(ctx, insertKnownProduct, productID, at.UTC()); err != nil {
		return fmt.Errorf("remembering known product: %w", err)
	}

	return nil
}

const insertKnownProduct = "INSERT INTO known_products (product_id, received_at) VALUES ($1, $2) ON CONFLICT (product_id) DO NOTHING"
