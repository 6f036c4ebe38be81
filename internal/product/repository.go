package product

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
)

const columns = "id, name, description, price, amount, created_at, updated_at"

var ErrDBRequired = errors.New("product database handle is required")

// Querier is satisfied by *sql.DB and by the read/write resolver.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository stores products in the products table. Lookups by id go to the
// primary because the inventory service treats them as authoritative;
// listings go to the reader.
type Repository struct {
	primary Querier
	reader  Querier
	tracer  trace.Tracer
}

func NewRepository(primary, reader Querier) (*Repository, error) {
	if nilcheck.Interface(primary) {
		return nil, ErrDBRequired
	}

	if nilcheck.Interface(reader) {
		reader = primary
	}

	return &Repository{
		primary: primary,
		reader:  reader,
		tracer:  otel.Tracer("inventory-sync.product.postgres"),
	}, nil
}

func (r *Repository) Insert(ctx context.Context, tx *sql.Tx, p *Product) error {
	if tx == nil {
		return postgres.ErrTxRequired
	}

	ctx, span := r.tracer.Start(ctx, "postgres.product.insert")
	defer span.End()

	_, err := tx.ExecContext(ctx,
		"INSERT INTO products ("+columns+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
		p.ID, p.Name, p.Description, p.Price, p.Amount, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to insert product", err)

		return fmt.Errorf("inserting product: %w", err)
	}

	return nil
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	ctx, span := r.tracer.Start(ctx, "postgres.product.find_by_id")
	defer span.End()

	p, err := scanProduct(r.primary.QueryRowContext(ctx,
		"SELECT "+columns+" FROM products WHERE id = $1", id))
	if err != nil {
		if !errors.Is(err, ErrProductNotFound) {
			opentelemetry.HandleSpanError(span, "failed to find product", err)
		}

		return nil, err
	}

	return p, nil
}

// LockByID reads a product and holds its row lock until tx ends.
func (r *Repository) LockByID(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Product, error) {
	if tx == nil {
		return nil, postgres.ErrTxRequired
	}

	return scanProduct(tx.QueryRowContext(ctx,
		"SELECT "+columns+" FROM products WHERE id = $1 FOR UPDATE", id))
}

// AddAmount increments the stored amount in place rather than writing back a
// value read earlier.
func (r *Repository) AddAmount(ctx context.Context, tx *sql.Tx, id uuid.UUID, quantity int, at time.Time) error {
	if tx == nil {
		return postgres.ErrTxRequired
	}

	ctx, span := r.tracer.Start(ctx, "postgres.product.add_amount")
	defer span.End()

	result, err := tx.ExecContext(ctx,
		"UPDATE products SET amount = amount + $1, updated_at = $2 WHERE id = $3",
		quantity, at.UTC(), id)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to add product amount", err)

		return fmt.Errorf("updating product amount: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}

	return nil
}

func (r *Repository) List(ctx context.Context, limit, offset int) ([]*Product, error) {
	ctx, span := r.tracer.Start(ctx, "postgres.product.list")
	defer span.End()

	rows, err := r.reader.QueryContext(ctx,
		"SELECT "+columns+" FROM products ORDER BY created_at, id LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list products", err)

		return nil, fmt.Errorf("listing products: %w", err)
	}
	defer rows.Close()

	products := make([]*Product, 0, limit)

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}

		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating products: %w", err)
	}

	return products, nil
}

func scanProduct(scanner interface{ Scan(dest ...any) error }) (*Product, error) {
	var p Product

	err := scanner.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Amount, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("scanning product: %w", err)
	}

	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()

	return &p, nil
}
