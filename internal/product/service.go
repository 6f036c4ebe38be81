package product

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/phojnacki/inventory-sync/internal/events"
	"github.com/phojnacki/inventory-sync/internal/inbox"
	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
	"github.com/phojnacki/inventory-sync/internal/outbox"
	"github.com/phojnacki/inventory-sync/internal/postgres"
	"github.com/phojnacki/inventory-sync/internal/retry"
)

var (
	ErrStoreRequired     = errors.New("product store is required")
	ErrStagerRequired    = errors.New("outbox stager is required")
	ErrProcessorRequired = errors.New("inbox processor is required")
)

// Store is the persistence the service needs.
type Store interface {
	Insert(ctx context.Context, tx *sql.Tx, p *Product) error
	FindByID(ctx context.Context, id uuid.UUID) (*Product, error)
	LockByID(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Product, error)
	AddAmount(ctx context.Context, tx *sql.Tx, id uuid.UUID, quantity int, at time.Time) error
	List(ctx context.Context, limit, offset int) ([]*Product, error)
}

type CreateInput struct {
	Name        string
	Description string
	Price       decimal.Decimal
}

type Service struct {
	db     postgres.TxBeginner
	store  Store
	outbox outbox.Stager
	inbox  *inbox.Processor
	logger log.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewService(db postgres.TxBeginner, store Store, stager outbox.Stager, processor *inbox.Processor, logger log.Logger, tracer trace.Tracer) (*Service, error) {
	switch {
	case nilcheck.Interface(db):
		return nil, ErrDBRequired
	case nilcheck.Interface(store):
		return nil, ErrStoreRequired
	case nilcheck.Interface(stager):
		return nil, ErrStagerRequired
	case processor == nil:
		return nil, ErrProcessorRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("product.noop")
	}

	return &Service{
		db:     db,
		store:  store,
		outbox: stager,
		inbox:  processor,
		logger: logger,
		tracer: tracer,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateProduct inserts the product and stages its product-created event in
// the same transaction.
func (s *Service) CreateProduct(ctx context.Context, in CreateInput) (*Product, error) {
	ctx, span := s.tracer.Start(ctx, "product.create")
	defer span.End()

	p, err := NewProduct(in.Name, in.Description, in.Price, s.now())
	if err != nil {
		return nil, err
	}

	event, err := events.NewProductCreated(p.ID, p.CreatedAt)
	if err != nil {
		return nil, err
	}

	record, err := events.NewOutboxRecord(event)
	if err != nil {
		return nil, err
	}

	err = postgres.WithTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.store.Insert(ctx, tx, p); err != nil {
			return err
		}

		return s.outbox.Stage(ctx, tx, record)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to create product", err)

		return nil, fmt.Errorf("creating product: %w", err)
	}

	span.SetAttributes(attribute.String("product.id", p.ID.String()))

	s.logger.Log(ctx, log.LevelInfo, "product created",
		log.String("product_id", p.ID.String()),
		log.String("event_id", event.EventID.String()))

	return p, nil
}

func (s *Service) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) ListProducts(ctx context.Context, limit, offset int) ([]*Product, error) {
	return s.store.List(ctx, limit, offset)
}

// ApplyInventoryAdded adds the event's quantity to the product once per event
// id. A missing product is a permanent failure.
func (s *Service) ApplyInventoryAdded(ctx context.Context, event events.ProductInventoryAdded) (inbox.Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "product.apply_inventory_added",
		trace.WithAttributes(
			attribute.String("product.id", event.ProductID.String()),
			attribute.Int("inventory.quantity", event.Quantity)))
	defer span.End()

	outcome, err := s.inbox.Handle(ctx, event.EventID, func(ctx context.Context, tx *sql.Tx) error {
		p, err := s.store.LockByID(ctx, tx, event.ProductID)
		if errors.Is(err, ErrProductNotFound) {
			return retry.Permanent(fmt.Errorf("%w: %s (event %s)", ErrProductNotFound, event.ProductID, event.EventID))
		}

		if err != nil {
			return err
		}

		at := s.now()

		if err := p.IncreaseAmount(event.Quantity, at); err != nil {
			return err
		}

		return s.store.AddAmount(ctx, tx, p.ID, event.Quantity, at)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to apply inventory", err)

		return "", err
	}

	if outcome == inbox.OutcomeApplied {
		s.logger.Log(ctx, log.LevelInfo, "product amount increased",
			log.String("product_id", event.ProductID.String()),
			log.String("event_id", event.EventID.String()),
			log.Int("quantity", event.Quantity))
	}

	return outcome, nil
}
