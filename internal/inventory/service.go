package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
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
	"github.com/phojnacki/inventory-sync/internal/reconcile"
)

var (
	ErrStoreRequired         = errors.New("inventory store is required")
	ErrKnownProductsRequired = errors.New("known products store is required")
	ErrResolverRequired      = errors.New("product resolver is required")
	ErrStagerRequired        = errors.New("outbox stager is required")
	ErrProcessorRequired     = errors.New("inbox processor is required")
)

type Store interface {
	Insert(ctx context.Context, tx *sql.Tx, inv *Inventory) error
}

// KnownProductWriter records a product id inside an inbox transaction.
type KnownProductWriter interface {
	RememberTx(ctx context.Context, tx *sql.Tx, productID uuid.UUID, at time.Time) error
}

// ProductResolver confirms a product exists before inventory is accepted.
type ProductResolver interface {
	Ensure(ctx context.Context, productID uuid.UUID) error
}

type AddInput struct {
	ProductID uuid.UUID
	Quantity  int
	AddedBy   string
}

type Service struct {
	db       postgres.TxBeginner
	store    Store
	known    KnownProductWriter
	resolver ProductResolver
	outbox   outbox.Stager
	inbox    *inbox.Processor
	logger   log.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Dependencies groups the collaborators of a Service.
type Dependencies struct {
	DB       postgres.TxBeginner
	Store    Store
	Known    KnownProductWriter
	Resolver ProductResolver
	Outbox   outbox.Stager
	Inbox    *inbox.Processor
	Logger   log.Logger
	Tracer   trace.Tracer
}

func NewService(deps Dependencies) (*Service, error) {
	switch {
	case nilcheck.Interface(deps.DB):
		return nil, ErrDBRequired
	case nilcheck.Interface(deps.Store):
		return nil, ErrStoreRequired
	case nilcheck.Interface(deps.Known):
		return nil, ErrKnownProductsRequired
	case nilcheck.Interface(deps.Resolver):
		return nil, ErrResolverRequired
	case nilcheck.Interface(deps.Outbox):
		return nil, ErrStagerRequired
	case deps.Inbox == nil:
		return nil, ErrProcessorRequired
	}

	logger := deps.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	tracer := deps.Tracer
	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("inventory.noop")
	}

	return &Service{
		db:       deps.DB,
		store:    deps.Store,
		known:    deps.Known,
		resolver: deps.Resolver,
		outbox:   deps.Outbox,
		inbox:    deps.Inbox,
		logger:   logger,
		tracer:   tracer,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// AddInventory accepts a stock addition once the product is known to exist,
// then inserts it and stages its event in one transaction. The event id is
// the inventory id.
func (s *Service) AddInventory(ctx context.Context, in AddInput) (*Inventory, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.add",
		trace.WithAttributes(attribute.String("product.id", in.ProductID.String())))
	defer span.End()

	inv, err := NewInventory(in.ProductID, in.Quantity, in.AddedBy, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.resolver.Ensure(ctx, inv.ProductID); err != nil {
		if errors.Is(err, reconcile.ErrEntityNotFound) {
			return nil, &ProductNotRegisteredError{ProductID: inv.ProductID, Err: err}
		}

		return nil, err
	}

	record, err := events.NewOutboxRecord(events.ProductInventoryAdded{
		EventID:    inv.ID,
		ProductID:  inv.ProductID,
		Quantity:   inv.Quantity,
		AddedBy:    inv.AddedBy,
		OccurredAt: inv.AddedAt,
	})
	if err != nil {
		return nil, err
	}

	err = postgres.WithTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.store.Insert(ctx, tx, inv); err != nil {
			return err
		}

		return s.outbox.Stage(ctx, tx, record)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to add inventory", err)

		return nil, fmt.Errorf("adding inventory: %w", err)
	}

	s.logger.Log(ctx, log.LevelInfo, "inventory added",
		log.String("inventory_id", inv.ID.String()),
		log.String("product_id", inv.ProductID.String()),
		log.Int("quantity", inv.Quantity))

	return inv, nil
}

// ApplyProductCreated adds the product to the known products read model.
func (s *Service) ApplyProductCreated(ctx context.Context, event events.ProductCreated) (inbox.Outcome, error) {
	outcome, err := s.inbox.Handle(ctx, event.EventID, func(ctx context.Context, tx *sql.Tx) error {
		return s.known.RememberTx(ctx, tx, event.ProductID, s.now())
	})
	if err != nil {
		return "", err
	}

	if outcome == inbox.OutcomeApplied {
		s.logger.Log(ctx, log.LevelInfo, "product added to known products",
			log.String("product_id", event.ProductID.String()))
	}

	return outcome, nil
}
