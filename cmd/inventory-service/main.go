package main

import (
	"context"
	"fmt"
	"os"

	"github.com/phojnacki/inventory-sync/internal/bootstrap"
	"github.com/phojnacki/inventory-sync/internal/circuitbreaker"
	"github.com/phojnacki/inventory-sync/internal/events"
	"github.com/phojnacki/inventory-sync/internal/inventory"
	"github.com/phojnacki/inventory-sync/internal/reconcile"
)

func main() {
	root := bootstrap.NewRootCommand(bootstrap.Service{
		Name:            "inventory-service",
		Short:           "Inventory intake; records stock additions for known products",
		PublishedEvents: []string{events.ProductInventoryAddedType},
		Build:           build,
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func build(_ context.Context, infra *bootstrap.Infra) (*bootstrap.Components, error) {
	db, err := infra.Postgres.Primary()
	if err != nil {
		return nil, err
	}

	known, err := inventory.NewKnownProducts(db)
	if err != nil {
		return nil, err
	}

	checker, err := reconcile.NewHTTPChecker(
		infra.Config.HTTPCheckerConfig(),
		nil,
		circuitbreaker.NewManager(infra.Logger),
		infra.Logger,
		infra.Tracer(),
	)
	if err != nil {
		return nil, fmt.Errorf("PRODUCT_SERVICE_URL: %w", err)
	}

	resolver, err := reconcile.NewResolver(known, checker, infra.Logger, infra.Tracer())
	if err != nil {
		return nil, err
	}

	outboxRepo, err := infra.OutboxRepository()
	if err != nil {
		return nil, err
	}

	processor, err := infra.InboxProcessor()
	if err != nil {
		return nil, err
	}

	service, err := inventory.NewService(inventory.Dependencies{
		DB:       db,
		Store:    inventory.NewRepository(),
		Known:    known,
		Resolver: resolver,
		Outbox:   outboxRepo,
		Inbox:    processor,
		Logger:   infra.Logger,
		Tracer:   infra.Tracer(),
	})
	if err != nil {
		return nil, err
	}

	return &bootstrap.Components{
		Register:      inventory.NewHandler(service).Register,
		ErrorMappings: inventory.ErrorMappings,
		Consumers: []bootstrap.ConsumerSpec{
			{Queue: inventory.ProductCreatedQueue, Handler: service.HandleProductCreated},
		},
	}, nil
}
