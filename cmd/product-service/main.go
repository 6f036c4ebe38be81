package main

import (
	"context"
	"fmt"
	"os"

	"github.com/phojnacki/inventory-sync/internal/bootstrap"
	"github.com/phojnacki/inventory-sync/internal/events"
	"github.com/phojnacki/inventory-sync/internal/product"
)

func main() {
	root := bootstrap.NewRootCommand(bootstrap.Service{
		Name:            "product-service",
		Short:           "Product catalog; owns products and their stock amount",
		PublishedEvents: []string{events.ProductCreatedType},
		Build:           build,
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func build(_ context.Context, infra *bootstrap.Infra) (*bootstrap.Components, error) {
	primary, err := infra.Postgres.Primary()
	if err != nil {
		return nil, err
	}

	resolver, err := infra.Postgres.Resolver()
	if err != nil {
		return nil, err
	}

	store, err := product.NewRepository(primary, resolver)
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

	service, err := product.NewService(primary, store, outboxRepo, processor, infra.Logger, infra.Tracer())
	if err != nil {
		return nil, err
	}

	return &bootstrap.Components{
		Register:      product.NewHandler(service).Register,
		ErrorMappings: product.ErrorMappings,
		Consumers: []bootstrap.ConsumerSpec{
			// Amount updates for one product must apply in delivery order.
			{Queue: product.InventoryAddedQueue, Handler: service.HandleInventoryAdded, Workers: 1},
		},
	}, nil
}
