package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/phojnacki/inventory-sync/internal/errgroup"
	"github.com/phojnacki/inventory-sync/internal/log"
	ihttp "github.com/phojnacki/inventory-sync/internal/net/http"
	"github.com/phojnacki/inventory-sync/internal/outbox"
	"github.com/phojnacki/inventory-sync/internal/rabbitmq"
	"github.com/phojnacki/inventory-sync/internal/server"
)

// Service describes one deployable: the events its outbox publishes and how
// to build its domain components from connected infrastructure.
type Service struct {
	Name            string
	Short           string
	PublishedEvents []string
	Build           func(ctx context.Context, infra *Infra) (*Components, error)
}

// Components is what a service contributes on top of the shared runtime.
type Components struct {
	Register      func(r fiber.Router)
	ErrorMappings []ihttp.ErrorMapping
	Consumers     []ConsumerSpec
}

// NewRootCommand builds the service CLI: serve, janitor and outbox
// maintenance.
func NewRootCommand(svc Service) *cobra.Command {
	cmd := &cobra.Command{
		Use:           svc.Name,
		Short:         svc.Short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand(svc))
	cmd.AddCommand(newJanitorCommand(svc))
	cmd.AddCommand(newOutboxCommand(svc))

	return cmd
}

func newServeCommand(svc Service) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, outbox relay, consumers and ledger janitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, svc)
		},
	}
}

func serve(ctx context.Context, svc Service) error {
	infra, err := openInfra(ctx, svc.Name)
	if err != nil {
		return err
	}
	defer infra.Close(ctx)

	if err := infra.ConnectBroker(ctx); err != nil {
		return err
	}

	if err := infra.ConnectRedis(ctx); err != nil {
		infra.Logger.Log(ctx, log.LevelWarn, "redis unavailable; ledger janitor runs without a lock", log.Err(err))
	}

	components, err := svc.Build(ctx, infra)
	if err != nil {
		return fmt.Errorf("build %s: %w", svc.Name, err)
	}

	queues := append([]string{}, svc.PublishedEvents...)
	for _, spec := range components.Consumers {
		queues = append(queues, spec.Queue)
	}

	if err := infra.DeclareQueues(ctx, queues...); err != nil {
		return err
	}

	relay, err := infra.NewRelay(ctx, svc.PublishedEvents...)
	if err != nil {
		return err
	}

	ledgerJanitor, err := infra.NewJanitor(ctx)
	if err != nil {
		return err
	}

	consumers := make([]*rabbitmq.Consumer, 0, len(components.Consumers))

	for _, spec := range components.Consumers {
		consumer, err := infra.NewConsumer(ctx, spec)
		if err != nil {
			return err
		}

		consumers = append(consumers, consumer)
	}

	app := infra.NewHTTPApp(components.ErrorMappings...)
	if components.Register != nil {
		components.Register(app)
	}

	manager, err := server.NewManager(app, infra.Config.ServerAddress, infra.Logger,
		server.WithShutdownTimeout(infra.Config.ShutdownTimeout))
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLogger(infra.Logger)

	group.Go(func() error { return manager.Run(groupCtx) })
	group.Go(func() error { return relay.Run(groupCtx) })
	group.Go(func() error { return ledgerJanitor.Run(groupCtx) })

	for _, consumer := range consumers {
		group.Go(func() error { return consumer.Run(groupCtx) })
	}

	runErr := group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), infra.Config.ShutdownTimeout)
	defer cancel()

	if err := relay.Shutdown(shutdownCtx); err != nil {
		infra.Logger.Log(shutdownCtx, log.LevelWarn, "outbox relay shutdown incomplete", log.Err(err))
	}

	return runErr
}

func newJanitorCommand(svc Service) *cobra.Command {
	return &cobra.Command{
		Use:   "janitor",
		Short: "Prune the processed-events ledger once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			infra, err := openInfra(ctx, svc.Name)
			if err != nil {
				return err
			}
			defer infra.Close(ctx)

			ledgerJanitor, err := infra.NewJanitor(ctx)
			if err != nil {
				return err
			}

			deleted, err := ledgerJanitor.RunOnce(ctx)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d processed events\n", deleted)

			return err
		},
	}
}

func newOutboxCommand(svc Service) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair outbox records",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <record-id>",
		Short: "Move an invalid record back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}

			return withOutbox(cmd.Context(), svc, func(ctx context.Context, repo outbox.Repository) error {
				if err := repo.Requeue(ctx, id); err != nil {
					return err
				}

				_, err := fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)

				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <record-id>",
		Short: "Print one outbox record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}

			return withOutbox(cmd.Context(), svc, func(ctx context.Context, repo outbox.Repository) error {
				record, err := repo.GetByID(ctx, id)
				if err != nil {
					return err
				}

				return writeRecord(cmd, record)
			})
		},
	})

	return cmd
}

func parseRecordID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid outbox record id %q: %w", raw, err)
	}

	return id, nil
}

func withOutbox(ctx context.Context, svc Service, fn func(ctx context.Context, repo outbox.Repository) error) error {
	infra, err := openInfra(ctx, svc.Name)
	if err != nil {
		return err
	}
	defer infra.Close(ctx)

	repo, err := infra.OutboxRepository()
	if err != nil {
		return err
	}

	return fn(ctx, repo)
}

type recordView struct {
	ID           uuid.UUID       `json:"id"`
	EventType    string          `json:"eventType"`
	AggregateID  uuid.UUID       `json:"aggregateId"`
	Status       outbox.Status   `json:"status"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"lastError,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	AvailableAt  string          `json:"availableAt"`
	CreatedAt    string          `json:"createdAt"`
	DispatchedAt string          `json:"dispatchedAt,omitempty"`
}

func writeRecord(cmd *cobra.Command, record *outbox.Record) error {
	view := recordView{
		ID:          record.ID,
		EventType:   record.EventType,
		AggregateID: record.AggregateID,
		Status:      record.Status,
		Attempts:    record.Attempts,
		LastError:   record.LastError,
		Payload:     json.RawMessage(record.Payload),
		AvailableAt: record.AvailableAt.Format(time.RFC3339Nano),
		CreatedAt:   record.CreatedAt.Format(time.RFC3339Nano),
	}

	if record.DispatchedAt != nil {
		view.DispatchedAt = record.DispatchedAt.Format(time.RFC3339Nano)
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")

	return encoder.Encode(view)
}

// openInfra loads configuration and connects the database, which every
// command needs.
func openInfra(ctx context.Context, service string) (*Infra, error) {
	cfg, err := LoadConfig(service)
	if err != nil {
		return nil, err
	}

	infra, err := NewInfra(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := infra.ConnectDatabase(ctx); err != nil {
		infra.Close(ctx)

		return nil, err
	}

	return infra, nil
}
