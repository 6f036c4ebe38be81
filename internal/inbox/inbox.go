// Package inbox makes message handling idempotent. The identity of every
// applied message is recorded in the same transaction as its effect, so a
// redelivered message finds its identity already present and is skipped.
package inbox

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

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
	"github.com/phojnacki/inventory-sync/internal/postgres"
)

var (
	ErrDBRequired        = errors.New("inbox database handle is required")
	ErrLedgerRequired    = errors.New("inbox ledger is required")
	ErrMessageIDRequired = errors.New("message id is required")
	ErrEffectRequired    = errors.New("inbox effect is required")
)

// Ledger is the durable set of applied message identities.
type Ledger interface {
	// Claim records messageID inside tx. It returns false when the identity
	// was already recorded by a committed transaction.
	Claim(ctx context.Context, tx *sql.Tx, messageID uuid.UUID, at time.Time) (bool, error)
	Exists(ctx context.Context, messageID uuid.UUID) (bool, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Effect applies a message's business change inside tx.
type Effect func(ctx context.Context, tx *sql.Tx) error

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
)

// Processor runs effects under the inbox discipline.
type Processor struct {
	db     postgres.TxBeginner
	ledger Ledger
	logger log.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewProcessor(db postgres.TxBeginner, ledger Ledger, logger log.Logger, tracer trace.Tracer) (*Processor, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDBRequired
	}

	if nilcheck.Interface(ledger) {
		return nil, ErrLedgerRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("inbox.noop")
	}

	return &Processor{
		db:     db,
		ledger: ledger,
		logger: logger,
		tracer: tracer,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Handle claims messageID and applies effect in one transaction. Either both
// commit or neither does. A message already in the ledger yields
// OutcomeDuplicate and effect is not called.
func (p *Processor) Handle(ctx context.Context, messageID uuid.UUID, effect Effect) (Outcome, error) {
	if messageID == uuid.Nil {
		return "", ErrMessageIDRequired
	}

	if effect == nil {
		return "", ErrEffectRequired
	}

	ctx, span := p.tracer.Start(ctx, "inbox.handle",
		trace.WithAttributes(attribute.String("messaging.message.id", messageID.String())))
	defer span.End()

	outcome, err := postgres.WithTxResult(ctx, p.db, func(ctx context.Context, tx *sql.Tx) (Outcome, error) {
		claimed, err := p.ledger.Claim(ctx, tx, messageID, p.now())
		if err != nil {
			return "", fmt.Errorf("claiming message %s: %w", messageID, err)
		}

		if !claimed {
			return OutcomeDuplicate, nil
		}

		if err := effect(ctx, tx); err != nil {
			return "", err
		}

		return OutcomeApplied, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "inbox handle failed", err)

		return "", err
	}

	span.SetAttributes(attribute.String("inbox.outcome", string(outcome)))

	if outcome == OutcomeDuplicate {
		p.logger.Log(ctx, log.LevelWarn, "duplicate message skipped",
			log.String("message_id", messageID.String()))
	}

	return outcome, nil
}
