// Package postgres keeps the inbox ledger in the processed_events table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/phojnacki/inventory-sync/internal/inbox"
	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
	"github.com/phojnacki/inventory-sync/internal/postgres"
)

// DB is the subset of *sql.DB the ledger needs outside a transaction.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Ledger struct {
	db     DB
	logger log.Logger
	tracer trace.Tracer
}

var _ inbox.Ledger = (*Ledger)(nil)

func NewLedger(db DB, logger log.Logger) (*Ledger, error) {
	if nilcheck.Interface(db) {
		return nil, inbox.ErrDBRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Ledger{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("inventory-sync.inbox.postgres"),
	}, nil
}

// Claim inserts messageID. A concurrent claim of the same id blocks on the
// primary key until the first transaction ends, then sees the committed row.
func (l *Ledger) Claim(ctx context.Context, tx *sql.Tx, messageID uuid.UUID, at time.Time) (bool, error) {
	if tx == nil {
		return false, postgres.ErrTxRequired
	}

	if messageID == uuid.Nil {
		return false, inbox.ErrMessageIDRequired
	}

	ctx, span := l.tracer.Start(ctx, "postgres.inbox.claim")
	defer span.End()

	result, err := tx.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, processed_at) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		messageID, at.UTC())
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to claim message", err)

		return false, fmt.Errorf("inserting processed event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}

	return rows == 1, nil
}

func (l *Ledger) Exists(ctx context.Context, messageID uuid.UUID) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "postgres.inbox.exists")
	defer span.End()

	var exists bool

	err := l.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)", messageID).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		opentelemetry.HandleSpanError(span, "failed to look up message", err)

		return false, fmt.Errorf("looking up processed event: %w", err)
	}

	return exists, nil
}

// DeleteOlderThan prunes identities recorded before cutoff and returns how
// many were removed.
func (l *Ledger) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := l.tracer.Start(ctx, "postgres.inbox.delete_older_than")
	defer span.End()

	result, err := l.db.ExecContext(ctx, "DELETE FROM processed_events WHERE processed_at < $1", cutoff.UTC())
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to prune processed events", err)
		log.SafeError(l.logger, ctx, "failed to prune processed events", err, false)

		return 0, fmt.Errorf("deleting processed events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}

	return deleted, nil
}
