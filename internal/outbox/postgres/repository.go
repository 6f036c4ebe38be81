// Package postgres stores outbox records in the outbox_records table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/opentelemetry"
	"github.com/phojnacki/inventory-sync/internal/outbox"
	"github.com/phojnacki/inventory-sync/internal/postgres"
)

const uniqueViolation = "23505"

var (
	ErrDBRequired          = errors.New("outbox database handle is required")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
	ErrIDRequired          = errors.New("id is required")
)

const columns = "id, event_type, aggregate_id, payload, status, attempts, last_error, available_at, created_at, updated_at, dispatched_at"

const (
	statusPending    = "'PENDING'::outbox_record_status"
	statusProcessing = "'PROCESSING'::outbox_record_status"
	statusDispatched = "'DISPATCHED'::outbox_record_status"
	statusInvalid    = "'INVALID'::outbox_record_status"
)

// DB is the subset of *sql.DB the repository needs.
type DB interface {
	postgres.TxBeginner
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Option func(*Repository)

func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if !nilcheck.Interface(logger) {
			repo.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(repo *Repository) {
		if !nilcheck.Interface(tracer) {
			repo.tracer = tracer
		}
	}
}

// Repository implements outbox.Repository on PostgreSQL. All methods except
// Stage run against the primary.
type Repository struct {
	db     DB
	logger log.Logger
	tracer trace.Tracer
	now    func() time.Time
}

var _ outbox.Repository = (*Repository)(nil)

func NewRepository(db DB, opts ...Option) (*Repository, error) {
	if nilcheck.Interface(db) {
		return nil, ErrDBRequired
	}

	repo := &Repository{
		db:     db,
		logger: log.NewNop(),
		tracer: otel.Tracer("inventory-sync.outbox.postgres"),
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	return repo, nil
}

// Stage inserts record inside tx. It never commits.
func (repo *Repository) Stage(ctx context.Context, tx *sql.Tx, record *outbox.Record) error {
	if tx == nil {
		return postgres.ErrTxRequired
	}

	if record == nil {
		return outbox.ErrRecordRequired
	}

	// Re-run constructor validation for records assembled by hand.
	if _, err := outbox.NewRecordWithID(record.ID, record.EventType, record.AggregateID, record.Payload); err != nil {
		return err
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox.stage")
	defer span.End()

	now := repo.now()

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	availableAt := record.AvailableAt
	if availableAt.IsZero() {
		availableAt = createdAt
	}

	query := "INSERT INTO outbox_records (id, event_type, aggregate_id, payload, status, attempts, available_at, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, " + statusPending + ", 0, $5, $6, $7)"

	_, err := tx.ExecContext(ctx, query,
		record.ID, record.EventType, record.AggregateID, record.Payload, availableAt, createdAt, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			err = fmt.Errorf("%w: %s", outbox.ErrDuplicateRecord, record.ID)
		}

		opentelemetry.HandleSpanError(span, "failed to stage outbox record", err)
		repo.logError(ctx, "failed to stage outbox record", err)

		return fmt.Errorf("staging outbox record: %w", err)
	}

	record.Status = outbox.StatusPending
	record.CreatedAt = createdAt
	record.AvailableAt = availableAt
	record.UpdatedAt = now

	return nil
}

// ClaimPending leases the oldest due record of each aggregate whose earlier
// records are all closed. SKIP LOCKED lets concurrent relays split the work.
func (repo *Repository) ClaimPending(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox.claim_pending")
	defer span.End()

	now := repo.now()

	query := "WITH candidates AS (" +
		"SELECT o.id FROM outbox_records o " +
		"WHERE o.status = " + statusPending + " AND o.available_at <= $1 " +
		"AND NOT EXISTS (SELECT 1 FROM outbox_records prior " +
		"WHERE prior.aggregate_id = o.aggregate_id " +
		"AND prior.status IN (" + statusPending + ", " + statusProcessing + ") " +
		"AND (prior.created_at, prior.id) < (o.created_at, o.id)) " +
		"ORDER BY o.created_at, o.id LIMIT $2 FOR UPDATE OF o SKIP LOCKED) " +
		"UPDATE outbox_records r SET status = " + statusProcessing + ", updated_at = $1 " +
		"FROM candidates c WHERE r.id = c.id RETURNING " + prefixed("r.")

	records, err := repo.queryInTx(ctx, query, now, limit)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to claim pending outbox records", err)
		repo.logError(ctx, "failed to claim pending outbox records", err)

		return nil, fmt.Errorf("claiming pending outbox records: %w", err)
	}

	return records, nil
}

// ReclaimStale renews the lease of PROCESSING records last touched before
// the cutoff, which happens when a relay died mid-cycle.
func (repo *Repository) ReclaimStale(ctx context.Context, limit int, before time.Time) ([]*outbox.Record, error) {
	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox.reclaim_stale")
	defer span.End()

	query := "WITH stale AS (" +
		"SELECT id FROM outbox_records WHERE status = " + statusProcessing + " AND updated_at < $1 " +
		"ORDER BY created_at, id LIMIT $2 FOR UPDATE SKIP LOCKED) " +
		"UPDATE outbox_records r SET updated_at = $3 " +
		"FROM stale s WHERE r.id = s.id RETURNING " + prefixed("r.")

	records, err := repo.queryInTx(ctx, query, before.UTC(), limit, repo.now())
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to reclaim stale outbox records", err)
		repo.logError(ctx, "failed to reclaim stale outbox records", err)

		return nil, fmt.Errorf("reclaiming stale outbox records: %w", err)
	}

	return records, nil
}

// MarkDispatched succeeds again for a record that is already DISPATCHED and
// keeps the first dispatch time.
func (repo *Repository) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	query := "UPDATE outbox_records SET status = " + statusDispatched + ", " +
		"dispatched_at = COALESCE(dispatched_at, $1), updated_at = $2 " +
		"WHERE id = $3 AND status IN (" + statusProcessing + ", " + statusDispatched + ")"

	return repo.exec(ctx, "postgres.outbox.mark_dispatched", "failed to mark outbox record dispatched",
		query, at.UTC(), repo.now(), id)
}

// Release records a failed cycle. The record returns to PENDING until
// availableAt. Only a positive maxAttempts can turn it INVALID.
func (repo *Repository) Release(ctx context.Context, id uuid.UUID, errMsg string, availableAt time.Time, maxAttempts int) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	query := "UPDATE outbox_records SET " +
		"status = CASE WHEN $1 > 0 AND attempts + 1 >= $1 THEN " + statusInvalid + " ELSE " + statusPending + " END, " +
		"attempts = attempts + 1, last_error = $2, available_at = $3, updated_at = $4 " +
		"WHERE id = $5 AND status = " + statusProcessing

	return repo.exec(ctx, "postgres.outbox.release", "failed to release outbox record",
		query, maxAttempts, outbox.SanitizeMessage(errMsg), availableAt.UTC(), repo.now(), id)
}

func (repo *Repository) MarkInvalid(ctx context.Context, id uuid.UUID, errMsg string) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	query := "UPDATE outbox_records SET status = " + statusInvalid + ", last_error = $1, updated_at = $2 " +
		"WHERE id = $3 AND status = " + statusProcessing

	return repo.exec(ctx, "postgres.outbox.mark_invalid", "failed to mark outbox record invalid",
		query, outbox.SanitizeMessage(errMsg), repo.now(), id)
}

// Requeue moves an INVALID record back to PENDING with a fresh attempt budget.
func (repo *Repository) Requeue(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	now := repo.now()

	query := "UPDATE outbox_records SET status = " + statusPending + ", attempts = 0, last_error = NULL, " +
		"available_at = $1, updated_at = $1 WHERE id = $2 AND status = " + statusInvalid

	err := repo.exec(ctx, "postgres.outbox.requeue", "failed to requeue outbox record", query, now, id)
	if !errors.Is(err, outbox.ErrStateTransitionConflict) {
		return err
	}

	if _, getErr := repo.GetByID(ctx, id); errors.Is(getErr, outbox.ErrRecordNotFound) {
		return getErr
	}

	return err
}

func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	ctx, span := repo.tracer.Start(ctx, "postgres.outbox.get_by_id")
	defer span.End()

	row := repo.db.QueryRowContext(ctx, "SELECT "+columns+" FROM outbox_records WHERE id = $1", id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", outbox.ErrRecordNotFound, id)
	}

	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to get outbox record", err)
		repo.logError(ctx, "failed to get outbox record", err)

		return nil, fmt.Errorf("getting outbox record: %w", err)
	}

	return record, nil
}

func (repo *Repository) exec(ctx context.Context, spanName, failMsg, query string, args ...any) error {
	ctx, span := repo.tracer.Start(ctx, spanName)
	defer span.End()

	result, err := repo.db.ExecContext(ctx, query, args...)
	if err == nil {
		err = ensureRowsAffected(result)
	}

	if err != nil {
		opentelemetry.HandleSpanError(span, failMsg, err)
		repo.logError(ctx, failMsg, err)

		return fmt.Errorf("%s: %w", spanName, err)
	}

	return nil
}

func (repo *Repository) queryInTx(ctx context.Context, query string, args ...any) ([]*outbox.Record, error) {
	records, err := postgres.WithTxResult(ctx, repo.db, func(ctx context.Context, tx *sql.Tx) ([]*outbox.Record, error) {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("querying: %w", err)
		}
		defer rows.Close()

		var out []*outbox.Record

		for rows.Next() {
			record, scanErr := scanRecord(rows)
			if scanErr != nil {
				return nil, scanErr
			}

			out = append(out, record)
		}

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating rows: %w", err)
		}

		return out, nil
	})
	if err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not keep the CTE order.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

func (repo *Repository) logError(ctx context.Context, msg string, err error) {
	repo.logger.Log(ctx, log.LevelError, msg, log.String("error", outbox.SanitizeError(err)))
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*outbox.Record, error) {
	var (
		record       outbox.Record
		status       string
		lastError    sql.NullString
		dispatchedAt sql.NullTime
	)

	if err := scanner.Scan(
		&record.ID,
		&record.EventType,
		&record.AggregateID,
		&record.Payload,
		&status,
		&record.Attempts,
		&lastError,
		&record.AvailableAt,
		&record.CreatedAt,
		&record.UpdatedAt,
		&dispatchedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox record: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	record.Status = parsed

	if lastError.Valid {
		record.LastError = lastError.String
	}

	if dispatchedAt.Valid {
		at := dispatchedAt.Time
		record.DispatchedAt = &at
	}

	return &record, nil
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}

	if rows == 0 {
		return outbox.ErrStateTransitionConflict
	}

	return nil
}

func prefixed(prefix string) string {
	return prefix + "id, " + prefix + "event_type, " + prefix + "aggregate_id, " + prefix + "payload, " +
		prefix + "status, " + prefix + "attempts, " + prefix + "last_error, " + prefix + "available_at, " +
		prefix + "created_at, " + prefix + "updated_at, " + prefix + "dispatched_at"
}
