package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Stager writes a record inside the caller's transaction.
type Stager interface {
	Stage(ctx context.Context, tx *sql.Tx, record *Record) error
}

// Repository persists outbox records. Stage is the only method that joins the
// caller's transaction; every other method is its own short unit of work.
type Repository interface {
	Stager
	// ClaimPending moves up to limit due PENDING records to PROCESSING. Only
	// the oldest open record of each aggregate is eligible.
	ClaimPending(ctx context.Context, limit int) ([]*Record, error)
	// ReclaimStale renews the lease of PROCESSING records untouched since before.
	ReclaimStale(ctx context.Context, limit int, before time.Time) ([]*Record, error)
	// MarkDispatched is a no-op success for an already dispatched record.
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	// Release returns a record to PENDING until availableAt. A positive
	// maxAttempts turns it INVALID once attempts reach it.
	Release(ctx context.Context, id uuid.UUID, errMsg string, availableAt time.Time, maxAttempts int) error
	MarkInvalid(ctx context.Context, id uuid.UUID, errMsg string) error
	// Requeue is the operator re-drive of an INVALID record.
	Requeue(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
}
