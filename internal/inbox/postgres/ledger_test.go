//go:build unit

package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phojnacki/inventory-sync/internal/inbox"
	"github.com/phojnacki/inventory-sync/internal/postgres"
)

func TestClaim(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger, err := NewLedger(db, nil)
	require.NoError(t, err)

	id := uuid.New()
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (event_id) DO NOTHING")).
		WithArgs(id, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (event_id) DO NOTHING")).
		WithArgs(id, at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	first, err := ledger.Claim(context.Background(), tx, id, at)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := ledger.Claim(context.Background(), tx, id, at)
	require.NoError(t, err)
	assert.False(t, second)

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimValidation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger, err := NewLedger(db, nil)
	require.NoError(t, err)

	_, err = ledger.Claim(context.Background(), nil, uuid.New(), time.Now())
	require.ErrorIs(t, err, postgres.ErrTxRequired)

	mock.ExpectBegin()

	tx, err := db.Begin()
	require.NoError(t, err)

	_, err = ledger.Claim(context.Background(), tx, uuid.Nil, time.Now())
	require.ErrorIs(t, err, inbox.ErrMessageIDRequired)

	_, err = NewLedger(nil, nil)
	require.ErrorIs(t, err, inbox.ErrDBRequired)
}

func TestExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger, err := NewLedger(db, nil)
	require.NoError(t, err)

	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := ledger.Exists(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger, err := NewLedger(db, nil)
	require.NoError(t, err)

	cutoff := time.Now().UTC().Add(-30 * time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM processed_events WHERE processed_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	deleted, err := ledger.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), deleted)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM processed_events")).
		WillReturnError(errors.New("lock timeout"))

	_, err = ledger.DeleteOlderThan(context.Background(), cutoff)
	require.ErrorContains(t, err, "lock timeout")
	require.NoError(t, mock.ExpectationsWereMet())
}
