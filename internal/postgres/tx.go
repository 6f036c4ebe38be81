package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrTxRequired is returned when a transactional operation gets a nil *sql.Tx.
var ErrTxRequired = errors.New("postgres transaction is required")

// TxBeginner is satisfied by *sql.DB.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// WithTx runs fn inside one transaction. The transaction commits only when fn
// returns nil; an error or a panic rolls it back.
func WithTx(ctx context.Context, db TxBeginner, fn func(ctx context.Context, tx *sql.Tx) error) error {
	_, err := WithTxResult(ctx, db, func(ctx context.Context, tx *sql.Tx) (struct{}, error) {
		return struct{}{}, fn(ctx, tx)
	})

	return err
}

// WithTxResult is WithTx for functions that produce a value.
func WithTxResult[T any](ctx context.Context, db TxBeginner, fn func(ctx context.Context, tx *sql.Tx) (T, error)) (result T, err error) {
	var zero T

	if db == nil {
		return zero, ErrNotConnected
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin transaction: %w", err)
	}

	committed := false

	defer func() {
		if committed {
			return
		}

		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	result, err = fn(ctx, tx)
	if err != nil {
		return zero, err
	}

	if err = tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit transaction: %w", err)
	}

	committed = true

	return result, nil
}
