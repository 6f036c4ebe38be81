//go:build unit

package errgroup

import (
	"context"
	"errors"
	"testing"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstErrorCancelsSiblings(t *testing.T) {
	group, ctx := WithContext(context.Background())
	errRelay := errors.New("relay stopped")

	group.Go(func() error { return errRelay })
	group.Go(func() error {
		<-ctx.Done()

		return ctx.Err()
	})

	require.ErrorIs(t, group.Wait(), errRelay)
}

func TestPanicBecomesError(t *testing.T) {
	rec := log.NewRecorder()
	group, _ := WithContext(context.Background())
	group.SetLogger(rec)

	group.Go(func() error { panic("consumer crashed") })

	err := group.Wait()
	require.ErrorIs(t, err, ErrPanicRecovered)
	assert.Contains(t, err.Error(), "consumer crashed")
	assert.Len(t, rec.Messages(log.LevelError), 1)
}

func TestWaitReturnsNilWhenAllSucceed(t *testing.T) {
	group, ctx := WithContext(context.Background())

	group.Go(func() error { return nil })
	group.Go(func() error { return nil })

	require.NoError(t, group.Wait())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
