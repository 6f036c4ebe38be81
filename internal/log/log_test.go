//go:build unit

package log

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: " INFO ", want: LevelInfo},
		{in: "warning", want: LevelWarn},
		{in: "error", want: LevelError},
		{in: "trace", want: LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSafeErrorHidesMessageInProduction(t *testing.T) {
	rec := NewRecorder()
	err := errors.New("dial postgres://user:secret@db")

	SafeError(rec, context.Background(), "connect failed", err, true)
	SafeError(rec, context.Background(), "connect failed", err, false)
	SafeError(rec, context.Background(), "ignored", nil, false)

	require.Len(t, rec.Entries, 2)
	assert.Equal(t, "error_type", rec.Entries[0].Fields[0].Key)
	assert.Equal(t, "*errors.errorString", rec.Entries[0].Fields[0].Value)
	assert.Equal(t, err, rec.Entries[1].Fields[0].Value)
}

func TestRecorderWithSharesEntries(t *testing.T) {
	rec := NewRecorder()
	child := rec.With(String("queue", "product-created"))

	child.Log(context.Background(), LevelWarn, "duplicate")

	require.Len(t, rec.Entries, 1)
	assert.Equal(t, []string{"duplicate"}, rec.Messages(LevelWarn))
	assert.Equal(t, "queue", rec.Entries[0].Fields[0].Key)
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()

	assert.False(t, logger.Enabled(LevelError))
	assert.Same(t, logger, logger.With(String("a", "b")))
	assert.NoError(t, logger.Sync(context.Background()))
}
