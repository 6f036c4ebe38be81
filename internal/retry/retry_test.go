//go:build unit

package retry

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("connection refused")

func TestClassify(t *testing.T) {
	var syntaxErr error = json.Unmarshal([]byte("{"), &struct{}{})

	type payload struct {
		Quantity int `validate:"gt=0"`
	}

	validationErr := validator.New().Struct(payload{})
	require.Error(t, validationErr)

	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "nil", err: nil, want: ClassNone},
		{name: "transient", err: errStoreDown, want: ClassTransient},
		{name: "permanent", err: Permanent(errors.New("product not found")), want: ClassPermanent},
		{name: "wrapped permanent", err: fmt.Errorf("apply: %w", Permanent(errStoreDown)), want: ClassPermanent},
		{name: "json syntax", err: syntaxErr, want: ClassValidation},
		{name: "validator", err: fmt.Errorf("decode: %w", validationErr), want: ClassValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPermanentPreservesIdentity(t *testing.T) {
	err := Permanent(errStoreDown)

	require.ErrorIs(t, err, errStoreDown)
	assert.Same(t, err, Permanent(err))
	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(err))
	assert.False(t, IsPermanent(errStoreDown))
}

func TestDecideTransientRetriesUpToCeiling(t *testing.T) {
	policy := DefaultPolicy()

	var decisions []Decision

	for attempt := 1; attempt <= 4; attempt++ {
		decisions = append(decisions, policy.Decide(Context{MessageID: "e1", Attempt: attempt}, errStoreDown))
	}

	assert.Equal(t, StateRetrying, decisions[0].Next)
	assert.Equal(t, 200*time.Millisecond, decisions[0].Delay)
	assert.Equal(t, StateRetrying, decisions[1].Next)
	assert.Equal(t, 400*time.Millisecond, decisions[1].Delay)
	assert.Equal(t, StateRetrying, decisions[2].Next)
	assert.Equal(t, 800*time.Millisecond, decisions[2].Delay)
	assert.Equal(t, StateDeadLettered, decisions[3].Next)
	assert.Equal(t, ClassTransient, decisions[3].Class)
}

func TestDecidePermanentDeadLettersImmediately(t *testing.T) {
	d := DefaultPolicy().Decide(Context{Attempt: 1}, Permanent(errors.New("entity will never exist")))

	assert.Equal(t, StateDeadLettered, d.Next)
	assert.Equal(t, ClassPermanent, d.Class)
	assert.Zero(t, d.Delay)
}

func TestDecideSuccessCommits(t *testing.T) {
	assert.Equal(t, StateCommitted, DefaultPolicy().Decide(Context{Attempt: 2}, nil).Next)
}

func TestStateTransitions(t *testing.T) {
	require.NoError(t, Transition(StateReceived, StateProcessing))
	require.NoError(t, Transition(StateProcessing, StateRetrying))
	require.NoError(t, Transition(StateRetrying, StateProcessing))
	require.NoError(t, Transition(StateProcessing, StateCommitted))
	require.NoError(t, Transition(StateProcessing, StateDeadLettered))

	require.ErrorIs(t, Transition(StateDeadLettered, StateProcessing), ErrInvalidTransition)
	require.ErrorIs(t, Transition(StateCommitted, StateRetrying), ErrInvalidTransition)
	require.ErrorIs(t, Transition(StateReceived, StateCommitted), ErrInvalidTransition)
}

func TestMaxRedeliverySpan(t *testing.T) {
	assert.Equal(t, 1400*time.Millisecond, DefaultPolicy().MaxRedeliverySpan())
	assert.Equal(t, 3*time.Second, Policy{MaxRetries: 3, Backoff: time.Second, MaxBackoff: time.Second}.MaxRedeliverySpan())
}
