//go:build unit

package inventory

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phojnacki/inventory-sync/internal/reconcile"
)

func TestNewInventory(t *testing.T) {
	productID := uuid.New()
	now := time.Date(2026, 2, 15, 8, 32, 58, 0, time.FixedZone("CET", 3600))

	inv, err := NewInventory(productID, 15, " warehouse-7 ", now)
	require.NoError(t, err)

	assert.Equal(t, productID, inv.ProductID)
	assert.Equal(t, "warehouse-7", inv.AddedBy)
	assert.Equal(t, time.UTC, inv.AddedAt.Location())
	assert.Equal(t, 7, int(inv.ID.Version()))
}

func TestNewInventoryRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name      string
		productID uuid.UUID
		quantity  int
		addedBy   string
		want      error
	}{
		{"nil product", uuid.Nil, 1, "x", ErrProductIDRequired},
		{"zero quantity", uuid.New(), 0, "x", ErrQuantityNotPositive},
		{"negative quantity", uuid.New(), -4, "x", ErrQuantityNotPositive},
		{"blank addedBy", uuid.New(), 1, "  ", ErrAddedByRequired},
		{"long addedBy", uuid.New(), 1, strings.Repeat("a", MaxAddedByLength+1), ErrAddedByTooLong},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewInventory(tc.productID, tc.quantity, tc.addedBy, time.Now())
			require.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ErrInvalidInventory)
		})
	}
}

func TestProductNotRegisteredError(t *testing.T) {
	id := uuid.MustParse("0193e8a4-7c1a-7b2e-9f00-0000000000aa")
	cause := errors.New("confirmed absent")

	err := error(&ProductNotRegisteredError{ProductID: id, Err: cause})

	assert.Equal(t, "register the product with id 0193e8a4-7c1a-7b2e-9f00-0000000000aa first before adding the inventory", err.Error())
	assert.ErrorIs(t, err, cause)

	var target *ProductNotRegisteredError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, id, target.ProductID)
	assert.NotErrorIs(t, err, reconcile.ErrDependencyUnavailable)
}
