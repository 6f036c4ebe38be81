// Package inventory records stock additions for products owned by the
// product service and announces each one with a product-inventory-added
// event.
package inventory

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxAddedByLength = 200
	// DefaultAddedBy is recorded when the caller does not identify itself.
	DefaultAddedBy = "unknown"
)

var (
	ErrInvalidInventory = errors.New("invalid inventory")

	ErrProductIDRequired   = fmt.Errorf("%w: product id is required", ErrInvalidInventory)
	ErrQuantityNotPositive = fmt.Errorf("%w: quantity must be greater than 0", ErrInvalidInventory)
	ErrAddedByRequired     = fmt.Errorf("%w: addedBy is required", ErrInvalidInventory)
	ErrAddedByTooLong      = fmt.Errorf("%w: addedBy must be at most %d characters", ErrInvalidInventory, MaxAddedByLength)
)

// Inventory is one stock addition.
type Inventory struct {
	ID        uuid.UUID
	ProductID uuid.UUID
	Quantity  int
	AddedAt   time.Time
	AddedBy   string
}

func NewInventory(productID uuid.UUID, quantity int, addedBy string, now time.Time) (*Inventory, error) {
	addedBy = strings.TrimSpace(addedBy)

	switch {
	case productID == uuid.Nil:
		return nil, ErrProductIDRequired
	case quantity <= 0:
		return nil, ErrQuantityNotPositive
	case addedBy == "":
		return nil, ErrAddedByRequired
	case utf8.RuneCountInString(addedBy) > MaxAddedByLength:
		return nil, ErrAddedByTooLong
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate inventory id: %w", err)
	}

	return &Inventory{
		ID:        id,
		ProductID: productID,
		Quantity:  quantity,
		AddedAt:   now.UTC(),
		AddedBy:   addedBy,
	}, nil
}

// ProductNotRegisteredError is returned when the product service confirms a
// product does not exist.
type ProductNotRegisteredError struct {
	ProductID uuid.UUID
	Err       error
}

func (e *ProductNotRegisteredError) Error() string {
	return fmt.Sprintf("register the product with id %s first before adding the inventory", e.ProductID)
}

func (e *ProductNotRegisteredError) Unwrap() error { return e.Err }
