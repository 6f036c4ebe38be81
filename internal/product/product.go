// Package product owns the product catalog: products, their stock amount and
// the events that keep the inventory service informed.
package product

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/phojnacki/inventory-sync/internal/retry"
)

const (
	MaxNameLength        = 200
	MaxDescriptionLength = 1000
	// PriceScale is the number of fractional digits a price may carry.
	PriceScale = 2
)

var (
	// ErrInvalidProduct is the parent of every product validation failure.
	ErrInvalidProduct = errors.New("invalid product")

	ErrNameRequired        = fmt.Errorf("%w: name is required", ErrInvalidProduct)
	ErrNameTooLong         = fmt.Errorf("%w: name must be at most %d characters", ErrInvalidProduct, MaxNameLength)
	ErrDescriptionTooLong  = fmt.Errorf("%w: description must be at most %d characters", ErrInvalidProduct, MaxDescriptionLength)
	ErrPriceNotPositive    = fmt.Errorf("%w: price must be greater than 0", ErrInvalidProduct)
	ErrPriceScale          = fmt.Errorf("%w: price must have at most %d decimal places", ErrInvalidProduct, PriceScale)
	ErrQuantityNotPositive = fmt.Errorf("%w: quantity must be greater than 0", ErrInvalidProduct)

	ErrProductNotFound = errors.New("product not found")
)

type Product struct {
	ID          uuid.UUID
	Name        string
	Description string
	Price       decimal.Decimal
	Amount      int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewProduct validates the catalog rules and returns a product with no stock.
func NewProduct(name, description string, price decimal.Decimal, now time.Time) (*Product, error) {
	name = strings.TrimSpace(name)

	switch {
	case name == "":
		return nil, ErrNameRequired
	case utf8.RuneCountInString(name) > MaxNameLength:
		return nil, ErrNameTooLong
	case utf8.RuneCountInString(description) > MaxDescriptionLength:
		return nil, ErrDescriptionTooLong
	case !price.IsPositive():
		return nil, ErrPriceNotPositive
	case !price.Equal(price.Truncate(PriceScale)):
		return nil, ErrPriceScale
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate product id: %w", err)
	}

	now = now.UTC()

	return &Product{
		ID:          id,
		Name:        name,
		Description: description,
		Price:       price,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// IncreaseAmount adds stock. A non-positive quantity is a permanent error.
func (p *Product) IncreaseAmount(quantity int, at time.Time) error {
	if quantity <= 0 {
		return retry.Permanent(ErrQuantityNotPositive)
	}

	p.Amount += quantity
	p.UpdatedAt = at.UTC()

	return nil
}
