package http

import (
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// ParsePagination reads limit/offset. Out-of-range limits are clamped.
func ParsePagination(c *fiber.Ctx) (limit, offset int, err error) {
	limit, offset = DefaultLimit, 0

	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			return 0, 0, fmt.Errorf("%w: invalid limit %q", ErrValidationFailed, raw)
		}
	}

	if raw := c.Query("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil {
			return 0, 0, fmt.Errorf("%w: invalid offset %q", ErrValidationFailed, raw)
		}
	}

	if limit <= 0 {
		limit = DefaultLimit
	}

	limit = min(limit, MaxLimit)
	offset = max(offset, 0)

	return limit, offset, nil
}
