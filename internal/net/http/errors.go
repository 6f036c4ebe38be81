package http

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/nilcheck"
	"github.com/phojnacki/inventory-sync/internal/reconcile"
)

// RetryAfterSeconds is advertised on 503 responses.
const RetryAfterSeconds = 5

// ErrorMapping renders errors matching Target (errors.Is) with Status. When
// ExposeMessage is false the body carries a generic message.
type ErrorMapping struct {
	Target        error
	Status        int
	Title         string
	ExposeMessage bool
}

// DefaultMappings covers validation and reconciliation failures.
var DefaultMappings = []ErrorMapping{
	{Target: ErrValidationFailed, Status: fiber.StatusBadRequest, Title: "validation_failed", ExposeMessage: true},
	{Target: reconcile.ErrEntityNotFound, Status: fiber.StatusUnprocessableEntity, Title: "dependency_not_registered", ExposeMessage: true},
	{Target: reconcile.ErrDependencyUnavailable, Status: fiber.StatusServiceUnavailable, Title: "dependency_unavailable"},
}

// NewErrorHandler returns a fiber error handler. Service mappings are
// checked before DefaultMappings; anything unmatched is logged and
// answered with a generic 500.
func NewErrorHandler(logger log.Logger, mappings ...ErrorMapping) fiber.ErrorHandler {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	all := append(append([]ErrorMapping(nil), mappings...), DefaultMappings...)

	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return WriteError(c, fe.Code, "request_error", fe.Message)
		}

		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return WriteError(c, fiber.StatusBadRequest, "validation_failed", err.Error())
		}

		for _, m := range all {
			if m.Target == nil || !errors.Is(err, m.Target) {
				continue
			}

			message := err.Error()
			if !m.ExposeMessage {
				message = utils.StatusMessage(m.Status)
			}

			if m.Status == fiber.StatusServiceUnavailable {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(RetryAfterSeconds))
			}

			return WriteError(c, m.Status, m.Title, message)
		}

		ctx := c.UserContext()
		if ctx == nil {
			ctx = context.Background()
		}

		logger.Log(ctx, log.LevelError, "handler error",
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Err(err))

		return WriteError(c, fiber.StatusInternalServerError, "internal_error", "internal server error")
	}
}
