package http

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

var (
	ErrValidationFailed       = errors.New("validation failed")
	ErrFieldRequired          = errors.New("field is required")
	ErrFieldMaxLength         = errors.New("field exceeds maximum length")
	ErrFieldGreaterThan       = errors.New("field must be greater than constraint")
	ErrFieldPositiveDecimal   = errors.New("field must be a positive amount")
	ErrFieldUUID              = errors.New("field must be a valid UUID")
	ErrBodyParseFailed        = errors.New("failed to parse request body")
	ErrUnsupportedContentType = errors.New("Content-Type must be application/json")
	ErrValidatorInit          = errors.New("validator initialization failed")
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func initValidator() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON names so messages match what the client sent.
	vld.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}

		return name
	})

	if err := vld.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(decimal.Decimal)

		return ok && value.IsPositive()
	}); err != nil {
		return nil, fmt.Errorf("%w: register positive_decimal: %w", ErrValidatorInit, err)
	}

	return vld, nil
}

// GetValidator returns the shared validator with custom rules registered.
func GetValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errValidate = initValidator()
	})

	return validate, errValidate
}

// ValidateStruct reports the first failing field as a wrapped sentinel.
func ValidateStruct(payload any) error {
	vld, err := GetValidator()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	if err := vld.Struct(payload); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return formatFieldError(fieldErrs[0])
		}

		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	return nil
}

func formatFieldError(fe validator.FieldError) error {
	field := fe.Field()

	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %w: '%s'", ErrValidationFailed, ErrFieldRequired, field)
	case "max":
		return fmt.Errorf("%w: %w: '%s' must be at most %s", ErrValidationFailed, ErrFieldMaxLength, field, fe.Param())
	case "gt":
		return fmt.Errorf("%w: %w: '%s' must be greater than %s", ErrValidationFailed, ErrFieldGreaterThan, field, fe.Param())
	case "positive_decimal":
		return fmt.Errorf("%w: %w: '%s'", ErrValidationFailed, ErrFieldPositiveDecimal, field)
	case "uuid", "uuid4":
		return fmt.Errorf("%w: %w: '%s'", ErrValidationFailed, ErrFieldUUID, field)
	default:
		return fmt.Errorf("%w: '%s' failed '%s'", ErrValidationFailed, field, fe.Tag())
	}
}

// ParseBodyAndValidate decodes a JSON body into payload and validates it.
func ParseBodyAndValidate(c *fiber.Ctx, payload any) error {
	ct := c.Get(fiber.HeaderContentType)
	if ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
		return fmt.Errorf("%w: %w", ErrValidationFailed, ErrUnsupportedContentType)
	}

	if err := c.BodyParser(payload); err != nil {
		return fmt.Errorf("%w: %w: %w", ErrValidationFailed, ErrBodyParseFailed, err)
	}

	return ValidateStruct(payload)
}
