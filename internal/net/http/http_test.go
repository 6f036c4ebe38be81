//go:build unit

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phojnacki/inventory-sync/internal/log"
	"github.com/phojnacki/inventory-sync/internal/reconcile"
)

type createPayload struct {
	Name  string          `json:"name" validate:"required,max=5"`
	Price decimal.Decimal `json:"price" validate:"positive_decimal"`
	Qty   int             `json:"quantity" validate:"gt=0"`
}

var errMissing = errors.New("thing not found")

func newApp(t *testing.T, logger log.Logger, handler fiber.Handler) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: NewErrorHandler(logger, ErrorMapping{Target: errMissing, Status: fiber.StatusNotFound, Title: "not_found", ExposeMessage: true}),
	})
	app.Post("/", handler)

	return app
}

func do(t *testing.T, app *fiber.App, body string) (*nethttp.Response, ErrorResponse) {
	t.Helper()

	req := httptest.NewRequest(nethttp.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out ErrorResponse
	_ = json.Unmarshal(raw, &out)

	return resp, out
}

func TestValidateStructUsesJSONNames(t *testing.T) {
	err := ValidateStruct(createPayload{Name: "", Price: decimal.NewFromInt(1), Qty: 1})
	require.ErrorIs(t, err, ErrValidationFailed)
	require.ErrorIs(t, err, ErrFieldRequired)
	assert.Contains(t, err.Error(), "'name'")

	err = ValidateStruct(createPayload{Name: "abc", Price: decimal.Zero, Qty: 1})
	require.ErrorIs(t, err, ErrFieldPositiveDecimal)
	assert.Contains(t, err.Error(), "'price'")

	err = ValidateStruct(createPayload{Name: "abcdef", Price: decimal.NewFromInt(1), Qty: 1})
	require.ErrorIs(t, err, ErrFieldMaxLength)

	err = ValidateStruct(createPayload{Name: "abc", Price: decimal.NewFromInt(1), Qty: 0})
	require.ErrorIs(t, err, ErrFieldGreaterThan)

	require.NoError(t, ValidateStruct(createPayload{Name: "abc", Price: decimal.RequireFromString("0.01"), Qty: 1}))
}

func TestParseBodyAndValidate(t *testing.T) {
	app := newApp(t, nil, func(c *fiber.Ctx) error {
		var p createPayload
		if err := ParseBodyAndValidate(c, &p); err != nil {
			return err
		}

		return Created(c, fiber.Map{"name": p.Name, "price": p.Price.String()})
	})

	resp, _ := do(t, app, `{"name":"ab","price":"12.50","quantity":2}`)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)

	resp, body := do(t, app, `{"name":`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "400", body.Code)

	resp, body = do(t, app, `{"name":"ab","price":"-1","quantity":2}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Message, "price")
}

func TestErrorHandlerMapping(t *testing.T) {
	id := uuid.New()

	cases := []struct {
		name       string
		err        error
		status     int
		retryAfter string
		message    string
	}{
		{"service mapping", fmt.Errorf("lookup: %w", errMissing), fiber.StatusNotFound, "", "lookup: thing not found"},
		{"entity not registered", fmt.Errorf("%w: %s", reconcile.ErrEntityNotFound, id), fiber.StatusUnprocessableEntity, "", id.String()},
		{"owner unavailable", fmt.Errorf("%w: %s", reconcile.ErrDependencyUnavailable, id), fiber.StatusServiceUnavailable, "5", "Service Unavailable"},
		{"fiber error", fiber.NewError(fiber.StatusRequestEntityTooLarge, "too big"), fiber.StatusRequestEntityTooLarge, "", "too big"},
		{"unknown", errors.New("pq: password=secret rejected"), fiber.StatusInternalServerError, "", "internal server error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := log.NewRecorder()
			app := newApp(t, rec, func(*fiber.Ctx) error { return tc.err })

			resp, body := do(t, app, `{}`)

			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.retryAfter, resp.Header.Get("Retry-After"))
			assert.Contains(t, body.Message, tc.message)

			if tc.status == fiber.StatusInternalServerError {
				assert.Equal(t, []string{"handler error"}, rec.Messages(log.LevelError))
			} else {
				assert.Empty(t, rec.Messages(log.LevelError))
			}
		})
	}
}

func TestParsePagination(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: NewErrorHandler(nil)})
	app.Get("/", func(c *fiber.Ctx) error {
		limit, offset, err := ParsePagination(c)
		if err != nil {
			return err
		}

		return OK(c, fiber.Map{"limit": limit, "offset": offset})
	})

	cases := map[string][2]int{
		"/":                    {DefaultLimit, 0},
		"/?limit=500&offset=3": {MaxLimit, 3},
		"/?limit=-1&offset=-4": {DefaultLimit, 0},
	}

	for target, want := range cases {
		resp, err := app.Test(httptest.NewRequest(nethttp.MethodGet, target, nil))
		require.NoError(t, err)

		var got map[string]int
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, want[0], got["limit"], target)
		assert.Equal(t, want[1], got["offset"], target)
	}

	resp, err := app.Test(httptest.NewRequest(nethttp.MethodGet, "/?limit=ten", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestWithHTTPLogging(t *testing.T) {
	rec := log.NewRecorder()

	app := fiber.New(fiber.Config{ErrorHandler: NewErrorHandler(nil)})
	app.Use(WithHTTPLogging(rec))
	app.Get("/health", Ping)
	app.Get("/boom", func(*fiber.Ctx) error { return errors.New("boom") })

	resp, err := app.Test(httptest.NewRequest(nethttp.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(nethttp.MethodGet, "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)

	require.Len(t, rec.Entries, 1)
	assert.Contains(t, rec.Entries[0].Fields, log.Int("status", fiber.StatusInternalServerError))
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
}

func TestWithHTTPLoggingKeepsCallerRequestID(t *testing.T) {
	rec := log.NewRecorder()

	app := fiber.New()
	app.Use(WithHTTPLogging(rec))
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	req := httptest.NewRequest(nethttp.MethodGet, "/ok", nil)
	req.Header.Set(HeaderRequestID, "req-42")

	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, "req-42", resp.Header.Get(HeaderRequestID))
	require.Len(t, rec.Entries, 1)
	assert.Contains(t, rec.Entries[0].Fields, log.String("request_id", "req-42"))
}
