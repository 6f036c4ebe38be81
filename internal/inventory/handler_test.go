//go:build unit

package inventory

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ihttp "github.com/phojnacki/inventory-sync/internal/net/http"
	"github.com/phojnacki/inventory-sync/internal/reconcile"
)

func post(t *testing.T, f *fixture, body string) (int, map[string]any, http.Header) {
	t.Helper()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          ihttp.NewErrorHandler(f.logs, ErrorMappings...),
	})
	NewHandler(f.service).Register(app)

	req := httptest.NewRequest(fiber.MethodPost, "/inventory", strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))

	return resp.StatusCode, decoded, resp.Header
}

func TestAddEndpointCreatesEntry(t *testing.T) {
	productID := uuid.New()
	f := newFixture(t, reconcile.Unavailable, productID)

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	status, body, header := post(t, f, `{"productId":"`+productID.String()+`","quantity":15,"addedBy":"warehouse-7"}`)
	require.Equal(t, fiber.StatusCreated, status)

	require.Len(t, f.store.inserted, 1)
	inv := f.store.inserted[0]
	assert.Equal(t, inv.ID.String(), body["id"])
	assert.Equal(t, "warehouse-7", inv.AddedBy)
	assert.Equal(t, "/inventory/"+inv.ID.String(), header.Get(fiber.HeaderLocation))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAddEndpointDefaultsAddedBy(t *testing.T) {
	productID := uuid.New()
	f := newFixture(t, reconcile.Unavailable, productID)

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	status, _, _ := post(t, f, `{"productId":"`+productID.String()+`","quantity":2}`)
	require.Equal(t, fiber.StatusCreated, status)
	require.Len(t, f.store.inserted, 1)
	assert.Equal(t, DefaultAddedBy, f.store.inserted[0].AddedBy)
}

func TestAddEndpointUnregisteredProduct(t *testing.T) {
	productID := uuid.New()
	f := newFixture(t, reconcile.NotFound)

	status, body, _ := post(t, f, `{"productId":"`+productID.String()+`","quantity":2}`)

	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "register the product with id "+productID.String()+" first before adding the inventory", body["message"])
	assert.Empty(t, f.store.inserted)
}

func TestAddEndpointProductServiceUnavailable(t *testing.T) {
	f := newFixture(t, reconcile.Unavailable)

	status, body, header := post(t, f, `{"productId":"`+uuid.NewString()+`","quantity":2}`)

	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "5", header.Get(fiber.HeaderRetryAfter))
	assert.Equal(t, "dependency_unavailable", body["title"])
	assert.Empty(t, f.store.inserted)
}

func TestAddEndpointRejectsInvalidBodies(t *testing.T) {
	bodies := map[string]string{
		"missing product": `{"quantity":2}`,
		"bad product id":  `{"productId":"nope","quantity":2}`,
		"zero quantity":   `{"productId":"` + uuid.NewString() + `","quantity":0}`,
		"long addedBy":    `{"productId":"` + uuid.NewString() + `","quantity":1,"addedBy":"` + strings.Repeat("a", MaxAddedByLength+1) + `"}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, reconcile.Exists)

			status, decoded, _ := post(t, f, body)
			assert.Equal(t, fiber.StatusBadRequest, status)
			assert.Equal(t, "validation_failed", decoded["title"])
			assert.Zero(t, f.checker.calls)
		})
	}
}
