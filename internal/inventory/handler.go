package inventory

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	ihttp "github.com/phojnacki/inventory-sync/internal/net/http"
)

type addRequest struct {
	ProductID uuid.UUID `json:"productId" validate:"required"`
	Quantity  int       `json:"quantity" validate:"gt=0"`
	AddedBy   string    `json:"addedBy" validate:"max=200"`
}

type addResponse struct {
	ID uuid.UUID `json:"id"`
}

var ErrorMappings = []ihttp.ErrorMapping{
	{Target: ErrInvalidInventory, Status: fiber.StatusBadRequest, Title: "validation_failed", ExposeMessage: true},
}

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r fiber.Router) {
	r.Post("/inventory", h.Add)
}

// Add answers 201 with the new entry id. An unregistered product is a 422 and
// an unreachable product service a 503.
func (h *Handler) Add(c *fiber.Ctx) error {
	var req addRequest
	if err := ihttp.ParseBodyAndValidate(c, &req); err != nil {
		return err
	}

	addedBy := strings.TrimSpace(req.AddedBy)
	if addedBy == "" {
		addedBy = DefaultAddedBy
	}

	inv, err := h.service.AddInventory(c.UserContext(), AddInput{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		AddedBy:   addedBy,
	})
	if err != nil {
		return err
	}

	c.Location("/inventory/" + inv.ID.String())

	return ihttp.Created(c, addResponse{ID: inv.ID})
}
