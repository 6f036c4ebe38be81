package product

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	ihttp "github.com/phojnacki/inventory-sync/internal/net/http"
)

type createRequest struct {
	Name        string          `json:"name" validate:"required,max=200"`
	Description string          `json:"description" validate:"max=1000"`
	Price       decimal.Decimal `json:"price" validate:"positive_decimal"`
}

// Response is the JSON view of a product.
type Response struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Amount      int             `json:"amount"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func toResponse(p *Product) Response {
	return Response{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Amount:      p.Amount,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// ErrorMappings renders product errors; pass them to ihttp.NewErrorHandler.
var ErrorMappings = []ihttp.ErrorMapping{
	{Target: ErrProductNotFound, Status: fiber.StatusNotFound, Title: "product_not_found", ExposeMessage: true},
	{Target: ErrInvalidProduct, Status: fiber.StatusBadRequest, Title: "validation_failed", ExposeMessage: true},
}

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the product routes on r.
func (h *Handler) Register(r fiber.Router) {
	r.Post("/products", h.Create)
	r.Get("/products/:id", h.Get)
	r.Get("/products", h.List)
}

func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := ihttp.ParseBodyAndValidate(c, &req); err != nil {
		return err
	}

	p, err := h.service.CreateProduct(c.UserContext(), CreateInput{
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
	})
	if err != nil {
		return err
	}

	c.Location("/products/" + p.ID.String())

	return ihttp.Created(c, toResponse(p))
}

func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fmt.Errorf("%w: %w: 'id'", ihttp.ErrValidationFailed, ihttp.ErrFieldUUID)
	}

	p, err := h.service.GetProduct(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return fmt.Errorf("%w: %s", ErrProductNotFound, id)
		}

		return err
	}

	return ihttp.OK(c, toResponse(p))
}

func (h *Handler) List(c *fiber.Ctx) error {
	limit, offset, err := ihttp.ParsePagination(c)
	if err != nil {
		return err
	}

	products, err := h.service.ListProducts(c.UserContext(), limit, offset)
	if err != nil {
		return err
	}

	out := make([]Response, 0, len(products))
	for _, p := range products {
		out = append(out, toResponse(p))
	}

	return ihttp.OK(c, out)
}
