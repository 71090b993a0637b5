package funding

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/techcoin/techcoin/internal/middleware"
	"github.com/techcoin/techcoin/internal/wallet"
)

// Handler exposes HTTP endpoints for coin purchases.
type Handler struct {
	service *Service
}

// NewHandler constructs a funding handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Buy processes a coin purchase for the authenticated user.
func (h *Handler) Buy(c *fiber.Ctx) error {
	ownerID := middleware.UserID(c)
	if ownerID == "" {
		return fiber.NewError(http.StatusUnauthorized, "missing user")
	}
	var req BuyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	result, err := h.service.Buy(c.UserContext(), BuyInput{
		OwnerID:        ownerID,
		Amount:         req.Amount,
		PaymentMethod:  req.PaymentMethod,
		CardNumber:     req.CardNumber,
		IdempotencyKey: middleware.IdempotencyKey(c),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedPaymentMethod), errors.Is(err, ErrInvalidCard):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrPaymentDeclined):
			return fiber.NewError(http.StatusPaymentRequired, err.Error())
		default:
			return wallet.LedgerError(err)
		}
	}

	return c.Status(wallet.PostingStatus(result.Transaction)).JSON(BuyResponse{
		Transaction:      wallet.NewTransactionResponse(result.Transaction),
		Status:           result.Status,
		GatewayReference: result.GatewayReference,
	})
}
