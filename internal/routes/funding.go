package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/techcoin/techcoin/internal/funding"
)

// RegisterFundingRoutes wires coin purchase endpoints.
func RegisterFundingRoutes(r fiber.Router, h *funding.Handler) {
	r.Post("/wallet/buy", h.Buy)
}
