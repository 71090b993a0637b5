package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/techcoin/techcoin/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/wallet/earn", h.Earn)
	r.Post("/wallet/spend", h.Spend)
	r.Get("/wallet/balance", h.Balance)
	r.Get("/wallet/transactions", h.Transactions)
}
