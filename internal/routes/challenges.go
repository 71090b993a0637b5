package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/techcoin/techcoin/internal/challenge"
)

// RegisterChallengeRoutes wires challenge escrow endpoints.
func RegisterChallengeRoutes(r fiber.Router, h *challenge.Handler) {
	g := r.Group("/challenges")
	g.Post("/", h.Create)
	g.Get("/:id", h.Get)
	g.Post("/:id/join", h.Join)
	g.Post("/:id/submit", h.Submit)
	g.Post("/:id/votes", h.Vote)
	g.Post("/:id/scores", h.Score)
	g.Post("/:id/close", h.Close)
	g.Post("/:id/cancel", h.Cancel)
	g.Post("/:id/settle", h.Settle)
}
