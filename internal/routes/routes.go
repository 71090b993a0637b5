package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/techcoin/techcoin/internal/auth"
	"github.com/techcoin/techcoin/internal/challenge"
	"github.com/techcoin/techcoin/internal/config"
	"github.com/techcoin/techcoin/internal/funding"
	"github.com/techcoin/techcoin/internal/ledger"
	"github.com/techcoin/techcoin/internal/metrics"
	"github.com/techcoin/techcoin/internal/middleware"
	"github.com/techcoin/techcoin/internal/notification"
	"github.com/techcoin/techcoin/internal/storage"
	"github.com/techcoin/techcoin/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	Storage  *storage.Backend
	Cache    *redis.Client
	Ledger   *ledger.Engine
	Escrow   *challenge.Escrow
	Gateway  funding.Gateway
	Notifier notification.Notifier
	Logger   *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Ledger == nil || d.Escrow == nil {
		return fmt.Errorf("ledger and escrow are required")
	}
	// Enforce Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDevelopment() && d.Cache == nil {
		return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Metrics())
	app.Use(middleware.Audit(d.Logger))
	if d.Cfg.IsDevelopment() {
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	walletSvc := wallet.NewService(d.Ledger, d.Notifier, d.Logger)
	fundingSvc := funding.NewService(d.Ledger, d.Gateway, d.Notifier, d.Logger)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	protected := api.Group("",
		middleware.JWTAuth(auth.NewVerifier(d.Cfg.JWTSecret)),
		middleware.RateLimit(d.Cache, d.Cfg.RateLimit),
	)
	if d.Cache != nil {
		protected.Use(middleware.Idempotency(d.Cache, middleware.IdempotencyConfig{TTL: d.Cfg.IdempotencyTTL}, d.Logger))
	}

	RegisterWalletRoutes(protected, wallet.NewHandler(walletSvc))
	RegisterFundingRoutes(protected, funding.NewHandler(fundingSvc))
	RegisterChallengeRoutes(protected, challenge.NewHandler(d.Escrow, d.Cfg.Operators))

	return nil
}
