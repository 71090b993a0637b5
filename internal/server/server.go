package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/techcoin/techcoin/internal/challenge"
	"github.com/techcoin/techcoin/internal/config"
	"github.com/techcoin/techcoin/internal/funding"
	"github.com/techcoin/techcoin/internal/jobs"
	"github.com/techcoin/techcoin/internal/ledger"
	"github.com/techcoin/techcoin/internal/notification"
	"github.com/techcoin/techcoin/internal/payout"
	"github.com/techcoin/techcoin/internal/routes"
	"github.com/techcoin/techcoin/internal/storage"
)

// Server wraps the Fiber application, the background jobs and shared
// dependencies.
type Server struct {
	app       *fiber.App
	cfg       config.Config
	scheduler *jobs.Scheduler
	logger    *slog.Logger
}

// New builds the ledger engine and escrow on top of backend, schedules the
// maintenance jobs and delegates route wiring to routes.Setup.
func New(cfg config.Config, backend *storage.Backend, cache *redis.Client, notifier notification.Notifier, logger *slog.Logger) (*Server, error) {
	policy, err := payout.ParseLoserPolicy(cfg.LoserPolicy)
	if err != nil {
		return nil, err
	}

	engine := ledger.NewEngine(backend.Ledger, logger)
	escrow := challenge.NewEscrow(backend.Challenges, engine, notifier, logger, challenge.Options{LoserPolicy: policy})

	scheduler := jobs.NewScheduler(logger)
	if err := scheduler.Add("close_sweep", cfg.CloseSweep, jobs.CloseSweep(escrow, logger)); err != nil {
		return nil, err
	}
	if err := scheduler.Add("reconcile", cfg.ReconcileSpec, jobs.Reconcile(engine, logger)); err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	if err := routes.Setup(app, routes.Deps{
		Cfg:      cfg,
		Storage:  backend,
		Cache:    cache,
		Ledger:   engine,
		Escrow:   escrow,
		Gateway:  funding.StaticGateway{},
		Notifier: notifier,
		Logger:   logger,
	}); err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, scheduler: scheduler, logger: logger}, nil
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the background jobs and the HTTP server.
func (s *Server) Listen() error {
	s.scheduler.Start()
	return s.app.Listen(s.cfg.Address())
}

// Shutdown stops the jobs and gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	jobErr := s.scheduler.Stop(ctx)
	if jobErr != nil {
		s.logger.Warn("jobs did not stop in time", slog.Any("error", jobErr))
	}
	return errors.Join(s.app.ShutdownWithContext(ctx), jobErr)
}
