// Package storage opens the configured persistence backend and hands out the
// ledger store and challenge repository that share it.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/techcoin/techcoin/internal/challenge"
	"github.com/techcoin/techcoin/internal/config"
	"github.com/techcoin/techcoin/internal/infra"
	"github.com/techcoin/techcoin/internal/ledger"
	"github.com/techcoin/techcoin/internal/migrations"
)

// Backend groups the stores built on one database.
type Backend struct {
	Driver     string
	Ledger     ledger.Store
	Challenges challenge.Repository

	pool *pgxpool.Pool
	db   *sql.DB
}

// Open connects to the backend selected by cfg.StoreDriver, applying
// migrations first when cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		if cfg.AutoMigrate {
			if err := migrations.Up(cfg.DatabaseURL); err != nil {
				return nil, err
			}
		}
		pool, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName)
		if err != nil {
			return nil, err
		}
		logger.Info("storage ready", slog.String("driver", cfg.StoreDriver))
		return &Backend{
			Driver:     cfg.StoreDriver,
			Ledger:     ledger.NewPostgresStore(pool),
			Challenges: challenge.NewPostgresRepository(pool),
			pool:       pool,
		}, nil

	case config.DriverSQLite:
		if cfg.AutoMigrate {
			if err := migrations.Up("sqlite://" + cfg.SQLitePath); err != nil {
				return nil, err
			}
		}
		db, err := infra.NewSQLiteDB(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("storage ready", slog.String("driver", cfg.StoreDriver), slog.String("path", cfg.SQLitePath))
		return &Backend{
			Driver:     cfg.StoreDriver,
			Ledger:     ledger.NewSQLiteStore(db),
			Challenges: challenge.NewSQLiteRepository(db),
			db:         db,
		}, nil

	case config.DriverMemory:
		logger.Warn("using in-memory storage; balances are lost on restart")
		return &Backend{
			Driver:     cfg.StoreDriver,
			Ledger:     ledger.NewInMemory(),
			Challenges: challenge.NewMemoryRepository(),
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// Ping checks the underlying database, if any.
func (b *Backend) Ping(ctx context.Context) error {
	switch {
	case b.pool != nil:
		return b.pool.Ping(ctx)
	case b.db != nil:
		return b.db.PingContext(ctx)
	}
	return nil
}

// Close releases the database handles.
func (b *Backend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}
