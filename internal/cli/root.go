// Package cli implements ledgerctl, the operator command line for the
// TechCoin ledger.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/techcoin/techcoin/internal/config"
	"github.com/techcoin/techcoin/internal/ledger"
	"github.com/techcoin/techcoin/internal/logging"
	"github.com/techcoin/techcoin/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operate the TechCoin ledger",
	Long: `ledgerctl runs schema migrations, audits wallets and inspects or adjusts
balances directly against the configured store. It reads the same
environment variables as the API server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// session is an open store plus the engine built on it.
type session struct {
	backend *storage.Backend
	engine  *ledger.Engine
	logger  *slog.Logger
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewText(os.Stderr, "warn")
	backend, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &session{backend: backend, engine: ledger.NewEngine(backend.Ledger, logger), logger: logger}, nil
}

func (s *session) Close() {
	s.backend.Close()
}
