package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/techcoin/techcoin/internal/auth"
	"github.com/techcoin/techcoin/internal/challenge"
	"github.com/techcoin/techcoin/internal/config"
	"github.com/techcoin/techcoin/internal/jobs"
)

func init() {
	rootCmd.AddCommand(closeExpiredCmd)
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}

var closeExpiredCmd = &cobra.Command{
	Use:   "close-expired",
	Short: "Close every open challenge whose entry window has ended",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		escrow := challenge.NewEscrow(s.backend.Challenges, s.engine, nil, s.logger, challenge.Options{})
		return jobs.CloseSweep(escrow, s.logger)(cmd.Context())
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token OWNER_ID",
	Short: "Issue a bearer token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if !cfg.IsDevelopment() {
			return fmt.Errorf("tokens can only be issued in development")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := auth.Issue(cfg.JWTSecret, args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
