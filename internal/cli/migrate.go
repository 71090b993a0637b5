package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/techcoin/techcoin/internal/config"
	"github.com/techcoin/techcoin/internal/migrations"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)

	migrateDownCmd.Flags().Bool("yes", false, "Confirm dropping every table")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := migrationURL()
		if err != nil {
			return err
		}
		if err := migrations.Up(url); err != nil {
			return err
		}
		return printVersion(cmd, url)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert every migration (destroys all ledger data)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to drop the schema without --yes")
		}
		url, err := migrationURL()
		if err != nil {
			return err
		}
		if err := migrations.Down(url); err != nil {
			return err
		}
		return printVersion(cmd, url)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := migrationURL()
		if err != nil {
			return err
		}
		return printVersion(cmd, url)
	},
}

func migrationURL() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return cfg.DatabaseURL, nil
	case config.DriverSQLite:
		return "sqlite://" + cfg.SQLitePath, nil
	}
	return "", fmt.Errorf("store driver %q has no schema", cfg.StoreDriver)
}

func printVersion(cmd *cobra.Command, url string) error {
	v, dirty, err := migrations.Version(url)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
	return nil
}
