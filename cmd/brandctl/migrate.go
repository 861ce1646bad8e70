package main

import (
	"errors"
	"fmt"

	"brandpool/internal/config"
	"brandpool/internal/store/postgres"

	"github.com/spf13/cobra"
)

var errSQLiteMigrations = errors.New("sqlite applies its schema on open; migrations apply to STORE_DRIVER=postgres only")

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration commands",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd, postgres.MigrateUp)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd, postgres.MigrateDown)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StoreDriver != config.StoreDriverPostgres {
			return errSQLiteMigrations
		}
		version, dirty, err := postgres.Version(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

func runMigrate(cmd *cobra.Command, direction string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return errSQLiteMigrations
	}
	if err := postgres.Migrate(cfg.DatabaseURL, direction); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", direction)
	return nil
}
