package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	pgstore "github.com/ama66/datasync/internal/storage/postgres"
)

// newMigrateCmd groups the schema management subcommands. Migrations only
// make sense against the postgres backend.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manages the events database schema",
	}
	cmd.AddCommand(newMigrateUpCmd())
	cmd.AddCommand(newMigrateStatusCmd())
	cmd.AddCommand(newMigrateDownCmd())
	return cmd
}

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Applies all pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			migrator, err := resolveMigrator(cmd)
			if err != nil {
				return err
			}
			return migrator.Up(cmd.Context())
		},
	}
}

func newMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			migrator, err := resolveMigrator(cmd)
			if err != nil {
				return err
			}
			return migrator.Status(cmd.Context())
		},
	}
}

func newMigrateDownCmd() *cobra.Command {
	var toVersion int64
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Rolls back the most recent migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			migrator, err := resolveMigrator(cmd)
			if err != nil {
				return err
			}
			return migrator.Down(cmd.Context(), toVersion)
		},
	}
	cmd.Flags().Int64Var(&toVersion, "to", 0, "roll back to this migration version instead of one step")
	return cmd
}

func resolveMigrator(cmd *cobra.Command) (pgstore.Migrator, error) {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return pgstore.Migrator{}, err
	}
	cfg := appInstance.Config()
	if cfg.DB.Driver != "postgres" {
		return pgstore.Migrator{}, fmt.Errorf("migrations require db.driver postgres, got %q", cfg.DB.Driver)
	}
	return pgstore.NewMigrator(cfg.DB.DSN, appInstance.Logger().Named("migrate"))
}
