package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nangohq/nango/pkg/config"
	"github.com/nangohq/nango/pkg/logger"
	"github.com/nangohq/nango/pkg/storage/sqlite"
)

// newMigrateCmd creates the migrate command.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply all pending schema migrations to the broker database and exit.

The serve command migrates on startup as well; this command exists for
deployments that run migrations as a separate step.`,
		Args: noArgs,
		RunE: runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", cfg.DBPath, err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warnw("failed to close database", "error", closeErr)
		}
	}()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	logger.Infow("migrations applied", "db_path", cfg.DBPath)
	return nil
}
