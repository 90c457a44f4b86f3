package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/maintops/internal/refresh"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply reporting schema migrations",
	Long:  "Applies all pending SQL migrations to the destination database in lexicographic order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		ctx := cmd.Context()

		pool, err := destPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if migrateDryRun {
			pending, err := refresh.PendingMigrations(ctx, pool)
			if err != nil {
				return eris.Wrap(err, "migrate")
			}
			if len(pending) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending migrations")
			}
			for _, name := range pending {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		}

		if err := refresh.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("all migrations applied successfully")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "list pending migrations without applying them")
	rootCmd.AddCommand(migrateCmd)
}
