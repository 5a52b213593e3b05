package cli

import (
	"errors"
	"log/slog"

	"github.com/a-essam23/spacesync/internal/store"
	"github.com/spf13/cobra"
)

func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			if cfg.Store.Driver == "memory" {
				return errors.New("the memory store has no schema to migrate")
			}
			db, err := store.Open(cmd.Context(), cfg.Store.Driver, cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.ApplyMigrations(cmd.Context(), db); err != nil {
				return err
			}
			logger.Info("Migrations applied", slog.String("driver", cfg.Store.Driver))
			return nil
		},
	}
}
