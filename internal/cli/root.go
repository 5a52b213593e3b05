// Package cli wires the spacesync command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/a-essam23/spacesync/internal/store"
	"github.com/a-essam23/spacesync/pkg/config"
	"github.com/a-essam23/spacesync/pkg/logging"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	// viper config name, looked up in the working directory
	ConfigName string
	Verbose    bool
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "spacesync",
		Short: "Real-time sync server for snippet spaces",
		Long: `spacesync keeps every open view of a snippet space in step.

Clients join a space over a websocket, relay snippet changes to each
other and persist them through the REST API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigName, "config", "c", "config", "config file name (without extension)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewRevokeCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// load reads the config and builds the process logger from it.
func (o *RootOptions) load() (*config.Config, *slog.Logger, error) {
	boot := o.logger("info", "text")
	cfg, err := config.Load(boot, o.ConfigName)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := o.logger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func (o *RootOptions) logger(level, format string) *slog.Logger {
	lvl := logging.ParseLevel(level)
	if o.Verbose {
		lvl = logging.LevelDebug
	}
	return logging.New(lvl, format)
}

// openStore returns the configured record store, migrating SQL databases
// when autoMigrate is set.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn("Using the in-memory record store; nothing survives a restart")
		return store.NewMemoryStore(), nil
	}
	db, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Store.AutoMigrate {
		if err := store.ApplyMigrations(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	logger.Info("Record store ready", slog.String("driver", cfg.Store.Driver))
	return store.NewSQLStore(db), nil
}
