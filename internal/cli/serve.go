package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/spacesync/internal/auth"
	"github.com/a-essam23/spacesync/internal/engine"
	"github.com/a-essam23/spacesync/internal/server"
	"github.com/a-essam23/spacesync/pkg/config"
	"github.com/spf13/cobra"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			var revoked auth.RevocationList
			if cfg.Redis.URL != "" {
				rl, err := auth.NewRedisRevocationList(cfg.Redis.URL)
				if err != nil {
					return err
				}
				defer rl.Close()
				revoked = rl
				logger.Info("Token revocation list enabled")
			}

			registry := engine.New(logger)
			registry.RegisterCore()
			logger.Info("Command registry initialized.")
			if err := config.CompilePipelines(cfg, registry.GetModifierFunc); err != nil {
				return fmt.Errorf("compile command pipelines: %w", err)
			}

			app := server.NewApp(logger, ctx, cfg, registry, st, revoked)
			if err := app.Run(); err != nil {
				return fmt.Errorf("application run failed: %w", err)
			}
			logger.Info("Application shut down successfully.", slog.String("addr", cfg.Server.Address))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.address")
	return cmd
}
