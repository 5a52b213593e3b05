package cli

import (
	"fmt"
	"time"

	"github.com/a-essam23/spacesync/internal/auth"
	"github.com/spf13/cobra"
)

func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		userID string
		name   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := rootOpts.load()
			if err != nil {
				return err
			}
			if name == "" {
				name = userID
			}
			tok, err := auth.IssueToken(cfg.Server.Auth.JWTSecret, userID, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func NewRevokeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token>",
		Short: "Withdraw a session token before it expires",
		Long:  "Revoke records the token id in the Redis revocation list named by redis.url.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			if cfg.Redis.URL == "" {
				return fmt.Errorf("redis.url is not configured")
			}
			identity, err := auth.NewVerifier(logger, cfg.Server.Auth.JWTSecret, nil).Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if identity.TokenID == "" {
				return fmt.Errorf("token has no id and cannot be revoked")
			}

			rl, err := auth.NewRedisRevocationList(cfg.Redis.URL)
			if err != nil {
				return err
			}
			defer rl.Close()
			if err := rl.Revoke(cmd.Context(), identity.TokenID, identity.ExpiresAt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s for user %s\n", identity.TokenID, identity.UserID)
			return nil
		},
	}
}
