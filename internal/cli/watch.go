package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a-essam23/spacesync/pkg/client"
	"github.com/a-essam23/spacesync/pkg/logging"
	"github.com/a-essam23/spacesync/pkg/protocol"
	"github.com/spf13/cobra"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	URL     string
	SpaceID string
	Token   string
	UserID  string

	Heartbeat time.Duration
}

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a space and log every change",
		Long: `Watch joins a space as a read-only client and prints events as they
arrive. It reconnects with backoff after network failures.

Example:
  spacesync watch --url http://localhost:8080 --space demo --token $TOKEN`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "http://localhost:8080", "server base url")
	cmd.Flags().StringVar(&opts.SpaceID, "space", "", "space id (required)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "session token (required)")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "own user id, used to skip echoes")
	cmd.Flags().DurationVar(&opts.Heartbeat, "heartbeat", 25*time.Second, "application ping interval")
	_ = cmd.MarkFlagRequired("space")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions) error {
	lvl := logging.LevelInfo
	if opts.Verbose {
		lvl = logging.LevelDebug
	}
	logger := logging.New(lvl, "text")

	engine, err := client.NewEngine(client.Options{
		URL:     client.SpaceURL(opts.URL, opts.SpaceID),
		SpaceID: opts.SpaceID,
		UserID:  opts.UserID,
		Token:   client.StaticToken(opts.Token),
		Logger:  logger,

		HeartbeatInterval: opts.Heartbeat,
		OnEvent: func(env protocol.Envelope) {
			logger.Info("Event",
				slog.String("type", string(env.Type)),
				slog.String("userID", env.UserID),
				slog.String("payload", string(env.Payload)),
			)
		},
		OnStatus: func(s client.Status) {
			attrs := []any{slog.String("state", string(s.State))}
			if s.Backoff > 0 {
				attrs = append(attrs, slog.Duration("backoff", s.Backoff), slog.Int("attempt", s.Attempt))
			}
			if s.LastError != nil {
				attrs = append(attrs, slog.Any("error", s.LastError))
			}
			logger.Info("Status", attrs...)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.Start()
	<-ctx.Done()
	engine.Stop()
	return nil
}
