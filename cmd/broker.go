package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"streamcheck/internal/broker"
	"streamcheck/pkg/logging"
)

func newBrokerCmd() *cobra.Command {
	var (
		listen string
		jitter time.Duration
		debug  bool
	)

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Serve the reference broker over its WebSocket gateway",
		Long: `Serve the reference broker on a fixed address until interrupted.

Runs from other processes reach it with:
  streamcheck run -s <scenario> --ws-url ws://<listen>/ws \
    --native-publishers 0 --native-subscribers 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			logger := logging.InitForCLI(level, os.Stderr)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serveBroker(ctx, cmd, listen, jitter, logger)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:7070", "Address the gateway listens on")
	cmd.Flags().DurationVar(&jitter, "jitter", 0, "Maximum random delay added to each delivery")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func serveBroker(ctx context.Context, cmd *cobra.Command, listen string, jitter time.Duration, logger *logging.Logger) error {
	b := broker.New(broker.Options{Jitter: jitter, Logger: logger})
	g := broker.NewGateway(b, logger)
	url, err := g.Start(listen)
	if err != nil {
		_ = b.Close(context.Background())
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s\n", url)

	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Close(closeCtx); err != nil {
		logger.Warn("Broker", "Failed to close gateway: %v", err)
	}
	if err := b.Close(closeCtx); err != nil {
		return fmt.Errorf("failed to close broker: %w", err)
	}
	logger.Info("Broker", "Stopped")
	return nil
}
