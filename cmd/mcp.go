package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"streamcheck/internal/agent"
	"streamcheck/internal/config"
	"streamcheck/pkg/logging"
)

func newMCPCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve scenario runs as MCP tools over stdio",
		Long: `Run an MCP server on stdin/stdout exposing the tools:

  list_scenarios    List the available scenarios
  run_scenario      Run a scenario and return its verification report
  get_last_result   Return the report of the most recent run

Configure it in your AI assistant's MCP settings with the command
"streamcheck mcp". Logs are written to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Config
			var err error
			if configPath != "" {
				cfg, err = config.LoadConfigFile(configPath)
			} else {
				cfg, err = config.LoadConfig()
			}
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			// stdout carries the protocol
			logger := logging.InitForCLI(level, os.Stderr)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			server := agent.NewServer(cfg, logger, rootCmd.Version)
			if err := server.Start(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("MCP server error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Configuration file the runs start from")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging to stderr")
	return cmd
}
