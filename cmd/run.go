package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"streamcheck/internal/config"
	"streamcheck/internal/orchestrator"
	"streamcheck/internal/reporting"
	"streamcheck/internal/scenario"
	"streamcheck/pkg/logging"
)

type runFlags struct {
	scenario   string
	configPath string

	messages    int
	infinite    bool
	minInterval time.Duration
	maxInterval time.Duration

	nativePublishers     int
	alternatePublishers  int
	nativeSubscribers    int
	alternateSubscribers int

	wsURL string

	verify     bool
	reportDir  string
	ledgerDump string
	output     string
	verbose    bool
	debug      bool
}

// completeScenarioFlag provides shell completion for the scenario flag
func completeScenarioFlag(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return scenario.Names(), cobra.ShellCompDirectiveNoFileComp
}

// completeOutputFlag provides shell completion for the output flag
func completeOutputFlag(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{"text", "json", "quiet"}, cobra.ShellCompDirectiveNoFileComp
}

func newRunCmd() *cobra.Command {
	cmd, _ := newRunCommand()
	return cmd
}

func newRunCommand() (*cobra.Command, *runFlags) {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a stream scenario and verify delivery",
		Long: `Run one scenario end to end against an embedded broker.

Publishers and subscribers are created for both client runtimes, subscribers
are attached (some of them late, with a historical resend), publishers send
their messages and every subscriber's receipts are checked against the
ledger of what was published.

Scenarios:
  stream-cleartext-unsigned
  stream-cleartext-signed
  stream-encrypted-shared-signed
  stream-encrypted-shared-rotating-signed
  stream-encrypted-exchanged-rotating-signed
  stream-encrypted-exchanged-rotating-revoking-signed

Example usage:
  streamcheck run -s stream-cleartext-signed
  streamcheck run -s stream-encrypted-shared-rotating-signed -n 60
  streamcheck run -s stream-cleartext-unsigned --infinite   # stop with Ctrl+C
  streamcheck run -s stream-cleartext-signed --output json --report ./reports
  streamcheck run -s stream-cleartext-signed --ws-url ws://broker:7070/ws \
    --native-publishers 0 --native-subscribers 0

The command exits non-zero when verification fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.scenario, "scenario", "s", "", "Scenario to run (see 'streamcheck scenarios')")
	flags.StringVar(&f.configPath, "config", "", "Configuration file (default: user and project configuration)")

	flags.IntVarP(&f.messages, "number-of-messages", "n", 0, "Messages per publisher")
	flags.BoolVarP(&f.infinite, "infinite", "i", false, "Publish until interrupted; skips verification")
	flags.DurationVar(&f.minInterval, "min-interval", 0, "Minimum interval between messages of one publisher")
	flags.DurationVar(&f.maxInterval, "max-interval", 0, "Maximum interval between messages of one publisher")

	flags.IntVar(&f.nativePublishers, "native-publishers", 0, "Publishers using the native client")
	flags.IntVar(&f.alternatePublishers, "alternate-publishers", 0, "Publishers using the alternate client")
	flags.IntVar(&f.nativeSubscribers, "native-subscribers", 0, "Subscribers using the native client")
	flags.IntVar(&f.alternateSubscribers, "alternate-subscribers", 0, "Subscribers using the alternate client")

	flags.StringVarP(&f.wsURL, "ws-url", "w", "", "External gateway to test instead of the embedded broker (alternate participants only)")

	flags.BoolVar(&f.verify, "verify", true, "Verify delivery after the run")
	flags.StringVar(&f.reportDir, "report", "", "Directory to save a detailed JSON report in")
	flags.StringVar(&f.ledgerDump, "ledger-dump", "", "SQLite file to dump the ledger to when verification fails")
	flags.StringVarP(&f.output, "output", "o", "text", "Output format: text, json or quiet")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "Show run details and every finding")
	flags.BoolVar(&f.debug, "debug", false, "Enable debug logging")

	_ = cmd.MarkFlagRequired("scenario")
	_ = cmd.RegisterFlagCompletionFunc("scenario", completeScenarioFlag)
	_ = cmd.RegisterFlagCompletionFunc("output", completeOutputFlag)
	cmd.MarkFlagsMutuallyExclusive("infinite", "number-of-messages")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		switch f.output {
		case "text", "json", "quiet":
		default:
			return fmt.Errorf("invalid output format %q, must be text, json or quiet", f.output)
		}
		if _, err := scenario.ParseKind(f.scenario); err != nil {
			return err
		}
		return nil
	}
	return cmd, f
}

func runRun(cmd *cobra.Command, f *runFlags) error {
	cfg, err := loadRunConfig(cmd, f)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return &config.ConfigurationError{Field: "logLevel", Reason: err.Error()}
	}
	if f.debug {
		level = logging.LevelDebug
	}
	logger := logging.InitForCLI(level, os.Stderr)

	// Create context with signal handling
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			if f.output == "text" {
				fmt.Fprintln(cmd.ErrOrStderr(), "\nReceived interrupt signal, stopping publishers...")
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	reporter := newReporter(cmd, f, cfg)
	res, err := orchestrator.RunScenario(ctx, f.scenario, cfg, orchestrator.Options{
		Logger:   logger,
		Reporter: reporter,
	})
	if err != nil {
		return err
	}

	if f.output != "text" && cfg.Run.ReportDir != "" {
		path, err := reporting.SaveResult(cfg.Run.ReportDir, res)
		if err != nil {
			logger.Error("CLI", err, "Failed to save detailed report")
		} else {
			logger.Info("CLI", "Detailed report saved to %s", path)
		}
	}

	if !res.Passed() {
		if res.Report != nil {
			return res.Report.Err()
		}
		return errors.New(res.Error)
	}
	return nil
}

// loadRunConfig loads the layered configuration and applies flags that were
// set explicitly.
func loadRunConfig(cmd *cobra.Command, f *runFlags) (config.Config, error) {
	var cfg config.Config
	var err error
	if f.configPath != "" {
		cfg, err = config.LoadConfigFile(f.configPath)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("number-of-messages") {
		cfg.Publish.MaxMessages = f.messages
	}
	if f.infinite {
		cfg.Publish.Unbounded = true
	}
	if flags.Changed("min-interval") {
		cfg.Publish.MinInterval = f.minInterval
	}
	if flags.Changed("max-interval") {
		cfg.Publish.MaxInterval = f.maxInterval
	}
	counts := []struct {
		flag string
		src  int
		dst  *int
	}{
		{"native-publishers", f.nativePublishers, &cfg.Participants.NativePublishers},
		{"alternate-publishers", f.alternatePublishers, &cfg.Participants.AlternatePublishers},
		{"native-subscribers", f.nativeSubscribers, &cfg.Participants.NativeSubscribers},
		{"alternate-subscribers", f.alternateSubscribers, &cfg.Participants.AlternateSubscribers},
	}
	for _, c := range counts {
		if flags.Changed(c.flag) {
			*c.dst = c.src
		}
	}
	if flags.Changed("ws-url") {
		cfg.Broker.ExternalURL = f.wsURL
	}
	if flags.Changed("verify") {
		cfg.Verify = f.verify
	}
	if flags.Changed("report") {
		cfg.Run.ReportDir = f.reportDir
	}
	if flags.Changed("ledger-dump") {
		cfg.Run.LedgerDump = f.ledgerDump
	}
	if f.debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func newReporter(cmd *cobra.Command, f *runFlags, cfg config.Config) reporting.Reporter {
	switch f.output {
	case "json":
		return reporting.NewJSONReporterTo(cmd.OutOrStdout())
	case "quiet":
		return reporting.NewQuietReporterTo(cmd.OutOrStdout())
	default:
		return reporting.NewConsoleReporterTo(cmd.OutOrStdout(), f.verbose || f.debug, cfg.Run.ReportDir)
	}
}
