package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "streamcheck",
	Short: "End-to-end correctness checks for pub/sub streams",
	Long: `streamcheck runs publishers and subscribers of two client runtimes
against a stream, optionally signing, encrypting, rotating and revoking
group keys, and then verifies that every subscriber received exactly the
messages it should have.

By default each run starts its own embedded broker. Use 'streamcheck broker'
to serve one on a fixed address and 'streamcheck run --ws-url' to test it,
or any other deployment speaking the same gateway protocol.`,
	// a failed verification is reported by the run itself
	SilenceUsage: true,
}

// SetVersion records the build version shown by --version and 'version'.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the command line and exits 1 on any error, including a failed
// verification.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "streamcheck version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newScenariosCmd())
	rootCmd.AddCommand(newBrokerCmd())
	rootCmd.AddCommand(newMCPCmd())
	rootCmd.AddCommand(newVersionCmd())
}
