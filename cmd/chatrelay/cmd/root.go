package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "A TCP chat relay with a persistent transcript",
	Long: `chatrelay runs a single-room chat server over raw TCP and a matching
line-mode client.

Clients send their username as the first line, then one chat line per
message. The server relays every message, as a JSON line, to every
connected client and keeps the full transcript in a JSON file that is
loaded at startup and saved at shutdown.

Use "chatrelay [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
