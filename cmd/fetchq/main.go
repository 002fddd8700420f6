package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/fetchq/cmd/fetchq/commands"
	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/logger"
)

var rootCmd = &cobra.Command{
	Use:   "fetchq",
	Short: "fetchq - resumable downloads with network policies",
	Long: `fetchq - resumable, network-aware download jobs.

Transfers are recorded in a local SQLite database, survive restarts, pause
while only disallowed networks are available and resume with HTTP ranges.

Available commands:
  get     - Download a URI and follow its progress
  status  - Show recorded transfers
  cancel  - Cancel a transfer on a running server
  purge   - Delete the record of a finished transfer
  serve   - Run the coordinator with its HTTP API and event stream
  am      - Manage fetchq configuration ("I am")
  version - Show build information

Examples:
  fetchq get https://example.com/file.iso               # Download into the working directory
  fetchq get --networks wifi --dir downloads URI f.iso  # Wi-Fi only, into the downloads directory
  fetchq status                                         # List transfers
  fetchq serve                                          # Start the API on server.addr`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON instead of console text")
	rootCmd.PersistentFlags().String("db-path", "", "Custom database path (overrides config)")

	rootCmd.AddCommand(commands.GetCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.PurgeCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(1)
	}
}
