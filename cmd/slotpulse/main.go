package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/slotpulse/cmd/slotpulse/commands"
	"github.com/teranos/slotpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "slotpulse",
	Short: "slotpulse - interview slot booking with reliable notifications",
	Long: `slotpulse - interview slot booking with reliable notifications.

Candidates reserve recruiter-offered slots, recruiters approve them, and
every state change is followed by exactly the notifications and 6h/3h/2h
reminders it implies, delivered with retries through a transactional outbox.

Available commands:
  am     - Manage configuration ("I am")
  db     - Manage the database
  slot   - Create, inspect and act on slots
  outbox - Inspect and repair notification delivery
  pulse  - Run the daemon (sweep, reminders, delivery, HTTP API)

Examples:
  slotpulse pulse start
  slotpulse slot apply s1 reserve --candidate cand-1
  slotpulse outbox dead`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		// The daemon logs lifecycle at info even without -v
		if cmd.Name() == "start" && verbosity < logger.VerbosityInfo {
			verbosity = logger.VerbosityInfo
		}
		if err := logger.InitializeWithLevel(logger.JSONFromEnv(), logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	commands.AddGlobalFlags(rootCmd)

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.SlotCmd)
	rootCmd.AddCommand(commands.OutboxCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
