package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/cmd/tock/commands"
	"github.com/teranos/tock/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tock",
	Short: "tock - multi-tenant scheduler with durable runs",
	Long: `tock - time-based job scheduler.

tock stores schedules (cron, RRULE, fixed delay, one-shot) and fires them
against targets: an event bus, an HTTP endpoint or a work queue. Every
firing is tracked as a run with retries, backoff and worker leases.

Available commands:
  am       - Manage tock configuration ("I am")
  pulse    - Run the scheduler daemon (ticker + worker pool + reaper)
  server   - Serve the admin API
  schedule - Manage schedules
  job      - Manage job policies
  run      - Inspect runs
  worker   - Inspect registered workers
  calendar - Manage business calendars
  db       - Manage the tock database

Examples:
  tock am show                                    # Show current configuration
  tock schedule add nightly --cron "0 2 * * *" --http https://example.com/hook
  tock pulse start                                # Start the scheduler daemon
  tock run ls --status dead                       # List exhausted runs`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := am.LoadDotEnv(); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}

		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.CalendarCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
