package commands

import (
	"context"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/sym"
)

// RunCmd inspects runs
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: sym.Pulse + " Inspect runs",
	Long: sym.Pulse + ` run — Inspect runs

Every schedule firing and every enqueued job execution is a run. Failed
attempts are retried as new runs; runs that exhaust their attempts are dead
and runs that wait past their SLA are missed. Both stay queryable.

Examples:
  tock run ls                         # Most recent runs
  tock run ls --status dead           # Runs that exhausted their retries
  tock run ls --schedule <id>         # Runs of one schedule
  tock run show <id>`,
}

var (
	runJSONOut    bool
	runTenant     string
	runStatus     string
	runScheduleID string
	runJobID      string
	runWorkerID   string
	runLimit      int
	runOffset     int
)

var runListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List runs, newest first",
	RunE:    runRunList,
}

var runShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunShow,
}

func init() {
	RunCmd.PersistentFlags().BoolVar(&runJSONOut, "json", false, "Output as JSON")

	f := runListCmd.Flags()
	f.StringVarP(&runTenant, "tenant", "t", "", "Filter by tenant")
	f.StringVarP(&runStatus, "status", "s", "", "Filter by status (pending, running, succeeded, failed, missed, dead)")
	f.StringVar(&runScheduleID, "schedule", "", "Filter by schedule ID")
	f.StringVar(&runJobID, "job", "", "Filter by job ID")
	f.StringVar(&runWorkerID, "worker", "", "Filter by worker ID")
	f.IntVarP(&runLimit, "limit", "n", 50, "Maximum runs to show")
	f.IntVar(&runOffset, "offset", 0, "Runs to skip")

	RunCmd.AddCommand(runListCmd)
	RunCmd.AddCommand(runShowCmd)
}

func runRunList(cmd *cobra.Command, args []string) error {
	if runStatus != "" && !async.IsValidStatus(runStatus) {
		return errors.NewInvalidRequestError("invalid status %q", runStatus)
	}

	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	runs, total, err := svc.tracker.List(ctx, async.RunFilter{
		TenantID:   runTenant,
		Status:     async.RunStatus(runStatus),
		ScheduleID: runScheduleID,
		JobID:      runJobID,
		WorkerID:   runWorkerID,
		Limit:      runLimit,
		Offset:     runOffset,
	})
	if err != nil {
		return err
	}
	if runJSONOut {
		if runs == nil {
			runs = []*async.Run{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{"data": runs, "total": total})
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		source := "-"
		if r.ScheduleID != nil {
			source = "schedule " + *r.ScheduleID
		} else if r.JobKey != "" {
			source = "job " + r.JobKey
		}
		rows = append(rows, []string{
			r.ID,
			r.TenantID,
			source,
			colorStatus(r.Status),
			strconv.Itoa(r.Attempt),
			formatTime(&r.ScheduledAt),
			formatTime(r.FinishedAt),
			truncate(r.Error, 48),
		})
	}
	if err := renderTable(cmd.OutOrStdout(),
		[]string{"ID", "TENANT", "SOURCE", "STATUS", "ATTEMPT", "SCHEDULED", "FINISHED", "ERROR"},
		rows, "No runs"); err != nil {
		return err
	}
	if total > len(runs) {
		pterm.Info.Printf("Showing %d of %d runs\n", len(runs), total)
	}
	return nil
}

func runRunShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	r, err := svc.tracker.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if runJSONOut {
		return printJSON(cmd.OutOrStdout(), r)
	}

	rows := [][]string{
		{"ID", r.ID},
		{"Tenant", r.TenantID},
		{"Schedule", orDash(deref(r.ScheduleID))},
		{"Job", orDash(r.JobKey)},
		{"Queue", r.Queue},
		{"Priority", strconv.Itoa(r.Priority)},
		{"Status", colorStatus(r.Status)},
		{"Attempt", strconv.Itoa(r.Attempt)},
		{"Correlation", r.CorrelationID},
		{"Dedupe key", orDash(deref(r.DedupeKey))},
		{"Scheduled", formatTime(&r.ScheduledAt)},
		{"Started", formatTime(r.StartedAt)},
		{"Finished", formatTime(r.FinishedAt)},
		{"Latency", formatMS(r.LatencyMS)},
		{"Duration", formatMS(r.DurationMS)},
		{"Worker", orDash(deref(r.WorkerID))},
		{"Lease expires", formatTime(r.LeaseExpiresAt)},
		{"Error", orDash(r.Error)},
		{"Payload", orDash(string(r.Payload))},
	}
	return pterm.DefaultTable.WithWriter(cmd.OutOrStdout()).WithData(rows).Render()
}

func colorStatus(s async.RunStatus) string {
	switch s {
	case async.RunSucceeded:
		return pterm.Green(string(s))
	case async.RunFailed, async.RunDead:
		return pterm.Red(string(s))
	case async.RunMissed:
		return pterm.Yellow(string(s))
	default:
		return string(s)
	}
}

func formatMS(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10) + "ms"
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
