package commands

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/pulse/workers"
	"github.com/teranos/tock/sym"
)

// WorkerCmd inspects registered workers
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: sym.Worker + " Inspect registered workers",
	Long: sym.Worker + ` worker — Inspect registered workers

Workers register on start, heartbeat with their live load and are marked
offline by the reaper when their heartbeat goes stale.

Examples:
  tock worker ls
  tock worker ls --status online`,
}

var (
	workerJSONOut bool
	workerStatus  string
)

var workerListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List workers",
	RunE:    runWorkerList,
}

func init() {
	WorkerCmd.PersistentFlags().BoolVar(&workerJSONOut, "json", false, "Output as JSON")
	workerListCmd.Flags().StringVarP(&workerStatus, "status", "s", "", "Filter by status")
	WorkerCmd.AddCommand(workerListCmd)
}

func runWorkerList(cmd *cobra.Command, args []string) error {
	var status *workers.Status
	if workerStatus != "" {
		if !workers.IsValidStatus(workerStatus) {
			return errors.NewInvalidRequestError("invalid worker status %q", workerStatus)
		}
		s := workers.Status(workerStatus)
		status = &s
	}

	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	list, err := svc.workers.List(ctx, status)
	if err != nil {
		return err
	}
	if workerJSONOut {
		if list == nil {
			list = []*workers.Worker{}
		}
		return printJSON(cmd.OutOrStdout(), list)
	}

	rows := make([][]string, 0, len(list))
	for _, w := range list {
		rows = append(rows, []string{
			w.ID,
			w.Name,
			string(w.Status),
			strconv.Itoa(w.CurrentJobs) + "/" + strconv.Itoa(w.MaxParallel),
			strings.Join(w.Capabilities, ","),
			time.Since(w.HeartbeatAt).Round(time.Second).String() + " ago",
		})
	}
	return renderTable(cmd.OutOrStdout(),
		[]string{"ID", "NAME", "STATUS", "LOAD", "CAPABILITIES", "HEARTBEAT"},
		rows, "No workers registered")
}
