package commands

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/sym"
)

// JobCmd manages job policies
var JobCmd = &cobra.Command{
	Use:   "job",
	Short: sym.Worker + " Manage job policies",
	Long: sym.Worker + ` job — Manage job policies

A job is a reusable execution policy: queue, priority, retries with
backoff, timeout, concurrency limit and SLA. Schedules reference a job with
'tock schedule add --job <key>'; ad-hoc runs are enqueued with 'tock job run'.

Examples:
  tock job add billing.invoice --queue billing --max-attempts 3 --backoff exponential --backoff-base 10
  tock job ls
  tock job run billing.invoice --payload '{"customer":"c_42"}' --dedupe inv-c_42`,
}

var (
	jobTenant  string
	jobJSONOut bool
	jobSpec    async.Job
	jobMaxSec  int64
	jobLimit   int
	jobSLASec  int64
	jobBackoff string

	jobRunPayload  string
	jobRunDedupe   string
	jobRunPriority int
)

var jobAddCmd = &cobra.Command{
	Use:   "add <key>",
	Short: "Create a job policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobAdd,
}

var jobListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List job policies",
	RunE:    runJobList,
}

var jobRunCmd = &cobra.Command{
	Use:   "run <key>",
	Short: "Enqueue an ad-hoc run of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobEnqueue,
}

func init() {
	JobCmd.PersistentFlags().StringVarP(&jobTenant, "tenant", "t", defaultTenant, "Tenant ID")
	JobCmd.PersistentFlags().BoolVar(&jobJSONOut, "json", false, "Output as JSON")

	f := jobAddCmd.Flags()
	f.StringVar(&jobSpec.Queue, "queue", async.DefaultQueue, "Queue the job's runs are placed on")
	f.IntVar(&jobSpec.Priority, "priority", async.DefaultPriority, "Priority 1 (most urgent) to 9")
	f.IntVar(&jobSpec.MaxAttempts, "max-attempts", 1, "Attempts before a run is dead")
	f.StringVar(&jobBackoff, "backoff", string(async.BackoffFixed), "Backoff strategy: fixed or exponential")
	f.Int64Var(&jobSpec.BackoffBaseSec, "backoff-base", 0, "Backoff base in seconds")
	f.Int64Var(&jobMaxSec, "backoff-max", 0, "Backoff cap in seconds (exponential only)")
	f.Int64Var(&jobSpec.TimeoutSec, "timeout", 300, "Per-attempt timeout in seconds")
	f.IntVar(&jobLimit, "concurrency", 0, "Maximum concurrent running runs (0 = unlimited)")
	f.Int64Var(&jobSLASec, "sla", 0, "Seconds a pending run may wait before it is missed (0 = none)")

	jobRunCmd.Flags().StringVar(&jobRunPayload, "payload", "", "JSON payload")
	jobRunCmd.Flags().StringVar(&jobRunDedupe, "dedupe", "", "Dedupe key; a live run holding it is returned instead")
	jobRunCmd.Flags().IntVar(&jobRunPriority, "priority", 0, "Override the job's priority")

	JobCmd.AddCommand(jobAddCmd)
	JobCmd.AddCommand(jobListCmd)
	JobCmd.AddCommand(jobRunCmd)
}

func runJobAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	job := jobSpec
	job.TenantID = jobTenant
	job.Key = args[0]
	job.Enabled = true
	job.BackoffStrategy = async.BackoffStrategy(jobBackoff)
	if cmd.Flags().Changed("backoff-max") {
		job.BackoffMaxSec = &jobMaxSec
	}
	if jobLimit > 0 {
		job.ConcurrencyLimit = &jobLimit
	}
	if jobSLASec > 0 {
		job.SLASec = &jobSLASec
	}

	if err := svc.tracker.Jobs().Create(ctx, &job); err != nil {
		for _, d := range errors.GetAllDetails(err) {
			pterm.Error.Println(d)
		}
		return err
	}
	if jobJSONOut {
		return printJSON(cmd.OutOrStdout(), job)
	}
	pterm.Success.Printf("Created job %s (%s)\n", job.Key, job.ID)
	return nil
}

func runJobList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	jobs, err := svc.tracker.Jobs().List(ctx, jobTenant)
	if err != nil {
		return err
	}
	if jobJSONOut {
		if jobs == nil {
			jobs = []*async.Job{}
		}
		return printJSON(cmd.OutOrStdout(), jobs)
	}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		backoff := string(j.BackoffStrategy) + " " + strconv.FormatInt(j.BackoffBaseSec, 10) + "s"
		limit := "-"
		if j.ConcurrencyLimit != nil {
			limit = strconv.Itoa(*j.ConcurrencyLimit)
		}
		rows = append(rows, []string{
			j.Key,
			j.Queue,
			strconv.Itoa(j.Priority),
			strconv.Itoa(j.MaxAttempts),
			backoff,
			strconv.FormatInt(j.TimeoutSec, 10) + "s",
			limit,
			strconv.FormatBool(j.Enabled),
		})
	}
	return renderTable(cmd.OutOrStdout(),
		[]string{"KEY", "QUEUE", "PRIORITY", "ATTEMPTS", "BACKOFF", "TIMEOUT", "LIMIT", "ENABLED"},
		rows, "No jobs")
}

func runJobEnqueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	if jobRunPayload != "" && !json.Valid([]byte(jobRunPayload)) {
		return errors.NewInvalidRequestError("--payload must be valid JSON")
	}

	job, err := svc.tracker.Jobs().GetByKey(ctx, jobTenant, args[0])
	if err != nil {
		return err
	}

	req := async.EnqueueRequest{
		TenantID:  jobTenant,
		JobID:     job.ID,
		Priority:  jobRunPriority,
		DedupeKey: jobRunDedupe,
	}
	if jobRunPayload != "" {
		req.Payload = json.RawMessage(jobRunPayload)
	}

	run, err := svc.tracker.Enqueue(ctx, req)
	duplicate := errors.Is(err, errors.ErrDuplicateDedupe)
	if err != nil && !duplicate {
		return err
	}
	if jobJSONOut {
		return printJSON(cmd.OutOrStdout(), run)
	}
	if duplicate {
		pterm.Info.Printf("Run %s already holds dedupe key %s (%s)\n", run.ID, jobRunDedupe, run.Status)
		return nil
	}
	pterm.Success.Printf("Enqueued run %s on queue %s\n", run.ID, run.Queue)
	return nil
}
