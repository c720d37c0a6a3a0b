package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/internal/tzname"
	"github.com/teranos/tock/internal/util"
	"github.com/teranos/tock/pulse/schedule"
	"github.com/teranos/tock/pulse/target"
	"github.com/teranos/tock/pulse/trigger"
	"github.com/teranos/tock/sym"
)

// ScheduleCmd manages schedules
var ScheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"sched"},
	Short:   sym.Pulse + " Manage schedules",
	Long: sym.Pulse + ` schedule — Manage schedules

A schedule binds one trigger (--cron, --rrule, --every or --at) to one
target (--event, --http or --queue). Times are computed in the schedule's
timezone; --tz accepts IANA names, abbreviations and well-known cities.

Examples:
  tock schedule add nightly --cron "0 2 * * *" --tz Europe/Amsterdam --http https://example.com/hook
  tock schedule add sync --every 15m --queue inventory.sync --payload '{"full":false}'
  tock schedule add close --rrule "FREQ=MONTHLY;BYMONTHDAY=-1" --event ledger.close --calendar us-federal
  tock schedule validate --cron "0 9 * * 1-5" --tz NYC --http https://x --preview 5
  tock schedule ls --enabled
  tock schedule disable <id>`,
}

// scheduleFlags holds the trigger and target flags shared by add and validate
type scheduleFlags struct {
	cron     string
	rrule    string
	every    string
	at       string
	tz       string
	event    string
	http     string
	method   string
	headers  []string
	queue    string
	payload  string
	calendar string
	job      string
	disabled bool
}

var (
	scheduleTenant  string
	scheduleJSONOut bool
	addFlags        scheduleFlags
	validateFlags   scheduleFlags
	validatePreview int

	schedListEnabled  bool
	schedListDisabled bool
	schedListName     string
	schedListPage     int
	schedListPageSize int
)

var scheduleAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleAdd,
}

var scheduleListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List schedules",
	RunE:    runScheduleList,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleShow,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a schedule (starts a fresh cadence from now)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScheduleSetEnabled(cmd, args[0], true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScheduleSetEnabled(cmd, args[0], false)
	},
}

var scheduleValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a schedule definition and preview its next fire times",
	RunE:  runScheduleValidate,
}

var scheduleRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a schedule",
	Args:    cobra.ExactArgs(1),
	RunE:    runScheduleRemove,
}

func init() {
	ScheduleCmd.PersistentFlags().StringVarP(&scheduleTenant, "tenant", "t", defaultTenant, "Tenant ID")
	ScheduleCmd.PersistentFlags().BoolVar(&scheduleJSONOut, "json", false, "Output as JSON")

	bindScheduleFlags(scheduleAddCmd, &addFlags)
	scheduleAddCmd.Flags().StringVar(&addFlags.job, "job", "", "Job key whose retry policy runs of this schedule use")
	scheduleAddCmd.Flags().BoolVar(&addFlags.disabled, "disabled", false, "Create the schedule disabled")

	bindScheduleFlags(scheduleValidateCmd, &validateFlags)
	scheduleValidateCmd.Flags().IntVar(&validatePreview, "preview", 5, "Number of upcoming fire times to show")

	scheduleListCmd.Flags().BoolVar(&schedListEnabled, "enabled", false, "Only enabled schedules")
	scheduleListCmd.Flags().BoolVar(&schedListDisabled, "disabled", false, "Only disabled schedules")
	scheduleListCmd.Flags().StringVar(&schedListName, "name", "", "Filter by name substring")
	scheduleListCmd.Flags().IntVar(&schedListPage, "page", 1, "Page number")
	scheduleListCmd.Flags().IntVar(&schedListPageSize, "page-size", schedule.DefaultPageSize, "Schedules per page")

	ScheduleCmd.AddCommand(scheduleAddCmd)
	ScheduleCmd.AddCommand(scheduleListCmd)
	ScheduleCmd.AddCommand(scheduleShowCmd)
	ScheduleCmd.AddCommand(scheduleEnableCmd)
	ScheduleCmd.AddCommand(scheduleDisableCmd)
	ScheduleCmd.AddCommand(scheduleValidateCmd)
	ScheduleCmd.AddCommand(scheduleRemoveCmd)
}

func bindScheduleFlags(cmd *cobra.Command, f *scheduleFlags) {
	cmd.Flags().StringVar(&f.cron, "cron", "", "Cron expression (5 fields, optional seconds, or @daily)")
	cmd.Flags().StringVar(&f.rrule, "rrule", "", "RFC 5545 recurrence rule")
	cmd.Flags().StringVar(&f.every, "every", "", "Fixed delay between firings (e.g. 90s, 15m, 1h)")
	cmd.Flags().StringVar(&f.at, "at", "", "One-shot fire time (RFC 3339)")
	cmd.Flags().StringVar(&f.tz, "tz", "", "Timezone (default pulse.default_timezone)")
	cmd.Flags().StringVar(&f.event, "event", "", "Publish an event on this topic")
	cmd.Flags().StringVar(&f.http, "http", "", "Call this URL")
	cmd.Flags().StringVar(&f.method, "method", "", "HTTP method (default POST)")
	cmd.Flags().StringArrayVar(&f.headers, "header", nil, "HTTP header as Name=Value (repeatable)")
	cmd.Flags().StringVar(&f.queue, "queue", "", "Push a message onto this queue")
	cmd.Flags().StringVar(&f.payload, "payload", "", "JSON payload delivered with every firing")
	cmd.Flags().StringVar(&f.calendar, "calendar", "", "Shift firings to business days of this calendar")
}

// build turns flags into an unsaved schedule. Structural checks beyond
// "exactly one trigger and one target" are left to schedule validation so
// every problem is reported together.
func (f scheduleFlags) build(name, defaultTZ string) (*schedule.Schedule, error) {
	sc := &schedule.Schedule{Name: name, Enabled: !f.disabled}

	tz := f.tz
	if tz == "" {
		tz = defaultTZ
	}
	if tz != "" {
		normalized, err := tzname.Normalize(tz)
		if err != nil {
			return nil, errors.WithHint(err, "use an IANA name such as Europe/Amsterdam")
		}
		sc.Timezone = normalized
	}

	trig, err := f.trigger()
	if err != nil {
		return nil, err
	}
	sc.Trigger = trig

	tgt, err := f.target()
	if err != nil {
		return nil, err
	}
	sc.Target = tgt

	if f.payload != "" {
		sc.Payload = json.RawMessage(f.payload)
	}
	if f.calendar != "" {
		sc.Calendar = &schedule.CalendarRef{Key: f.calendar}
	}
	return sc, nil
}

func (f scheduleFlags) trigger() (trigger.Trigger, error) {
	var out []trigger.Trigger
	if f.cron != "" {
		out = append(out, trigger.Cron{Expression: f.cron})
	}
	if f.rrule != "" {
		out = append(out, trigger.RecurrenceRule{Rule: f.rrule})
	}
	if f.every != "" {
		d, err := parseEvery(f.every)
		if err != nil {
			return nil, err
		}
		out = append(out, trigger.FixedDelay{Seconds: int64(d / time.Second)})
	}
	if f.at != "" {
		at, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid --at %q (want RFC 3339, e.g. 2026-03-09T14:30:00Z)", f.at)
		}
		out = append(out, trigger.OneShot{StartAt: at})
	}
	if len(out) != 1 {
		return nil, errors.NewInvalidRequestError("exactly one of --cron, --rrule, --every or --at is required")
	}
	return out[0], nil
}

func (f scheduleFlags) target() (target.Target, error) {
	var out []target.Target
	if f.event != "" {
		out = append(out, target.Event{Topic: f.event})
	}
	if f.http != "" {
		headers, err := parseHeaders(f.headers)
		if err != nil {
			return nil, err
		}
		out = append(out, target.HTTP{URL: f.http, Method: f.method, Headers: headers})
	}
	if f.queue != "" {
		out = append(out, target.Queue{Topic: f.queue})
	}
	if len(out) != 1 {
		return nil, errors.NewInvalidRequestError("exactly one of --event, --http or --queue is required")
	}
	return out[0], nil
}

// parseEvery accepts a Go duration or a bare number of seconds.
func parseEvery(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.NewInvalidRequestError("invalid --every %q (e.g. 90s, 15m, 1h)", s)
	}
	if d%time.Second != 0 {
		return 0, errors.NewInvalidRequestError("--every %q must be a whole number of seconds", s)
	}
	return d, nil
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errors.NewInvalidRequestError("invalid --header %q (want Name=Value)", h)
		}
		headers[strings.TrimSpace(name)] = value
	}
	return headers, nil
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	sc, err := addFlags.build(args[0], svc.cfg.Pulse.DefaultTimezone)
	if err != nil {
		return err
	}
	if addFlags.job != "" {
		job, err := svc.tracker.Jobs().GetByKey(ctx, scheduleTenant, addFlags.job)
		if err != nil {
			return errors.Wrapf(err, "job %s", addFlags.job)
		}
		sc.JobID = &job.ID
	}

	created, err := svc.schedules.CreateSchedule(ctx, scheduleTenant, sc)
	if err != nil {
		return describeValidation(err)
	}

	if scheduleJSONOut {
		return printJSON(cmd.OutOrStdout(), created)
	}
	pterm.Success.Printf("Created schedule %s (%s)\n", created.Name, created.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "  Next fire: %s\n", formatTime(created.NextFireAt))
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	filter := schedule.ListFilter{Name: schedListName, Page: schedListPage, PageSize: schedListPageSize}
	switch {
	case schedListEnabled && schedListDisabled:
		return errors.New("--enabled and --disabled are mutually exclusive")
	case schedListEnabled:
		filter.Enabled = util.Ptr(true)
	case schedListDisabled:
		filter.Enabled = util.Ptr(false)
	}

	page, err := svc.schedules.ListSchedules(ctx, scheduleTenant, filter)
	if err != nil {
		return err
	}
	if scheduleJSONOut {
		return printJSON(cmd.OutOrStdout(), page)
	}

	rows := make([][]string, 0, len(page.Data))
	for _, sc := range page.Data {
		rows = append(rows, []string{
			sc.ID,
			sc.Name,
			describeTrigger(sc.Trigger),
			describeTarget(sc.Target),
			sc.Timezone,
			strconv.FormatBool(sc.Enabled),
			formatTime(sc.NextFireAt),
		})
	}
	if err := renderTable(cmd.OutOrStdout(),
		[]string{"ID", "NAME", "TRIGGER", "TARGET", "TZ", "ENABLED", "NEXT FIRE"},
		rows, "No schedules"); err != nil {
		return err
	}
	if page.Pagination.TotalPages > 1 {
		fmt.Fprintf(cmd.OutOrStdout(), "Page %d of %d (%d schedules)\n",
			page.Pagination.Page, page.Pagination.TotalPages, page.Pagination.Total)
	}
	return nil
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	sc, err := svc.schedules.GetSchedule(ctx, scheduleTenant, args[0])
	if err != nil {
		return err
	}
	if scheduleJSONOut {
		return printJSON(cmd.OutOrStdout(), sc)
	}

	calendarKey := ""
	if sc.Calendar != nil {
		calendarKey = sc.Calendar.Key
	}
	rows := [][]string{
		{"ID", sc.ID},
		{"Tenant", sc.TenantID},
		{"Name", sc.Name},
		{"Timezone", sc.Timezone},
		{"Trigger", describeTrigger(sc.Trigger)},
		{"Target", describeTarget(sc.Target)},
		{"Calendar", orDash(calendarKey)},
		{"Payload", orDash(string(sc.Payload))},
		{"Enabled", strconv.FormatBool(sc.Enabled)},
		{"Next fire", formatTime(sc.NextFireAt)},
		{"Last fire", formatTime(sc.LastFireAt)},
		{"Version", strconv.FormatInt(sc.Version, 10)},
	}
	return pterm.DefaultTable.WithWriter(cmd.OutOrStdout()).WithData(rows).Render()
}

func runScheduleSetEnabled(cmd *cobra.Command, id string, enabled bool) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	sc, err := svc.schedules.SetScheduleEnabled(ctx, scheduleTenant, id, enabled)
	if err != nil {
		return err
	}
	if scheduleJSONOut {
		return printJSON(cmd.OutOrStdout(), sc)
	}
	if enabled {
		pterm.Success.Printf("Enabled %s, next fire %s\n", sc.Name, formatTime(sc.NextFireAt))
	} else {
		pterm.Success.Printf("Disabled %s\n", sc.Name)
	}
	return nil
}

func runScheduleValidate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	sc, err := validateFlags.build("", svc.cfg.Pulse.DefaultTimezone)
	if err != nil {
		return err
	}
	sc.TenantID = scheduleTenant

	res := svc.schedules.Validate(sc)
	var fireTimes []time.Time
	if res.Valid && validatePreview > 0 {
		fireTimes, err = svc.schedules.Preview(ctx, sc, validatePreview)
		if err != nil {
			return err
		}
	}

	if scheduleJSONOut {
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"valid":         res.Valid,
			"errors":        res.Errors,
			"nextFireTimes": fireTimes,
		})
	}
	if !res.Valid {
		for _, msg := range res.Errors {
			pterm.Error.Println(msg)
		}
		return errors.Newf("schedule is invalid (%d problems)", len(res.Errors))
	}

	pterm.Success.Println("Schedule is valid")
	loc, err := sc.Location()
	if err != nil {
		loc = time.UTC
	}
	for i, t := range fireTimes {
		fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s\n", i+1, t.In(loc).Format(time.RFC1123Z))
	}
	return nil
}

func runScheduleRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.schedules.DeleteSchedule(ctx, scheduleTenant, args[0]); err != nil {
		return err
	}
	pterm.Success.Printf("Deleted schedule %s\n", args[0])
	return nil
}

// describeValidation flattens a rejected write into one line per problem.
func describeValidation(err error) error {
	var verr *schedule.ValidationError
	if errors.As(err, &verr) {
		for _, msg := range verr.Messages {
			pterm.Error.Println(msg)
		}
	}
	return err
}

func describeTrigger(t trigger.Trigger) string {
	switch v := t.(type) {
	case trigger.Cron:
		return "cron " + v.Expression
	case trigger.RecurrenceRule:
		return "rrule " + v.Rule
	case trigger.FixedDelay:
		return "every " + (time.Duration(v.Seconds) * time.Second).String()
	case trigger.OneShot:
		return "at " + v.StartAt.Format(time.RFC3339)
	case nil:
		return "-"
	default:
		return string(t.Kind())
	}
}

func describeTarget(t target.Target) string {
	switch v := t.(type) {
	case target.Event:
		return "event " + v.Topic
	case target.HTTP:
		return v.MethodOrDefault() + " " + v.URL
	case target.Queue:
		return "queue " + v.Topic
	case nil:
		return "-"
	default:
		return string(t.Kind())
	}
}
