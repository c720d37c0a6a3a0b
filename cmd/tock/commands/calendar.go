package commands

import (
	"context"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tock/pulse/calendar"
	"github.com/teranos/tock/sym"
)

// CalendarCmd manages business calendars
var CalendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: sym.Calendar + " Manage business calendars",
	Long: sym.Calendar + ` calendar — Manage business calendars

A calendar is a weekday mask plus a holiday list. Schedules that reference
a calendar have each firing shifted forward to the next business day.
Calendars are defined in a YAML file and synced into the database.

Example calendars file:
  calendars:
    - key: us-federal
      name: US federal holidays
      business_days: [1, 2, 3, 4, 5]
      holidays: ["2026-01-01", "2026-07-03", "2026-12-25"]

Examples:
  tock calendar sync calendars.yaml
  tock calendar ls --tenant acme`,
}

var (
	calendarTenant  string
	calendarJSONOut bool
)

var calendarSyncCmd = &cobra.Command{
	Use:   "sync [file]",
	Short: "Upsert calendars from a YAML file (default calendars.file)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCalendarSync,
}

var calendarListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List calendars visible to a tenant",
	RunE:    runCalendarList,
}

func init() {
	CalendarCmd.PersistentFlags().BoolVar(&calendarJSONOut, "json", false, "Output as JSON")
	calendarListCmd.Flags().StringVarP(&calendarTenant, "tenant", "t", "", "Tenant ID (global calendars are always listed)")

	CalendarCmd.AddCommand(calendarSyncCmd)
	CalendarCmd.AddCommand(calendarListCmd)
}

func runCalendarSync(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	path := svc.cfg.Calendars.File
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return cmd.Help()
	}

	if err := syncCalendarFile(ctx, svc.calendars, path); err != nil {
		return err
	}
	pterm.Success.Printf("Synced calendars from %s\n", path)
	return nil
}

func runCalendarList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	cals, err := svc.calendars.List(ctx, calendarTenant)
	if err != nil {
		return err
	}
	if calendarJSONOut {
		if cals == nil {
			cals = []*calendar.Calendar{}
		}
		return printJSON(cmd.OutOrStdout(), cals)
	}

	rows := make([][]string, 0, len(cals))
	for _, c := range cals {
		days := make([]string, 0, len(c.BusinessDays))
		for _, d := range c.BusinessDays {
			days = append(days, strconv.Itoa(d))
		}
		tenant := c.TenantID
		if tenant == "" {
			tenant = "(global)"
		}
		rows = append(rows, []string{
			c.Key,
			c.Name,
			tenant,
			strings.Join(days, ","),
			strconv.Itoa(len(c.Holidays)),
			strconv.FormatInt(c.Version, 10),
		})
	}
	return renderTable(cmd.OutOrStdout(),
		[]string{"KEY", "NAME", "TENANT", "BUSINESS DAYS", "HOLIDAYS", "VERSION"},
		rows, "No calendars")
}
