package commands

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tock/am"
	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage tock database",
	Long: sym.DB + ` db — Manage tock database operations

Examples:
  tock db migrate      # Apply pending migrations
  tock db stats        # Row counts and run status breakdown`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	path, err := am.GetDatabasePath()
	if err != nil {
		return errors.Wrap(err, "failed to get database path")
	}

	// openDatabase migrates on open
	database, err := openDatabase(path)
	if err != nil {
		return err
	}
	defer database.Close()

	pterm.Success.Printf("%s Database %s is up to date\n", sym.DB, path)
	return nil
}

var statsTables = []string{"schedules", "jobs", "runs", "workers", "calendars"}

func runDbStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, err := openServices(ctx, false)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer svc.Close()

	counts, err := tableCounts(ctx, svc.db)
	if err != nil {
		return err
	}
	enabled, err := svc.schedules.Store().CountEnabled(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Database: %s\n\n", sym.DB, svc.cfg.GetDatabasePath())

	rows := make([][]string, 0, len(statsTables)+1)
	for _, table := range statsTables {
		rows = append(rows, []string{table, strconv.Itoa(counts[table])})
	}
	rows = append(rows, []string{"schedules (enabled)", strconv.Itoa(enabled)})
	if err := renderTable(out, []string{"TABLE", "ROWS"}, rows, ""); err != nil {
		return err
	}

	stats, err := svc.tracker.Stats(ctx)
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(stats))
	for s := range stats {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	rows = rows[:0]
	for _, s := range statuses {
		rows = append(rows, []string{colorStatus(async.RunStatus(s)), strconv.Itoa(stats[async.RunStatus(s)])})
	}
	fmt.Fprintln(out)
	return renderTable(out, []string{"RUN STATUS", "COUNT"}, rows, "No runs recorded")
}

func tableCounts(ctx context.Context, database *sql.DB) (map[string]int, error) {
	counts := make(map[string]int, len(statsTables))
	for _, table := range statsTables {
		var n int
		// table names come from statsTables, never from input
		if err := database.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, errors.Wrapf(err, "failed to count %s", table)
		}
		counts[table] = n
	}
	return counts, nil
}
