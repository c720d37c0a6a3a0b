package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/pulse/async"
	"github.com/teranos/tock/pulse/calendar"
	"github.com/teranos/tock/pulse/schedule"
	"github.com/teranos/tock/server"
	"github.com/teranos/tock/sym"
)

// PulseCmd represents the pulse command - the scheduler daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Manage Pulse daemon (scheduler + worker pool)",
	Long: sym.Pulse + ` Pulse daemon - the scheduling engine.

The Pulse daemon provides:
- A ticker that fires due schedules against their targets
- A worker pool that claims retries and enqueued job runs
- A reaper that releases work held by stale workers and marks missed runs
- GRACE shutdown (completes current runs before exit)

Several daemons may share one database: each firing is claimed by
compare-and-swap, so only one of them dispatches it.

Example:
  tock pulse start                 # Start daemon in foreground
  tock pulse start --workers 8     # Run the local worker pool with 8 slots
  tock pulse start --serve         # Also serve the admin API`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Load calendars from calendars.file (and watch it when calendars.watch is set)
- Start the worker pool unless worker.max_parallel is 0
- Start the ticker and the reaper
- Run until interrupted (Ctrl+C) with GRACE shutdown`,
	RunE: runPulseStart,
}

func init() {
	PulseStartCmd.Flags().Int("workers", -1, "Local worker pool slots (overrides worker.max_parallel, 0 disables)")
	PulseStartCmd.Flags().Bool("serve", false, "Also serve the admin API on server.host:server.port")
	PulseCmd.AddCommand(PulseStartCmd)
}

// daemon owns the long-running components started by `tock pulse start`.
type daemon struct {
	svc     *services
	watcher *calendar.Watcher
	pool    *async.WorkerPool
	ticker  *schedule.Ticker
	reaper  *async.Reaper
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := openServices(ctx, true)
	if err != nil {
		return err
	}
	defer svc.Close()

	if n, _ := cmd.Flags().GetInt("workers"); n >= 0 {
		svc.cfg.Worker.MaxParallel = n
	}

	d := &daemon{svc: svc}
	if err := d.start(ctx); err != nil {
		d.stop()
		return err
	}

	var api *server.TockServer
	apiErr := make(chan error, 1)
	if serve, _ := cmd.Flags().GetBool("serve"); serve {
		api, err = newAPIServer(svc, d.ticker)
		if err != nil {
			d.stop()
			return err
		}
		go func() { apiErr <- api.ListenAndServe(ctx) }()
	}

	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Database: %s\n", svc.cfg.GetDatabasePath())
	fmt.Printf("  Ticker interval: %v (batch %d)\n", svc.cfg.Pulse.TickerInterval(), svc.cfg.Pulse.BatchLimit)
	fmt.Printf("  Workers: %d\n", svc.cfg.Worker.MaxParallel)
	if api != nil {
		fmt.Printf("  Admin API: http://%s\n", svc.cfg.ServerAddr())
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-sigChan:
	case runErr = <-apiErr:
		if runErr != nil {
			pterm.Error.Printf("Admin API failed: %v\n", runErr)
		}
	}

	fmt.Printf("\n%s Initiating GRACE shutdown...\n", sym.Pulse)
	if api != nil {
		shutdownCtx, stopAPI := context.WithTimeout(context.Background(), server.ShutdownTimeout)
		if err := api.Stop(shutdownCtx); err != nil {
			logger.Warnw("Admin API shutdown error", logger.FieldError, err)
		}
		stopAPI()
	}
	d.stop()
	cancel()

	fmt.Printf("%s Pulse daemon stopped\n", sym.Pulse)
	return runErr
}

// start brings components up in dependency order: calendars first so the
// first tick resolves them, then workers, then the ticker and reaper.
func (d *daemon) start(ctx context.Context) error {
	cfg := d.svc.cfg
	log := logger.Logger

	if cfg.Calendars.File != "" {
		if cfg.Calendars.Watch {
			w, err := calendar.NewWatcher(cfg.Calendars.File, d.svc.calendars, log)
			if err != nil {
				return err
			}
			d.watcher = w
			if err := w.Reload(ctx); err != nil {
				return errors.Wrap(err, "failed to load calendars")
			}
			w.Start(ctx)
		} else if err := syncCalendarFile(ctx, d.svc.calendars, cfg.Calendars.File); err != nil {
			return err
		}
	}

	if cfg.Worker.MaxParallel > 0 {
		poolCfg := async.DefaultWorkerPoolConfig(cfg.WorkerName())
		poolCfg.TenantID = cfg.Worker.TenantID
		poolCfg.MaxParallel = cfg.Worker.MaxParallel
		if len(cfg.Worker.Capabilities) > 0 {
			poolCfg.Capabilities = cfg.Worker.Capabilities
		}
		poolCfg.PollInterval = cfg.Worker.PollInterval()
		poolCfg.HeartbeatInterval = cfg.Worker.HeartbeatInterval()
		poolCfg.LeaseTTL = cfg.Pulse.LeaseTTL()

		executor := async.NewRunExecutor(d.svc.schedules, async.NewHandlerRegistry())
		d.pool = async.NewWorkerPool(d.svc.tracker, d.svc.workers, executor, poolCfg, log)
		if err := d.pool.Start(ctx); err != nil {
			d.pool = nil
			return errors.Wrap(err, "failed to start worker pool")
		}
	}

	d.ticker = schedule.NewTicker(d.svc.schedules, d.svc.tracker, d.pool, schedule.TickerConfig{
		Interval:    cfg.Pulse.TickerInterval(),
		BatchLimit:  cfg.Pulse.BatchLimit,
		Concurrency: cfg.Pulse.DispatchConcurrency,
	}, log)
	d.ticker.Start(ctx)

	if cfg.Pulse.ReaperIntervalSeconds > 0 {
		d.reaper = async.NewReaper(d.svc.tracker, d.svc.workers, async.ReaperConfig{
			Interval:       cfg.Pulse.ReaperInterval(),
			StaleThreshold: cfg.Pulse.StaleThreshold(),
		}, log)
		d.reaper.Start(ctx)
	}
	return nil
}

// stop shuts components down in reverse order. Safe on a partial start.
func (d *daemon) stop() {
	if d.reaper != nil {
		d.reaper.Stop()
	}
	if d.ticker != nil {
		d.ticker.Stop()
	}
	if d.pool != nil {
		d.pool.Stop()
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Warnw("Calendar watcher stop error", logger.FieldError, err)
		}
	}
}

func syncCalendarFile(ctx context.Context, calendars *calendar.Service, path string) error {
	cals, err := calendar.LoadFile(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	applied, err := calendars.Sync(ctx, cals)
	if err != nil {
		return errors.Wrapf(err, "failed to sync calendars from %s", path)
	}
	logger.Infow("Calendars synced", "path", path, logger.FieldCount, applied)
	return nil
}
