package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/pulse/schedule"
	"github.com/teranos/tock/server"
)

// ServerCmd serves the admin API without running the scheduler
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the admin API",
	Long: `Serve the admin HTTP API (schedules, jobs, runs, workers, calendars)
and the websocket run stream.

The API only reads and writes the database; run 'tock pulse start' (or
'tock pulse start --serve') for schedules to actually fire.

Examples:
  tock server                 # Listen on server.host:server.port
  tock server --port 9000     # Override the port`,
	RunE: runServer,
}

var (
	serverHost string
	serverPort int
)

func init() {
	ServerCmd.Flags().StringVar(&serverHost, "host", "", "Listen host (overrides server.host)")
	ServerCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Listen port (overrides server.port)")
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := openServices(ctx, false)
	if err != nil {
		return err
	}
	defer svc.Close()

	if serverHost != "" {
		svc.cfg.Server.Host = serverHost
	}
	if serverPort != 0 {
		svc.cfg.Server.Port = &serverPort
	}

	api, err := newAPIServer(svc, nil)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		pterm.Info.Println("\nShutting down gracefully...")
		cancel()
	}()

	pterm.Info.Printf("Admin API on http://%s\n", svc.cfg.ServerAddr())
	if err := api.ListenAndServe(ctx); err != nil {
		return err
	}
	pterm.Success.Println("Server stopped cleanly")
	return nil
}

func newAPIServer(svc *services, ticker *schedule.Ticker) (*server.TockServer, error) {
	api, err := server.NewTockServer(server.Deps{
		DB:        svc.db,
		Schedules: svc.schedules,
		Tracker:   svc.tracker,
		Workers:   svc.workers,
		Calendars: svc.calendars,
		Ticker:    ticker,
	}, server.Config{
		Addr:           svc.cfg.ServerAddr(),
		AllowedOrigins: svc.cfg.GetServerAllowedOrigins(),
	}, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin API: %w", err)
	}
	return api, nil
}
