package commands

import (
	"log/slog"

	"classreports/internal/components/telemetry"
	"classreports/internal/web"
	"classreports/pkg/serviceutil"

	"github.com/spf13/cobra"
)

var (
	servePort     int
	serveSchedule bool
)

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Overrides the configured port.")
	serveCmd.Flags().BoolVar(&serveSchedule, "schedule", false, "Also run the scheduler in this process.")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [--port <port>] [--schedule]",
	Short: "Serves the web api, and optionally the scheduler, until interrupted.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := newApp(ctx, "classreports-serve")
		defer a.Close()

		telemetry.InstrumentPerfStats(ctx, a.tel)

		coordinator := a.coordinator(ctx)
		if serveSchedule || a.config.Schedule.Enabled {
			stop := startScheduler(ctx, a, coordinator)
			defer stop()
		}

		server := web.NewServer(ctx, web.Options{
			Runs:           coordinator,
			History:        a.history,
			LoadAccounts:   a.loadAccounts,
			Filter:         a.filterStore(),
			Location:       a.clock.Location(),
			ReportsDir:     a.config.ReportsDir,
			LastRunPath:    a.lastRunPath(),
			AllowedOrigins: a.config.Server.AllowedOrigins,
			Gatherer:       a.registry,
		}, a.tel)

		port := a.config.Server.Port
		if servePort > 0 {
			port = servePort
		}
		err := serviceutil.ServeHttp(ctx, port, server.Handler())
		if err != nil {
			serviceutil.Fatal("serve http", err)
		}

		if coordinator.Status().Running {
			slog.Info("waiting for the run in progress to wind down")
		}
		coordinator.Wait()
	},
}
