package commands

import (
	"context"
	"log/slog"

	"classreports/internal/components/chrono"
	"classreports/internal/pipeline"
	"classreports/internal/scheduler"
	"classreports/pkg/serviceutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

// startScheduler fires runs on the configured cron until the returned stop
// function is called. Stop waits for a scheduled run in progress.
func startScheduler(ctx context.Context, a *app, coordinator *pipeline.Coordinator) (stop func()) {
	store := a.filterStore()
	sel, err := store.Selection()
	if err != nil {
		serviceutil.Fatal("read filter", err)
	}

	cron := chrono.NewStandardCron(a.tel, a.clock.Location())
	job := scheduler.NewJob(
		coordinator,
		a.loadAccounts,
		store.Selection,
		a.history,
		a.clock,
		a.tel,
		a.config.Schedule.Timeout.Std(),
	)
	err = scheduler.Schedule(ctx, cron, a.config.Schedule.Cron, job)
	if err != nil {
		serviceutil.Fatal("init scheduler", err)
	}
	slog.InfoContext(ctx, "runs are scheduled", "cron", a.config.Schedule.Cron, "filter", sel.String())
	return cron.Stop
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Runs every account on the configured schedule until interrupted.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := newApp(ctx, "classreports-schedule")
		defer a.Close()

		stop := startScheduler(ctx, a, a.coordinator(ctx))
		<-ctx.Done()
		stop()
	},
}
