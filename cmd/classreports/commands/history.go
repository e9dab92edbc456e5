package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"classreports/internal/history"
	"classreports/internal/runreport"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	historyLimit    int
	historyTriggers bool
)

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", history.DefaultListLimit, "How many entries to show.")
	historyCmd.Flags().BoolVar(&historyTriggers, "triggers", false, "Show what became of scheduled triggers instead of runs.")
	rootCmd.AddCommand(historyCmd)
}

const historyTimeFormat = "2006-01-02 15:04"

func renderRuns(w io.Writer, runs []history.Summary, loc *time.Location) {
	t := runreport.NewTable(w)
	t.AppendHeader(table.Row{"Run", "Started", "Trigger", "Filter", "Outcome", "OK", "Partial", "Failed", "Errors"})
	for _, r := range runs {
		outcome := string(r.Outcome)
		if r.Cancelled {
			outcome += " (cancelled)"
		}
		t.AppendRow(table.Row{
			r.RunID,
			r.StartedAt.In(loc).Format(historyTimeFormat),
			r.Trigger,
			r.Filter,
			outcome,
			r.Succeeded,
			r.Partial,
			r.Failed,
			r.ErrorSummary,
		})
	}
	t.Render()
}

func renderTriggers(w io.Writer, triggers []history.TriggerStatus, loc *time.Location) {
	t := runreport.NewTable(w)
	t.AppendHeader(table.Row{"Fired", "Trigger", "Status", "Run", "Detail"})
	for _, s := range triggers {
		t.AppendRow(table.Row{
			s.FiredAt.In(loc).Format(historyTimeFormat),
			s.Trigger,
			s.Status,
			s.RunID,
			s.Detail,
		})
	}
	t.Render()
}

var historyCmd = &cobra.Command{
	Use:   "history [run id] [--limit <n>] [--triggers]",
	Short: "Lists recent runs, or shows the report of a single run.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := newApp(ctx, "classreports-history")
		defer a.Close()
		loc := a.clock.Location()

		if len(args) == 1 {
			report, err := a.history.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			runreport.Render(os.Stdout, report)
			return nil
		}

		if historyTriggers {
			triggers, err := a.history.Triggers(ctx, historyLimit)
			if err != nil {
				return err
			}
			renderTriggers(os.Stdout, triggers, loc)
			return nil
		}

		runs, err := a.history.List(ctx, historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs have been recorded yet")
			return nil
		}
		renderRuns(os.Stdout, runs, loc)
		return nil
	},
}
