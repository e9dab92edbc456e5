package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"classreports/internal/filter"
	"classreports/internal/normalize"
	"classreports/internal/runreport"

	"github.com/spf13/cobra"
)

var (
	combineRun  string
	combineName string
)

func init() {
	combineCmd.Flags().StringVar(&combineRun, "run", "", "The run to combine, defaults to the latest one.")
	combineCmd.Flags().StringVar(&combineName, "name", "combined", "The file name prefix of the combined workbook.")
	rootCmd.AddCommand(combineCmd)
}

// reportsOf lists the normalized reports of a run. Artifacts that were
// written to another reports directory are looked up in reportsDir by name.
func reportsOf(report runreport.Report, reportsDir string) ([]normalize.Report, error) {
	var out []normalize.Report
	for _, e := range report.Accounts {
		for _, ref := range e.Artifacts {
			reportType, err := filter.ParseReportType(ref.ReportType)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ref.FileName, err)
			}
			path := ref.Path
			if path == "" {
				path = filepath.Join(reportsDir, ref.FileName)
			}
			out = append(out, normalize.Report{
				AccountID:   e.AccountID,
				ReportType:  reportType,
				Path:        path,
				RowCount:    ref.RowCount,
				GeneratedAt: ref.GeneratedAt,
			})
		}
	}
	return out, nil
}

func (a *app) runReport(ctx context.Context, runID string) (runreport.Report, error) {
	if runID != "" {
		return a.history.Get(ctx, runID)
	}
	return a.history.Latest(ctx)
}

var combineCmd = &cobra.Command{
	Use:   "combine [--run <id>] [--name <prefix>]",
	Short: "Combines the reports of a run into a single workbook, one sheet per report type.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := newApp(ctx, "classreports-combine")
		defer a.Close()

		report, err := a.runReport(ctx, combineRun)
		if err != nil {
			return fmt.Errorf("find run: %w", err)
		}
		reports, err := reportsOf(report, a.config.ReportsDir)
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			return fmt.Errorf("run %s has no reports to combine", report.RunID)
		}

		path, err := a.normalizer.Combine(reports, combineName)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d reports)\n", path, len(reports))
		return nil
	},
}
