package commands

import (
	"fmt"

	"classreports/internal/filter"

	"github.com/spf13/cobra"
)

var (
	normalizeAccount string
	normalizeType    string
)

func init() {
	normalizeCmd.Flags().StringVar(&normalizeAccount, "account", "", "The account the report belongs to, it becomes part of the file name.")
	normalizeCmd.Flags().StringVar(&normalizeType, "type", "", "The report type of the csv (student_usage, skill, assignment, assessment, level_up_progress).")
	normalizeCmd.MarkFlagRequired("account")
	normalizeCmd.MarkFlagRequired("type")
	rootCmd.AddCommand(normalizeCmd)
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize <report.csv> --account <id> --type <report type>",
	Short: "Normalizes a csv downloaded by hand into the reports directory.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reportType, err := filter.ParseReportType(normalizeType)
		if err != nil {
			return err
		}

		a := newApp(cmd.Context(), "classreports-normalize")
		defer a.Close()

		report, err := a.normalizer.Normalize(args[0], normalizeAccount, reportType)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%d rows)\n", report.Path, report.RowCount)
		return nil
	},
}
