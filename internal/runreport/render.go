package runreport

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func NewTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}

// Render writes a per-account table followed by the error summary.
func Render(w io.Writer, report Report) {
	success, partial, failed := report.Counts()
	fmt.Fprintf(
		w,
		"run %s (%s) %s, %s: %d succeeded, %d partial, %d failed\n",
		report.RunID,
		report.Trigger,
		report.Filter,
		report.Duration().Round(time.Second),
		success, partial, failed,
	)
	if report.Cancelled {
		fmt.Fprintln(w, "the run was cancelled before every account finished")
	}

	t := NewTable(w)
	t.AppendHeader(table.Row{"Account", "Status", "Stage", "Reports", "Rows", "Error"})
	for _, e := range report.Accounts {
		rows := 0
		for _, a := range e.Artifacts {
			rows += a.RowCount
		}
		stage := string(e.Stage)
		if e.FailedStage != "" {
			stage = fmt.Sprintf("%s (at %s)", e.Stage, e.FailedStage)
		}
		t.AppendRow(table.Row{
			e.AccountID,
			e.Status,
			stage,
			fmt.Sprintf("%d/%d", e.ReportsDownloaded, e.ReportsAttempted),
			rows,
			e.ErrorKind,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Rows", Align: text.AlignRight},
		{Name: "Error", WidthMax: 48},
	})
	t.Render()

	if summary := report.ErrorSummary(); summary != "" {
		fmt.Fprintf(w, "failures: %s\n", summary)
	}
}
