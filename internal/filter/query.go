package filter

import (
	"time"

	"classreports/internal/components/chrono"
)

// PortalDateFormat is how the portal's date inputs expect dates to be typed.
const PortalDateFormat = "01/02/2006"

// Action is a single on-page step, one of SelectDatePreset, SetCustomRange
// or OpenReportTab.
type Action interface {
	isAction()
}

// SelectDatePreset picks an option of the date filter dropdown by its text.
type SelectDatePreset struct {
	Label string
}

// SetCustomRange types the bounds into the start and end date inputs, it
// always follows a SelectDatePreset for "Custom".
type SetCustomRange struct {
	Start time.Time
	End   time.Time
}

func (a SetCustomRange) StartText() string { return a.Start.Format(PortalDateFormat) }
func (a SetCustomRange) EndText() string   { return a.End.Format(PortalDateFormat) }

// OpenReportTab switches to the tab of a report type and downloads it.
type OpenReportTab struct {
	Type  ReportType
	Label string
}

func (SelectDatePreset) isAction() {}
func (SetCustomRange) isAction()   {}
func (OpenReportTab) isAction()    {}

// Query is a selection resolved against a point in time.
type Query struct {
	Selection Selection
	// Start and End are the inclusive calendar days covered.
	Start time.Time
	End   time.Time
	// Actions are ordered: date filter first, then one tab per report type.
	Actions []Action
}

// ReportTypes lists the report types the query downloads, in tab order.
func (q Query) ReportTypes() []ReportType {
	var out []ReportType
	for _, a := range q.Actions {
		if tab, ok := a.(OpenReportTab); ok {
			out = append(out, tab.Type)
		}
	}
	return out
}

// BuildQuery is pure, the same selection and now always yield the same query.
// The selection is expected to be valid.
func BuildQuery(sel Selection, now time.Time) Query {
	today := chrono.StartOfDay(now)
	start, end := sel.dateRange.bounds(today)

	actions := []Action{SelectDatePreset{Label: sel.dateRange.Label()}}
	if _, ok := sel.dateRange.(Custom); ok {
		actions = append(actions, SetCustomRange{Start: start, End: end})
	}
	for _, t := range sel.ReportTypes() {
		actions = append(actions, OpenReportTab{Type: t, Label: t.Label()})
	}

	return Query{
		Selection: sel,
		Start:     start,
		End:       end,
		Actions:   actions,
	}
}
