// Package filter describes what a run downloads: a date range and a set of
// report types, and the page actions that select them on the portal.
package filter

import (
	"fmt"
	"strings"
	"time"

	"classreports/internal/components/chrono"
	"classreports/pkg/textutil"
)

// MaxCustomRangeDays is the longest custom window the portal accepts.
const MaxCustomRangeDays = 365

// InvalidFilterError is returned for any selection that must not reach the
// browser.
type InvalidFilterError struct {
	Reason string
}

func (e InvalidFilterError) Error() string {
	return "invalid filter: " + e.Reason
}

func invalid(format string, args ...any) error {
	return InvalidFilterError{Reason: fmt.Sprintf(format, args...)}
}

// ReportType is a category of downloadable report. The order of the
// constants is the order tabs are visited in.
type ReportType int

const (
	StudentUsage ReportType = iota
	Skill
	Assignment
	Assessment
	LevelUpProgress
)

var AllReportTypes = []ReportType{StudentUsage, Skill, Assignment, Assessment, LevelUpProgress}

var reportTypeNames = [...]string{"student_usage", "skill", "assignment", "assessment", "level_up_progress"}
var reportTypeLabels = [...]string{"Student Usage", "Skill", "Assignment", "Assessment", "Level Up Progress"}

func (r ReportType) valid() bool {
	return r >= StudentUsage && r <= LevelUpProgress
}

// String is the snake case identifier used in file names and config.
func (r ReportType) String() string {
	if !r.valid() {
		return fmt.Sprintf("report_type(%d)", int(r))
	}
	return reportTypeNames[r]
}

// Label is the tab label shown by the portal.
func (r ReportType) Label() string {
	if !r.valid() {
		return r.String()
	}
	return reportTypeLabels[r]
}

func (r ReportType) MarshalText() ([]byte, error) {
	if !r.valid() {
		return nil, fmt.Errorf("unknown report type %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *ReportType) UnmarshalText(text []byte) error {
	parsed, err := ParseReportType(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseReportType accepts either the identifier ("level_up_progress") or the
// label ("Level Up Progress") in any case.
func ParseReportType(name string) (ReportType, error) {
	key := textutil.NormalizeName(strings.ReplaceAll(name, "_", " "))
	for _, r := range AllReportTypes {
		if textutil.NormalizeName(r.Label()) == key {
			return r, nil
		}
	}
	return 0, invalid("unknown report type %q", name)
}

// ReportSet is a set of report types.
type ReportSet uint8

func NewReportSet(types ...ReportType) ReportSet {
	var s ReportSet
	for _, t := range types {
		s = s.With(t)
	}
	return s
}

func (s ReportSet) With(r ReportType) ReportSet {
	return s | 1<<uint(r)
}

func (s ReportSet) Has(r ReportType) bool {
	return s&(1<<uint(r)) != 0
}

func (s ReportSet) Empty() bool {
	return s == 0
}

// Types lists the members in tab order.
func (s ReportSet) Types() []ReportType {
	var out []ReportType
	for _, r := range AllReportTypes {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// DateRange is one of Today, Last7Days, Last30Days, Last90Days, LastYear or
// Custom.
type DateRange interface {
	// Name is the config identifier of the range.
	Name() string
	// Label is the option text in the portal's date filter.
	Label() string
	bounds(today time.Time) (start, end time.Time)
}

type preset struct {
	name  string
	label string
	days  int
}

func (p preset) Name() string  { return p.name }
func (p preset) Label() string { return p.label }

func (p preset) bounds(today time.Time) (time.Time, time.Time) {
	return today.AddDate(0, 0, -(p.days - 1)), today
}

var (
	Today      DateRange = preset{name: "today", label: "Today", days: 1}
	Last7Days  DateRange = preset{name: "last_7_days", label: "Last 7 Days", days: 7}
	Last30Days DateRange = preset{name: "last_30_days", label: "Last 30 Days", days: 30}
	Last90Days DateRange = preset{name: "last_90_days", label: "Last 90 Days", days: 90}
	LastYear   DateRange = preset{name: "last_year", label: "Last Year", days: 365}
)

var presets = []DateRange{Today, Last7Days, Last30Days, Last90Days, LastYear}

// Custom is an explicit inclusive range of calendar days.
type Custom struct {
	Start time.Time
	End   time.Time
}

func (Custom) Name() string  { return "custom" }
func (Custom) Label() string { return "Custom" }

func (c Custom) bounds(time.Time) (time.Time, time.Time) {
	return c.Start, c.End
}

func daysBetween(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s).Hours() / 24)
}

// NewCustom validates and truncates both ends to the start of their day.
func NewCustom(start, end time.Time) (Custom, error) {
	start = chrono.StartOfDay(start)
	end = chrono.StartOfDay(end)
	if start.After(end) {
		return Custom{}, invalid(
			"custom range starts on %s which is after its end %s",
			start.Format(time.DateOnly), end.Format(time.DateOnly),
		)
	}
	if days := daysBetween(start, end); days > MaxCustomRangeDays {
		return Custom{}, invalid("custom range spans %d days, at most %d are allowed", days, MaxCustomRangeDays)
	}
	return Custom{Start: start, End: end}, nil
}

// ParseDateRange resolves a config name (or portal label) into a DateRange,
// start and end ("2006-01-02") are only read for "custom".
func ParseDateRange(name, start, end string, loc *time.Location) (DateRange, error) {
	key := textutil.NormalizeName(strings.ReplaceAll(name, "_", " "))
	for _, p := range presets {
		if textutil.NormalizeName(p.Label()) == key {
			return p, nil
		}
	}
	if key != "custom" {
		return nil, invalid("unknown date range %q", name)
	}

	startTime, err := time.ParseInLocation(time.DateOnly, start, loc)
	if err != nil {
		return nil, invalid("custom start %q is not a YYYY-MM-DD date", start)
	}
	endTime, err := time.ParseInLocation(time.DateOnly, end, loc)
	if err != nil {
		return nil, invalid("custom end %q is not a YYYY-MM-DD date", end)
	}
	return NewCustom(startTime, endTime)
}

// Selection is a validated date range and non-empty set of report types. The
// zero value is not valid, use NewSelection.
type Selection struct {
	dateRange DateRange
	types     ReportSet
}

func NewSelection(dateRange DateRange, types ...ReportType) (Selection, error) {
	sel := Selection{dateRange: dateRange, types: NewReportSet(types...)}
	for _, t := range types {
		if !t.valid() {
			return Selection{}, invalid("unknown report type %d", int(t))
		}
	}
	err := sel.Validate()
	if err != nil {
		return Selection{}, err
	}
	return sel, nil
}

// Validate re-checks the invariants NewSelection enforces, it exists so that
// callers receiving a Selection by value can reject the zero value.
func (s Selection) Validate() error {
	if s.dateRange == nil {
		return invalid("no date range selected")
	}
	if s.types.Empty() {
		return invalid("no report types selected")
	}
	if c, ok := s.dateRange.(Custom); ok {
		_, err := NewCustom(c.Start, c.End)
		return err
	}
	return nil
}

func (s Selection) DateRange() DateRange {
	return s.dateRange
}

func (s Selection) ReportTypes() []ReportType {
	return s.types.Types()
}

func (s Selection) Includes(r ReportType) bool {
	return s.types.Has(r)
}

func (s Selection) String() string {
	if s.dateRange == nil {
		return "<invalid selection>"
	}
	names := make([]string, 0, 5)
	for _, t := range s.ReportTypes() {
		names = append(names, t.String())
	}
	rangeName := s.dateRange.Name()
	if c, ok := s.dateRange.(Custom); ok {
		rangeName = fmt.Sprintf("custom(%s..%s)", c.Start.Format(time.DateOnly), c.End.Format(time.DateOnly))
	}
	return fmt.Sprintf("%s [%s]", rangeName, strings.Join(names, ", "))
}

// Config is the on-disk shape of a selection, report_types maps either
// identifiers or labels to whether they are enabled.
type Config struct {
	DateRange   string          `json:"date_range"`
	Start       string          `json:"start,omitempty"`
	End         string          `json:"end,omitempty"`
	ReportTypes map[string]bool `json:"report_types"`
}

func (c Config) Selection(loc *time.Location) (Selection, error) {
	dateRange, err := ParseDateRange(c.DateRange, c.Start, c.End, loc)
	if err != nil {
		return Selection{}, err
	}
	var types []ReportType
	for name, enabled := range c.ReportTypes {
		t, err := ParseReportType(name)
		if err != nil {
			return Selection{}, err
		}
		if enabled {
			types = append(types, t)
		}
	}
	return NewSelection(dateRange, types...)
}

// ConfigOf converts a selection back into its on-disk shape.
func ConfigOf(sel Selection) Config {
	c := Config{ReportTypes: map[string]bool{}}
	if sel.dateRange != nil {
		c.DateRange = sel.dateRange.Name()
		if custom, ok := sel.dateRange.(Custom); ok {
			c.Start = custom.Start.Format(time.DateOnly)
			c.End = custom.End.Format(time.DateOnly)
		}
	}
	for _, t := range AllReportTypes {
		c.ReportTypes[t.String()] = sel.Includes(t)
	}
	return c
}
