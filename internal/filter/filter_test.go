package filter

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var guayaquil = time.FixedZone("ECT", -5*60*60)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, guayaquil)
}

func TestParseReportType(t *testing.T) {
	cases := []struct {
		input  string
		expect ReportType
	}{
		{input: "student_usage", expect: StudentUsage},
		{input: "Student Usage", expect: StudentUsage},
		{input: "SKILL", expect: Skill},
		{input: "level_up_progress", expect: LevelUpProgress},
		{input: "Level Up Progress", expect: LevelUpProgress},
	}
	for _, test := range cases {
		r, err := ParseReportType(test.input)
		require.NoError(t, err, test.input)
		require.Equal(t, test.expect, r, test.input)
	}

	_, err := ParseReportType("quiz")
	var invalidErr InvalidFilterError
	require.True(t, errors.As(err, &invalidErr))
}

func TestNewSelectionRejects(t *testing.T) {
	_, err := NewSelection(Last7Days)
	require.ErrorAs(t, err, &InvalidFilterError{}, "empty report type set")

	_, err = NewSelection(nil, Skill)
	require.ErrorAs(t, err, &InvalidFilterError{})

	_, err = NewSelection(Custom{Start: date(2024, 3, 10), End: date(2024, 3, 1)}, Skill)
	require.ErrorAs(t, err, &InvalidFilterError{}, "reversed custom range")

	_, err = NewSelection(Last7Days, ReportType(42))
	require.ErrorAs(t, err, &InvalidFilterError{})

	require.Error(t, Selection{}.Validate())
}

func TestNewCustom(t *testing.T) {
	_, err := NewCustom(date(2024, 3, 10), date(2024, 3, 1))
	require.ErrorContains(t, err, "after its end")

	_, err = NewCustom(date(2023, 1, 1), date(2024, 1, 2))
	require.ErrorContains(t, err, "at most 365")

	c, err := NewCustom(date(2023, 1, 1), date(2024, 1, 1))
	require.NoError(t, err, "exactly 365 days is allowed")
	require.Equal(t, date(2023, 1, 1), c.Start)

	c, err = NewCustom(date(2024, 3, 1).Add(15*time.Hour), date(2024, 3, 1).Add(9*time.Hour))
	require.NoError(t, err, "same day in either order of hours is a one day range")
	require.Equal(t, c.Start, c.End)
}

func TestConfigSelection(t *testing.T) {
	sel, err := Config{
		DateRange:   "Last 30 Days",
		ReportTypes: map[string]bool{"Skill": true, "assessment": true, "student_usage": false},
	}.Selection(guayaquil)
	require.NoError(t, err)
	require.Equal(t, Last30Days, sel.DateRange())
	require.Equal(t, []ReportType{Skill, Assessment}, sel.ReportTypes())
	require.Equal(t, "last_30_days [skill, assessment]", sel.String())

	sel, err = Config{
		DateRange:   "custom",
		Start:       "2024-03-01",
		End:         "2024-03-10",
		ReportTypes: map[string]bool{"assignment": true},
	}.Selection(guayaquil)
	require.NoError(t, err)
	require.Equal(t, Custom{Start: date(2024, 3, 1), End: date(2024, 3, 10)}, sel.DateRange())

	roundTrip, err := ConfigOf(sel).Selection(guayaquil)
	require.NoError(t, err)
	require.Equal(t, sel, roundTrip)

	_, err = Config{DateRange: "yesterday", ReportTypes: map[string]bool{"skill": true}}.Selection(guayaquil)
	require.ErrorAs(t, err, &InvalidFilterError{})

	_, err = Config{DateRange: "today", ReportTypes: map[string]bool{"skill": false}}.Selection(guayaquil)
	require.ErrorContains(t, err, "no report types")

	_, err = Config{DateRange: "custom", Start: "03/01/2024", End: "2024-03-10", ReportTypes: map[string]bool{"skill": true}}.Selection(guayaquil)
	require.ErrorContains(t, err, "YYYY-MM-DD")
}

func TestBuildQueryBounds(t *testing.T) {
	now := time.Date(2024, time.March, 10, 16, 30, 0, 0, guayaquil)

	cases := []struct {
		dateRange DateRange
		start     time.Time
		end       time.Time
	}{
		{dateRange: Today, start: date(2024, 3, 10), end: date(2024, 3, 10)},
		{dateRange: Last7Days, start: date(2024, 3, 4), end: date(2024, 3, 10)},
		{dateRange: Last30Days, start: date(2024, 2, 10), end: date(2024, 3, 10)},
		{dateRange: Last90Days, start: date(2023, 12, 12), end: date(2024, 3, 10)},
		{dateRange: LastYear, start: date(2023, 3, 12), end: date(2024, 3, 10)},
		{
			dateRange: Custom{Start: date(2024, 1, 5), End: date(2024, 1, 20)},
			start:     date(2024, 1, 5),
			end:       date(2024, 1, 20),
		},
	}
	for _, test := range cases {
		sel, err := NewSelection(test.dateRange, Skill)
		require.NoError(t, err)
		q := BuildQuery(sel, now)
		require.Equal(t, test.start, q.Start, test.dateRange.Name())
		require.Equal(t, test.end, q.End, test.dateRange.Name())
	}
}

func TestBuildQueryActions(t *testing.T) {
	now := time.Date(2024, time.March, 10, 8, 0, 0, 0, guayaquil)

	sel, err := NewSelection(Last7Days, LevelUpProgress, StudentUsage, Skill)
	require.NoError(t, err)
	q := BuildQuery(sel, now)

	expect := []Action{
		SelectDatePreset{Label: "Last 7 Days"},
		OpenReportTab{Type: StudentUsage, Label: "Student Usage"},
		OpenReportTab{Type: Skill, Label: "Skill"},
		OpenReportTab{Type: LevelUpProgress, Label: "Level Up Progress"},
	}
	if diff := cmp.Diff(expect, q.Actions); diff != "" {
		t.Fatalf("actions mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []ReportType{StudentUsage, Skill, LevelUpProgress}, q.ReportTypes())

	custom, err := NewCustom(date(2024, 3, 1), date(2024, 3, 9))
	require.NoError(t, err)
	sel, err = NewSelection(custom, Assessment)
	require.NoError(t, err)
	q = BuildQuery(sel, now)

	expect = []Action{
		SelectDatePreset{Label: "Custom"},
		SetCustomRange{Start: date(2024, 3, 1), End: date(2024, 3, 9)},
		OpenReportTab{Type: Assessment, Label: "Assessment"},
	}
	if diff := cmp.Diff(expect, q.Actions); diff != "" {
		t.Fatalf("actions mismatch (-want +got):\n%s", diff)
	}
	rangeAction := q.Actions[1].(SetCustomRange)
	require.Equal(t, "03/01/2024", rangeAction.StartText())
	require.Equal(t, "03/09/2024", rangeAction.EndText())

	// pure: building twice yields the same query
	require.Equal(t, q, BuildQuery(sel, now))
}

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "filter.json")
	fallback := Config{DateRange: "last_7_days", ReportTypes: map[string]bool{"student_usage": true}}
	store := NewStore(path, fallback, guayaquil)

	config, err := store.Config()
	require.NoError(t, err)
	require.Equal(t, fallback, config)

	sel, err := store.Save(Config{
		DateRange:   "custom",
		Start:       "2024-01-01",
		End:         "2024-01-31",
		ReportTypes: map[string]bool{"Skill": true, "assessment": true, "student_usage": false},
	})
	require.NoError(t, err)
	require.Equal(t, []ReportType{Skill, Assessment}, sel.ReportTypes())

	// a second store sees what the first one saved
	saved, err := NewStore(path, fallback, guayaquil).Selection()
	require.NoError(t, err)
	require.Equal(t, sel.String(), saved.String())
	require.Equal(t, "custom", saved.DateRange().Name())

	_, err = store.Save(Config{DateRange: "last_7_days", ReportTypes: map[string]bool{"skill": false}})
	var invalid InvalidFilterError
	require.ErrorAs(t, err, &invalid)
	_, err = store.Save(Config{DateRange: "yesterday", ReportTypes: map[string]bool{"skill": true}})
	require.Error(t, err)

	// rejected saves leave the saved selection alone
	config, err = store.Config()
	require.NoError(t, err)
	require.Equal(t, "custom", config.DateRange)
	require.True(t, config.ReportTypes["skill"])
	require.False(t, config.ReportTypes["student_usage"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files are left behind")
}

func TestStoreRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	_, err := NewStore(path, Config{}, guayaquil).Selection()
	require.ErrorContains(t, err, path)
}
