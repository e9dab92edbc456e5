package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"classreports/internal/components/telemetry"
	"classreports/internal/filter"
	"classreports/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, body string) *goquery.Document {
	doc, err := htmlutil.Parse("<html><body>" + body + "</body></html>")
	require.NoError(t, err)
	return doc
}

func TestParseLoginPage(t *testing.T) {
	const loginPage = DefaultLoginURL

	cases := []struct {
		name     string
		location string
		body     string
		state    loginState
		reason   string
	}{
		{
			name:     "greeting",
			location: loginPage,
			body:     `<h2 class="homepageGreeting frazHomepageGreeting">Good morning, Ms. Smith</h2>`,
			state:    loginSucceeded,
		},
		{
			name:     "redirected",
			location: "https://www.raz-plus.com/main/Home",
			state:    loginSucceeded,
		},
		{
			name:     "rejected",
			location: "https://accounts.learninga-z.com/ng/member/login?siteAbbr=rp&error=1",
			body: `<form><input id="username"><input id="password"></form>
				<div role="alert">  Incorrect username
				or password. </div>`,
			state:  loginRejected,
			reason: "Incorrect username or password.",
		},
		{
			name:     "empty alert is not a rejection",
			location: loginPage,
			body:     `<form><input id="username"></form><div role="alert"></div>`,
			state:    loginPending,
		},
		{
			name:     "still loading",
			location: loginPage,
			body:     `<form><input id="username"></form>`,
			state:    loginPending,
		},
	}

	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			state, reason := parseLoginPage(DefaultLoginURL, test.location, parse(t, test.body))
			require.Equal(t, test.state, state)
			require.Equal(t, test.reason, reason)
		})
	}
}

func TestReportsPageParsing(t *testing.T) {
	doc := parse(t, `
		<header>
			<button><span class="buttonText">Search</span></button>
			<button><span class="buttonText"> Menu </span></button>
		</header>
		<mat-option><span class="mat-option-text">Today</span></mat-option>
		<mat-option><span class="mat-option-text">Last 7 Days</span></mat-option>
		<mat-option><span class="mat-option-text">Custom</span></mat-option>
		<div role="tablist">
			<button role="tab">Student Usage</button>
			<button role="tab">Skill Report</button>
			<button role="tab">Level Up!
				Progress</button>
			<button role="tab">Level Up Progress</button>
		</div>
		<p>No results for
			filter criteria</p>
	`)

	require.Equal(t, 1, menuIndex(doc))
	require.Equal(t, 1, optionIndex(doc, "Last 7 Days"))
	require.Equal(t, -1, optionIndex(doc, "Last 7"), "options match exactly")
	require.Equal(t, []string{"Student Usage", "Skill Report", "Level Up! Progress", "Level Up Progress"}, tabLabels(doc))
	require.Equal(t, 1, tabIndex(doc, "skill"))
	require.Equal(t, 3, tabIndex(doc, "Level Up Progress"))
	require.Equal(t, -1, tabIndex(doc, "Assessment"))
	require.True(t, hasNoResults(doc))
	require.False(t, hasDownloadMenu(doc))
	require.Empty(t, reportsLink(context.Background(), doc, "https://www.raz-plus.com/main/home"))

	report := parse(t, `<button tid="class-reports-ellipsis-tooltip">...</button><table></table>`)
	require.False(t, hasNoResults(report))
	require.True(t, hasDownloadMenu(report))
	require.Equal(t, -1, menuIndex(report))
}

func TestNthXPath(t *testing.T) {
	require.Equal(t, `(//button[@role="tab"])[3]`, nthXPath(xpathReportTabs, 2))
}

func TestReportsLink(t *testing.T) {
	ctx := context.Background()
	location := "https://www.raz-plus.com/main/home"

	doc := parse(t, `
		<nav>
			<a href="#">Classroom Reports</a>
			<a href="/main/Home">Home</a>
			<a href="/main/ClassroomReports?tab=usage"> Classroom
				Reports </a>
		</nav>
	`)
	require.Equal(t, "https://www.raz-plus.com/main/ClassroomReports?tab=usage", reportsLink(ctx, doc, location))

	absolute := parse(t, `<a href="https://reports.raz-plus.com/class">CLASS REPORTS</a>`)
	require.Equal(t, "https://reports.raz-plus.com/class", reportsLink(ctx, absolute, location))

	scripted := parse(t, `<a href="javascript:void(0)">Classroom Reports</a><a href="/main/Home">Home</a>`)
	require.Empty(t, reportsLink(ctx, scripted, location))
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(&NavigationTimeout{Step: StepMenu}))
	require.True(t, IsTransient(fmt.Errorf("wrapped: %w", &DownloadTimeout{})))
	require.True(t, IsTransient(&AuthenticationError{Rejected: false}))
	require.False(t, IsTransient(&AuthenticationError{Rejected: true}))
	require.False(t, IsTransient(ErrNoMatchingReports))
	require.False(t, IsTransient(fmt.Errorf("boom")))
}

func TestDownloadCounts(t *testing.T) {
	d := Download{
		Artifacts: []Artifact{
			{ReportType: filter.Skill, Index: 0},
			{ReportType: filter.Skill, Index: 1},
			{ReportType: filter.Assessment},
		},
		Empty:  []filter.ReportType{filter.Assignment},
		Failed: map[filter.ReportType]error{filter.LevelUpProgress: &DownloadTimeout{}},
	}
	require.Equal(t, 4, d.Attempted())
	require.Equal(t, 2, d.Downloaded())
}

func TestProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><form><input id="username"><input id="password"></form></body></html>`)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	tel := &telemetry.Recorder{}

	probe, err := NewProbe(healthy.URL, time.Second, tel)
	require.NoError(t, err)
	require.NoError(t, probe.Check(context.Background()))

	probe, err = NewProbe(broken.URL, time.Second, tel)
	require.NoError(t, err)
	err = probe.Check(context.Background())
	var nav *NavigationTimeout
	require.ErrorAs(t, err, &nav)
	require.Equal(t, StepProbe, nav.Step)
	require.Len(t, tel.Reports("warning"), 1)
}
