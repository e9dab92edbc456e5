package portal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"classreports/internal/components/telemetry"
	"classreports/internal/credentials"
	"classreports/internal/filter"
	"classreports/internal/portal"
	"classreports/internal/portal/portaltest"

	"github.com/stretchr/testify/require"
)

func skillQuery(t *testing.T) filter.Query {
	sel, err := filter.NewSelection(filter.Last7Days, filter.Skill)
	require.NoError(t, err)
	return filter.BuildQuery(sel, time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC))
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	driver := portaltest.NewDriver(t.TempDir(), map[string]*portaltest.Script{
		"a": {
			OpenErrs:     []error{&portal.AuthenticationError{AccountID: "a", Reason: "slow"}},
			DownloadErrs: []error{&portal.NavigationTimeout{Step: portal.StepMenu}},
			Files:        map[filter.ReportType][]string{filter.Skill: {"Skill Name,Correct,Total,Accuracy\n"}},
		},
	})
	fetcher := portal.NewFetcher(driver, 2, time.Millisecond, &telemetry.Recorder{})

	var attempts []int
	filtering := 0
	result, err := fetcher.Fetch(
		context.Background(),
		credentials.Account{ID: "a", Username: "a", Secret: "pw"},
		skillQuery(t),
		portal.Hooks{
			Authenticating: func(attempt int) { attempts = append(attempts, attempt) },
			Filtering:      func() { filtering++ },
		},
	)
	require.NoError(t, err)
	require.Equal(t, 3, result.Attempts)
	require.Equal(t, []int{1, 2, 3}, attempts)
	require.Equal(t, 2, filtering)
	require.Len(t, result.Download.Artifacts, 1)
	require.Equal(t, 3, driver.Opens("a"))
	require.Zero(t, driver.Active(), "every opened session is closed")
}

func TestFetchGivesUp(t *testing.T) {
	timeout := &portal.DownloadTimeout{ReportType: filter.Skill, After: time.Second}
	driver := portaltest.NewDriver(t.TempDir(), map[string]*portaltest.Script{
		"a": {DownloadErrs: []error{timeout, timeout, timeout, timeout}},
	})
	fetcher := portal.NewFetcher(driver, 2, time.Millisecond, &telemetry.Recorder{})

	result, err := fetcher.Fetch(context.Background(), credentials.Account{ID: "a"}, skillQuery(t), portal.Hooks{})
	var dl *portal.DownloadTimeout
	require.ErrorAs(t, err, &dl)
	require.Equal(t, 3, result.Attempts)
	require.Equal(t, 3, driver.Opens("a"))
	require.Zero(t, driver.Active())
}

func TestFetchDoesNotRetryRejectedLogin(t *testing.T) {
	driver := portaltest.NewDriver(t.TempDir(), map[string]*portaltest.Script{
		"a": {OpenErrs: []error{&portal.AuthenticationError{AccountID: "a", Rejected: true, Reason: "bad password"}}},
	})
	fetcher := portal.NewFetcher(driver, 2, time.Millisecond, &telemetry.Recorder{})

	result, err := fetcher.Fetch(context.Background(), credentials.Account{ID: "a"}, skillQuery(t), portal.Hooks{})
	var auth *portal.AuthenticationError
	require.ErrorAs(t, err, &auth)
	require.True(t, auth.Rejected)
	require.Equal(t, 1, result.Attempts)
	require.Equal(t, 1, driver.Opens("a"))
}

func TestFetchNoMatchingReports(t *testing.T) {
	driver := portaltest.NewDriver(t.TempDir(), nil)
	fetcher := portal.NewFetcher(driver, 2, time.Millisecond, &telemetry.Recorder{})

	result, err := fetcher.Fetch(context.Background(), credentials.Account{ID: "a"}, skillQuery(t), portal.Hooks{})
	require.ErrorIs(t, err, portal.ErrNoMatchingReports)
	require.Equal(t, 1, result.Attempts)
	require.Equal(t, []filter.ReportType{filter.Skill}, result.Download.Empty)
}

func TestFetchStopsOnCancel(t *testing.T) {
	driver := portaltest.NewDriver(t.TempDir(), map[string]*portaltest.Script{
		"a": {DownloadErrs: []error{&portal.NavigationTimeout{Step: portal.StepMenu}}},
	})
	fetcher := portal.NewFetcher(driver, 5, time.Hour, &telemetry.Recorder{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := fetcher.Fetch(ctx, credentials.Account{ID: "a"}, skillQuery(t), portal.Hooks{})
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Minute)
	require.Equal(t, 1, driver.Opens("a"))
}

func TestFetchRetriesNetworkErrors(t *testing.T) {
	reset := &portal.NetworkError{Step: portal.StepLogin, Err: errors.New("page load error net::ERR_CONNECTION_RESET")}
	driver := portaltest.NewDriver(t.TempDir(), map[string]*portaltest.Script{
		"a": {
			OpenErrs: []error{reset},
			Files:    map[filter.ReportType][]string{filter.Skill: {"Skill Name,Correct,Total,Accuracy\n"}},
		},
	})
	fetcher := portal.NewFetcher(driver, 2, time.Millisecond, &telemetry.Recorder{})

	result, err := fetcher.Fetch(context.Background(), credentials.Account{ID: "a"}, skillQuery(t), portal.Hooks{})
	require.NoError(t, err)
	require.Equal(t, 2, result.Attempts)
	require.Len(t, result.Download.Artifacts, 1)
}
