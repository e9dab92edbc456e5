package runreport

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var started = time.Date(2024, time.March, 10, 6, 0, 0, 0, time.UTC)

func TestTrackerTransitions(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Advance(StageAuthenticating))
	require.NoError(t, tr.Advance(StageFiltering))
	require.NoError(t, tr.Advance(StageDownloading))

	// a retry starts a new session
	require.NoError(t, tr.Advance(StageAuthenticating))
	require.NoError(t, tr.Advance(StageFiltering))
	require.NoError(t, tr.Advance(StageDownloading))

	require.ErrorAs(t, tr.Advance(StageSucceeded), &InvalidTransitionError{}, "must normalize first")
	require.ErrorAs(t, tr.Advance(StageFiltering), &InvalidTransitionError{}, "no going backwards")

	require.NoError(t, tr.Advance(StageNormalizing))
	require.NoError(t, tr.Advance(StagePartial))

	for _, next := range []Stage{StageFailed, StageSucceeded, StageAuthenticating} {
		require.ErrorAs(t, tr.Advance(next), &InvalidTransitionError{}, "terminal stays terminal")
	}

	require.Equal(t, []Stage{
		StagePending,
		StageAuthenticating, StageFiltering, StageDownloading,
		StageAuthenticating, StageFiltering, StageDownloading,
		StageNormalizing, StagePartial,
	}, tr.History())
}

func TestTrackerFailFromAnyStage(t *testing.T) {
	for _, stage := range []Stage{StagePending, StageAuthenticating, StageFiltering, StageDownloading, StageNormalizing} {
		tr := &Tracker{stage: stage}
		require.NoError(t, tr.Advance(StageFailed), stage)
		require.Equal(t, StageFailed, tr.Stage())
	}
}

func TestBuilder(t *testing.T) {
	b := NewBuilder("run-1", "manual", "last_7_days [skill]", started, []string{"a", "b", "c"})

	require.NoError(t, b.Advance(0, StageAuthenticating))
	require.NoError(t, b.Advance(0, StageFiltering))
	require.NoError(t, b.Advance(0, StageDownloading))
	require.NoError(t, b.Advance(0, StageNormalizing))
	require.NoError(t, b.Update(0, func(e *Entry) {
		e.Status = StatusSuccess
		e.Artifacts = append(e.Artifacts, ArtifactRef{ReportType: "skill", FileName: "a_skill.xlsx", RowCount: 4})
		// the stage can only be changed through Advance
		e.Stage = StageFailed
	}))
	require.NoError(t, b.Advance(0, StageSucceeded))

	require.NoError(t, b.Advance(1, StageAuthenticating))
	require.NoError(t, b.Update(1, func(e *Entry) {
		e.Status = StatusFailed
		e.FailedStage = StageAuthenticating
		e.ErrorKind = "invalid credentials"
	}))
	require.NoError(t, b.Advance(1, StageFailed))
	require.Equal(t, 2, b.Done())
	require.Equal(t, []Stage{StagePending, StageAuthenticating, StageFailed}, b.Stages(1))
	require.Equal(t, []Stage{StagePending}, b.Stages(2))

	snapshot := b.Snapshot()
	snapshot.Accounts[0].Artifacts[0].RowCount = 1000

	report := b.Finish(started.Add(time.Minute), true, "cancelled", "run cancelled before the account started")
	require.Equal(t, 4, report.Accounts[0].Artifacts[0].RowCount, "snapshots are copies")
	require.True(t, report.Cancelled)
	require.Equal(t, []string{"a", "b", "c"}, []string{report.Accounts[0].AccountID, report.Accounts[1].AccountID, report.Accounts[2].AccountID})

	c := report.Accounts[2]
	require.Equal(t, StatusFailed, c.Status)
	require.Equal(t, StageFailed, c.Stage)
	require.Equal(t, StagePending, c.FailedStage)
	require.Equal(t, "cancelled", c.ErrorKind)

	require.ErrorIs(t, b.Advance(2, StageAuthenticating), ErrFinished)
	require.ErrorIs(t, b.Update(2, func(e *Entry) {}), ErrFinished)

	again := b.Finish(started.Add(time.Hour), false, "", "")
	require.Equal(t, report, again, "finish is idempotent")
}

func TestOutcomeAndSummary(t *testing.T) {
	report := Report{Accounts: []Entry{
		{AccountID: "a", Status: StatusSuccess},
		{AccountID: "b", Status: StatusFailed, ErrorKind: "invalid credentials"},
		{AccountID: "c", Status: StatusFailed, ErrorKind: "invalid credentials"},
		{AccountID: "d", Status: StatusPartial, ErrorKind: "download timed out"},
	}}

	success, partial, failed := report.Counts()
	require.Equal(t, []int{1, 1, 2}, []int{success, partial, failed})
	require.Equal(t, StatusPartial, report.Outcome())
	require.Equal(t, "download timed out: d | invalid credentials: b, c", report.ErrorSummary())

	require.Equal(t, StatusSuccess, Report{Accounts: []Entry{{Status: StatusSuccess}}}.Outcome())
	require.Equal(t, StatusFailed, Report{Accounts: []Entry{{Status: StatusFailed}}}.Outcome())
	require.Empty(t, Report{Accounts: []Entry{{Status: StatusSuccess}}}.ErrorSummary())
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	sink := FileSink{Dir: dir}

	report := Report{
		RunID:      "run-1",
		Trigger:    "schedule",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Accounts: []Entry{{
			AccountID: "a",
			Status:    StatusSuccess,
			Stage:     StageSucceeded,
			Artifacts: []ArtifactRef{{ReportType: "skill", FileName: "a_skill_20240310-060000.xlsx", RowCount: 2, GeneratedAt: started}},
		}},
	}
	require.NoError(t, sink.RunFinished(context.Background(), report))

	read, err := ReadJSON(filepath.Join(dir, LastRunFile))
	require.NoError(t, err)
	require.Equal(t, report.RunID, read.RunID)
	require.Equal(t, report.Accounts[0].Artifacts, read.Accounts[0].Artifacts)
	require.True(t, read.FinishedAt.Equal(report.FinishedAt))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files are left behind")
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	Render(&buf, Report{
		RunID:      "run-1",
		Trigger:    "manual",
		Filter:     "today [skill]",
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Accounts: []Entry{
			{AccountID: "a", Status: StatusSuccess, Stage: StageSucceeded, ReportsAttempted: 1, ReportsDownloaded: 1},
			{AccountID: "b", Status: StatusFailed, Stage: StageFailed, FailedStage: StageAuthenticating, ErrorKind: "invalid credentials"},
		},
	})

	out := buf.String()
	require.Contains(t, out, "1 succeeded, 0 partial, 1 failed")
	require.Contains(t, out, "failed (at authenticating)")
	require.Contains(t, out, "failures: invalid credentials: b")
}
