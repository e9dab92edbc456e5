package history

import (
	"context"
	"testing"
	"time"

	"classreports/internal/history/db"
	"classreports/internal/runreport"
	"classreports/pkg/migrations"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) Store {
	database, err := migrations.OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, migrations.Migrate(context.Background(), database, db.Schema))
	return NewStore(database)
}

func run(id string, started time.Time, entries ...runreport.Entry) runreport.Report {
	return runreport.Report{
		RunID:      id,
		Trigger:    "schedule",
		Filter:     "last 7 days: skill",
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Minute),
		Accounts:   entries,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	started := time.Date(2024, time.March, 10, 6, 0, 0, 0, time.UTC)

	first := run("run-1", started,
		runreport.Entry{
			AccountID: "a",
			Status:    runreport.StatusSuccess,
			Stage:     runreport.StageSucceeded,
			Artifacts: []runreport.ArtifactRef{{
				ReportType:  "skill",
				FileName:    "a_skill_20240310-060000.xlsx",
				Path:        "/reports/a_skill_20240310-060000.xlsx",
				RowCount:    12,
				GeneratedAt: started.Add(time.Minute),
			}},
		},
		runreport.Entry{
			AccountID:   "b",
			Status:      runreport.StatusFailed,
			Stage:       runreport.StageFailed,
			FailedStage: runreport.StageAuthenticating,
			ErrorKind:   "invalid credentials",
			Artifacts:   []runreport.ArtifactRef{},
		},
	)
	second := run("run-2", started.Add(24*time.Hour), runreport.Entry{
		AccountID: "a",
		Status:    runreport.StatusSuccess,
		Stage:     runreport.StageSucceeded,
		Artifacts: []runreport.ArtifactRef{},
	})

	require.NoError(t, store.RunFinished(ctx, first))
	require.NoError(t, store.Save(ctx, second))
	// saving again replaces
	require.NoError(t, store.Save(ctx, first))

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", got.RunID)
	require.Len(t, got.Accounts, 2)
	require.Equal(t, runreport.StageAuthenticating, got.Accounts[1].FailedStage)
	require.Equal(t, 12, got.Accounts[0].Artifacts[0].RowCount)
	require.True(t, got.StartedAt.Equal(started))

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, "run-2", latest.RunID)

	summaries, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "run-2", summaries[0].RunID)
	require.Equal(t, runreport.StatusSuccess, summaries[0].Outcome)

	require.Equal(t, "run-1", summaries[1].RunID)
	require.Equal(t, runreport.StatusPartial, summaries[1].Outcome)
	require.Equal(t, 1, summaries[1].Succeeded)
	require.Equal(t, 1, summaries[1].Failed)
	require.Equal(t, "invalid credentials: b", summaries[1].ErrorSummary)
	require.True(t, summaries[1].StartedAt.Equal(started))

	limited, err := store.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	runID, err := store.RunOfFile(ctx, "a_skill_20240310-060000.xlsx")
	require.NoError(t, err)
	require.Equal(t, "run-1", runID)
}

func TestStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Latest(ctx)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.RunOfFile(ctx, "missing.xlsx")
	require.ErrorIs(t, err, ErrNotFound)

	summaries, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, summaries)
}

func TestTriggerStatuses(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	fired := time.Date(2024, time.March, 11, 6, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordTrigger(ctx, TriggerStatus{
		Trigger: "schedule",
		FiredAt: fired,
		Status:  "ok",
		RunID:   "run-1",
	}))
	require.NoError(t, store.RecordTrigger(ctx, TriggerStatus{
		Trigger: "schedule",
		FiredAt: fired.Add(time.Hour),
		Status:  "skipped: run already in progress",
	}))

	statuses, err := store.Triggers(ctx, 0)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.Equal(t, "skipped: run already in progress", statuses[0].Status)
	require.Empty(t, statuses[0].RunID)
	require.Equal(t, "run-1", statuses[1].RunID)
	require.True(t, statuses[1].FiredAt.Equal(fired))
}
