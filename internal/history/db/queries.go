package db

import (
	"context"
	"database/sql"
)

const createRun = `
insert into Run (
    id, triggeredBy, selection, startedAt, finishedAt, cancelled, outcome,
    succeeded, partial, failed, errorSummary, report
) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
on conflict (id) do update set
    finishedAt = excluded.finishedAt,
    cancelled = excluded.cancelled,
    outcome = excluded.outcome,
    succeeded = excluded.succeeded,
    partial = excluded.partial,
    failed = excluded.failed,
    errorSummary = excluded.errorSummary,
    report = excluded.report
`

type CreateRunParams = Run

func (q *Queries) CreateRun(ctx context.Context, arg CreateRunParams) error {
	_, err := q.db.ExecContext(ctx, createRun,
		arg.ID,
		arg.Trigger,
		arg.Filter,
		arg.StartedAt,
		arg.FinishedAt,
		arg.Cancelled,
		arg.Outcome,
		arg.Succeeded,
		arg.Partial,
		arg.Failed,
		arg.ErrorSummary,
		arg.Report,
	)
	return err
}

const deleteArtifacts = `
delete from Artifact where runId = ?
`

func (q *Queries) DeleteArtifacts(ctx context.Context, runID string) error {
	_, err := q.db.ExecContext(ctx, deleteArtifacts, runID)
	return err
}

const createArtifact = `
insert into Artifact (runId, accountId, reportType, fileName, rowCount, generatedAt)
values (?, ?, ?, ?, ?, ?)
`

type CreateArtifactParams = Artifact

func (q *Queries) CreateArtifact(ctx context.Context, arg CreateArtifactParams) error {
	_, err := q.db.ExecContext(ctx, createArtifact,
		arg.RunID,
		arg.AccountID,
		arg.ReportType,
		arg.FileName,
		arg.RowCount,
		arg.GeneratedAt,
	)
	return err
}

const runColumns = `id, triggeredBy, selection, startedAt, finishedAt, cancelled, outcome, succeeded, partial, failed, errorSummary, report`

func scanRun(row interface{ Scan(dest ...any) error }) (Run, error) {
	var r Run
	err := row.Scan(
		&r.ID,
		&r.Trigger,
		&r.Filter,
		&r.StartedAt,
		&r.FinishedAt,
		&r.Cancelled,
		&r.Outcome,
		&r.Succeeded,
		&r.Partial,
		&r.Failed,
		&r.ErrorSummary,
		&r.Report,
	)
	return r, err
}

const getRun = `
select ` + runColumns + ` from Run where id = ?
`

func (q *Queries) GetRun(ctx context.Context, id string) (Run, error) {
	return scanRun(q.db.QueryRowContext(ctx, getRun, id))
}

const getLatestRun = `
select ` + runColumns + ` from Run order by startedAt desc, rowid desc limit 1
`

func (q *Queries) GetLatestRun(ctx context.Context) (Run, error) {
	return scanRun(q.db.QueryRowContext(ctx, getLatestRun))
}

const listRuns = `
select ` + runColumns + ` from Run order by startedAt desc, rowid desc limit ?
`

func (q *Queries) ListRuns(ctx context.Context, limit int64) ([]Run, error) {
	rows, err := q.db.QueryContext(ctx, listRuns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getRunOfFile = `
select runId from Artifact where fileName = ? order by generatedAt desc limit 1
`

func (q *Queries) GetRunOfFile(ctx context.Context, fileName string) (string, error) {
	var runID string
	err := q.db.QueryRowContext(ctx, getRunOfFile, fileName).Scan(&runID)
	return runID, err
}

const createTriggerStatus = `
insert into TriggerStatus (triggeredBy, firedAt, status, runId, detail)
values (?, ?, ?, ?, ?)
`

type CreateTriggerStatusParams struct {
	Trigger string
	FiredAt int64
	Status  string
	RunID   sql.NullString
	Detail  string
}

func (q *Queries) CreateTriggerStatus(ctx context.Context, arg CreateTriggerStatusParams) error {
	_, err := q.db.ExecContext(ctx, createTriggerStatus,
		arg.Trigger,
		arg.FiredAt,
		arg.Status,
		arg.RunID,
		arg.Detail,
	)
	return err
}

const listTriggerStatuses = `
select id, triggeredBy, firedAt, status, runId, detail from TriggerStatus
order by firedAt desc, id desc limit ?
`

func (q *Queries) ListTriggerStatuses(ctx context.Context, limit int64) ([]TriggerStatus, error) {
	rows, err := q.db.QueryContext(ctx, listTriggerStatuses, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []TriggerStatus
	for rows.Next() {
		var i TriggerStatus
		err := rows.Scan(&i.ID, &i.Trigger, &i.FiredAt, &i.Status, &i.RunID, &i.Detail)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
