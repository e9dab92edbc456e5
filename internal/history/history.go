// Package history keeps finished run reports and scheduler trigger outcomes
// in a sqlite (or libsql) database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"classreports/internal/components/assert"
	"classreports/internal/history/db"
	"classreports/internal/runreport"
	"classreports/pkg/migrations"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("classreports/internal/history")

const DefaultListLimit = 20

// ErrNotFound is returned when no run matches.
var ErrNotFound = errors.New("run not found")

// Summary is a row of the run history.
type Summary struct {
	RunID        string           `json:"run_id"`
	Trigger      string           `json:"trigger"`
	Filter       string           `json:"filter"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Cancelled    bool             `json:"cancelled"`
	Outcome      runreport.Status `json:"outcome"`
	Succeeded    int              `json:"succeeded"`
	Partial      int              `json:"partial"`
	Failed       int              `json:"failed"`
	ErrorSummary string           `json:"error_summary,omitempty"`
}

// TriggerStatus is what happened when a trigger fired.
type TriggerStatus struct {
	Trigger string    `json:"trigger"`
	FiredAt time.Time `json:"fired_at"`
	// Status is "ok", "failed" or "skipped: run already in progress".
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type Store struct {
	db  *sql.DB
	qry *db.Queries
}

func NewStore(database *sql.DB) Store {
	assert.NotNil(database)
	return Store{
		db:  database,
		qry: db.New(database),
	}
}

// Open opens the configured database and migrates it.
func Open(ctx context.Context, config migrations.Config) (Store, *sql.DB, error) {
	database, err := config.OpenAndMigrate(ctx, db.Schema)
	if err != nil {
		return Store{}, nil, err
	}
	return NewStore(database), database, nil
}

// Save records a finished run, saving the same run again replaces it.
func (s Store) Save(ctx context.Context, report runreport.Report) error {
	ctx, span := tracer.Start(ctx, "Save")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", report.RunID))

	err := s.save(ctx, report)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("save run %s: %w", report.RunID, err)
	}
	return nil
}

func (s Store) save(ctx context.Context, report runreport.Report) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	success, partial, failed := report.Counts()
	err = txqry.CreateRun(ctx, db.CreateRunParams{
		ID:           report.RunID,
		Trigger:      report.Trigger,
		Filter:       report.Filter,
		StartedAt:    report.StartedAt.UnixMilli(),
		FinishedAt:   report.FinishedAt.UnixMilli(),
		Cancelled:    report.Cancelled,
		Outcome:      string(report.Outcome()),
		Succeeded:    int64(success),
		Partial:      int64(partial),
		Failed:       int64(failed),
		ErrorSummary: report.ErrorSummary(),
		Report:       string(encoded),
	})
	if err != nil {
		return err
	}

	err = txqry.DeleteArtifacts(ctx, report.RunID)
	if err != nil {
		return err
	}
	for _, e := range report.Accounts {
		for _, a := range e.Artifacts {
			err = txqry.CreateArtifact(ctx, db.CreateArtifactParams{
				RunID:       report.RunID,
				AccountID:   e.AccountID,
				ReportType:  a.ReportType,
				FileName:    a.FileName,
				RowCount:    int64(a.RowCount),
				GeneratedAt: a.GeneratedAt.UnixMilli(),
			})
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// RunFinished saves every run the coordinator finishes.
func (s Store) RunFinished(ctx context.Context, report runreport.Report) error {
	return s.Save(ctx, report)
}

func summaryOf(row db.Run) Summary {
	return Summary{
		RunID:        row.ID,
		Trigger:      row.Trigger,
		Filter:       row.Filter,
		StartedAt:    time.UnixMilli(row.StartedAt),
		FinishedAt:   time.UnixMilli(row.FinishedAt),
		Cancelled:    row.Cancelled,
		Outcome:      runreport.Status(row.Outcome),
		Succeeded:    int(row.Succeeded),
		Partial:      int(row.Partial),
		Failed:       int(row.Failed),
		ErrorSummary: row.ErrorSummary,
	}
}

func reportOf(row db.Run, err error) (runreport.Report, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return runreport.Report{}, ErrNotFound
	}
	if err != nil {
		return runreport.Report{}, err
	}
	var report runreport.Report
	err = json.Unmarshal([]byte(row.Report), &report)
	if err != nil {
		return runreport.Report{}, fmt.Errorf("decode run %s: %w", row.ID, err)
	}
	return report, nil
}

// List returns the most recent runs first, limit <= 0 means
// DefaultListLimit.
func (s Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.qry.ListRuns(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]Summary, len(rows))
	for i, r := range rows {
		out[i] = summaryOf(r)
	}
	return out, nil
}

func (s Store) Get(ctx context.Context, runID string) (runreport.Report, error) {
	return reportOf(s.qry.GetRun(ctx, runID))
}

func (s Store) Latest(ctx context.Context) (runreport.Report, error) {
	return reportOf(s.qry.GetLatestRun(ctx))
}

// RunOfFile finds the run that produced a report file.
func (s Store) RunOfFile(ctx context.Context, fileName string) (string, error) {
	runID, err := s.qry.GetRunOfFile(ctx, fileName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return runID, err
}

func (s Store) RecordTrigger(ctx context.Context, status TriggerStatus) error {
	err := s.qry.CreateTriggerStatus(ctx, db.CreateTriggerStatusParams{
		Trigger: status.Trigger,
		FiredAt: status.FiredAt.UnixMilli(),
		Status:  status.Status,
		RunID:   sql.NullString{String: status.RunID, Valid: status.RunID != ""},
		Detail:  status.Detail,
	})
	if err != nil {
		return fmt.Errorf("record trigger status: %w", err)
	}
	return nil
}

func (s Store) Triggers(ctx context.Context, limit int) ([]TriggerStatus, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.qry.ListTriggerStatuses(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list trigger statuses: %w", err)
	}
	out := make([]TriggerStatus, len(rows))
	for i, r := range rows {
		out[i] = TriggerStatus{
			Trigger: r.Trigger,
			FiredAt: time.UnixMilli(r.FiredAt),
			Status:  r.Status,
			RunID:   r.RunID.String,
			Detail:  r.Detail,
		}
	}
	return out, nil
}
