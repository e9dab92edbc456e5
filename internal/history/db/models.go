package db

import (
	"database/sql"
)

type Run struct {
	ID           string
	Trigger      string
	Filter       string
	StartedAt    int64
	FinishedAt   int64
	Cancelled    bool
	Outcome      string
	Succeeded    int64
	Partial      int64
	Failed       int64
	ErrorSummary string
	Report       string
}

type Artifact struct {
	RunID       string
	AccountID   string
	ReportType  string
	FileName    string
	RowCount    int64
	GeneratedAt int64
}

type TriggerStatus struct {
	ID      int64
	Trigger string
	FiredAt int64
	Status  string
	RunID   sql.NullString
	Detail  string
}
