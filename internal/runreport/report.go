// Package runreport tracks each account of a run through its stages and
// produces the run report that is rendered, stored and sent out.
package runreport

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the outcome of one account.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// ArtifactRef points at a normalized report file.
type ArtifactRef struct {
	ReportType  string    `json:"report_type"`
	FileName    string    `json:"file_name"`
	Path        string    `json:"path"`
	RowCount    int       `json:"row_count"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Entry is the outcome of one account.
type Entry struct {
	AccountID string `json:"account_id"`
	Status    Status `json:"status"`
	Stage     Stage  `json:"stage"`
	// FailedStage is the last non-terminal stage reached when the account did
	// not fully succeed.
	FailedStage Stage         `json:"failed_stage,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	Artifacts   []ArtifactRef `json:"artifacts"`
	// RetainedRaw are raw downloads kept on disk because they could not be
	// normalized.
	RetainedRaw       []string  `json:"retained_raw,omitempty"`
	Attempts          int       `json:"attempts"`
	ReportsAttempted  int       `json:"reports_attempted"`
	ReportsDownloaded int       `json:"reports_downloaded"`
	StartedAt         time.Time `json:"started_at,omitzero"`
	FinishedAt        time.Time `json:"finished_at,omitzero"`
}

func (e Entry) clone() Entry {
	e.Artifacts = slices.Clone(e.Artifacts)
	e.RetainedRaw = slices.Clone(e.RetainedRaw)
	return e
}

// Report is the record of one run, entries follow the configured account
// order.
type Report struct {
	RunID      string    `json:"run_id"`
	Trigger    string    `json:"trigger"`
	Filter     string    `json:"filter"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Cancelled  bool      `json:"cancelled"`
	Accounts   []Entry   `json:"accounts"`
}

func (r Report) Clone() Report {
	accounts := make([]Entry, len(r.Accounts))
	for i, e := range r.Accounts {
		accounts[i] = e.clone()
	}
	r.Accounts = accounts
	return r
}

func (r Report) Counts() (success, partial, failed int) {
	for _, e := range r.Accounts {
		switch e.Status {
		case StatusSuccess:
			success++
		case StatusPartial:
			partial++
		case StatusFailed:
			failed++
		}
	}
	return success, partial, failed
}

// Outcome summarizes the run: success when every account succeeded, failed
// when none produced anything, partial otherwise.
func (r Report) Outcome() Status {
	success, _, failed := r.Counts()
	switch {
	case success == len(r.Accounts):
		return StatusSuccess
	case failed == len(r.Accounts):
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Artifacts lists every normalized report of the run in account order.
func (r Report) Artifacts() []ArtifactRef {
	var out []ArtifactRef
	for _, e := range r.Accounts {
		out = append(out, e.Artifacts...)
	}
	return out
}

func (r Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ErrorSummary groups accounts that did not fully succeed by error kind,
// "invalid credentials: b, c | download timed out: d". Empty when nothing
// failed.
func (r Report) ErrorSummary() string {
	groups := map[string][]string{}
	var kinds []string
	for _, e := range r.Accounts {
		if e.Status == StatusSuccess {
			continue
		}
		kind := e.ErrorKind
		if kind == "" {
			kind = "unknown error"
		}
		if _, ok := groups[kind]; !ok {
			kinds = append(kinds, kind)
		}
		groups[kind] = append(groups[kind], e.AccountID)
	}
	sort.Strings(kinds)

	parts := make([]string, len(kinds))
	for i, kind := range kinds {
		parts[i] = fmt.Sprintf("%s: %s", kind, strings.Join(groups[kind], ", "))
	}
	return strings.Join(parts, " | ")
}

// Builder accumulates a report while accounts are processed concurrently.
// Each account is only ever touched through its own index.
type Builder struct {
	mutex    sync.Mutex
	report   Report
	trackers []*Tracker
	finished bool
}

func NewBuilder(runID, trigger, filter string, startedAt time.Time, accountIDs []string) *Builder {
	entries := make([]Entry, len(accountIDs))
	trackers := make([]*Tracker, len(accountIDs))
	for i, id := range accountIDs {
		entries[i] = Entry{AccountID: id, Stage: StagePending, Artifacts: []ArtifactRef{}}
		trackers[i] = NewTracker()
	}
	return &Builder{
		report: Report{
			RunID:     runID,
			Trigger:   trigger,
			Filter:    filter,
			StartedAt: startedAt,
			Accounts:  entries,
		},
		trackers: trackers,
	}
}

// ErrFinished is returned by mutations after Finish.
var ErrFinished = fmt.Errorf("run report is already finished")

// Advance moves account i to the next stage.
func (b *Builder) Advance(i int, next Stage) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.finished {
		return ErrFinished
	}

	err := b.trackers[i].Advance(next)
	if err != nil {
		return fmt.Errorf("account %s: %w", b.report.Accounts[i].AccountID, err)
	}
	b.report.Accounts[i].Stage = next
	return nil
}

// Stage returns the current stage of account i.
func (b *Builder) Stage(i int) Stage {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.trackers[i].Stage()
}

// Update edits account i's entry (everything but its stage).
func (b *Builder) Update(i int, fn func(e *Entry)) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.finished {
		return ErrFinished
	}

	stage := b.report.Accounts[i].Stage
	fn(&b.report.Accounts[i])
	b.report.Accounts[i].Stage = stage
	return nil
}

// Stages lists every stage account i has entered so far, retries included.
func (b *Builder) Stages(i int) []Stage {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.trackers[i].History()
}

// Done counts accounts that reached a terminal stage.
func (b *Builder) Done() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	n := 0
	for _, t := range b.trackers {
		if t.Stage().Terminal() {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the report as it currently is.
func (b *Builder) Snapshot() Report {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.report.Clone()
}

// Finish freezes the builder, accounts still in a non-terminal stage are
// failed with kind.
func (b *Builder) Finish(finishedAt time.Time, cancelled bool, kind, detail string) Report {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.finished {
		for i, t := range b.trackers {
			if t.Stage().Terminal() {
				continue
			}
			e := &b.report.Accounts[i]
			e.FailedStage = t.Stage()
			_ = t.Advance(StageFailed)
			e.Stage = StageFailed
			e.Status = StatusFailed
			e.ErrorKind = kind
			e.ErrorDetail = detail
			if e.FinishedAt.IsZero() && !e.StartedAt.IsZero() {
				e.FinishedAt = finishedAt
			}
		}
		b.report.FinishedAt = finishedAt
		b.report.Cancelled = cancelled
		b.finished = true
	}
	return b.report.Clone()
}
