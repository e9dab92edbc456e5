// Package scheduler fires runs on a cron schedule and records what became of
// each trigger.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"classreports/internal/components/assert"
	"classreports/internal/components/chrono"
	"classreports/internal/components/telemetry"
	"classreports/internal/credentials"
	"classreports/internal/filter"
	"classreports/internal/history"
	"classreports/internal/pipeline"
	"classreports/internal/runreport"
)

const (
	report_job_record = "job.record-status"
	report_job_run    = "job.run"
)

// DefaultSpec fires every monday at 06:00.
const DefaultSpec = "0 6 * * 1"

// DefaultTimeout bounds a scheduled run.
const DefaultTimeout = time.Hour

const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped: run already in progress"
)

// Runner is the part of the coordinator a job needs.
type Runner interface {
	Run(ctx context.Context, accounts []credentials.Account, sel filter.Selection) (runreport.Report, error)
}

// Recorder keeps trigger outcomes.
type Recorder interface {
	RecordTrigger(ctx context.Context, status history.TriggerStatus) error
}

// Job is one scheduled run. Accounts and the selection are loaded again every
// time it fires so edits to the users file and a filter saved through the api
// are picked up without a restart.
type Job struct {
	runner       Runner
	loadAccounts func() ([]credentials.Account, error)
	selection    func() (filter.Selection, error)
	recorder     Recorder
	clock        chrono.API
	tel          telemetry.API
	timeout      time.Duration
}

func NewJob(
	runner Runner,
	loadAccounts func() ([]credentials.Account, error),
	selection func() (filter.Selection, error),
	recorder Recorder,
	clock chrono.API,
	tel telemetry.API,
	timeout time.Duration,
) *Job {
	assert.NotNil(runner)
	assert.NotNil(loadAccounts)
	assert.NotNil(selection)
	assert.NotNil(recorder)
	assert.NotNil(clock)
	assert.NotNil(tel)
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Job{
		runner:       runner,
		loadAccounts: loadAccounts,
		selection:    selection,
		recorder:     recorder,
		clock:        clock,
		tel:          telemetry.NewScopedAPI("scheduler", tel),
		timeout:      timeout,
	}
}

// Run executes the job once and records the outcome.
func (j *Job) Run(ctx context.Context) history.TriggerStatus {
	status := history.TriggerStatus{
		Trigger: string(pipeline.TriggerSchedule),
		FiredAt: j.clock.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	ctx = pipeline.WithTrigger(ctx, pipeline.TriggerSchedule)

	report, err := j.run(ctx)
	switch {
	case errors.Is(err, pipeline.ErrRunAlreadyInProgress):
		status.Status = StatusSkipped
		j.tel.ReportWarning(report_job_run, StatusSkipped)
	case err != nil:
		status.Status = StatusFailed
		status.Detail = err.Error()
		j.tel.ReportBroken(report_job_run, err)
	case len(report.Accounts) > 0 && report.Outcome() == runreport.StatusFailed:
		status.Status = StatusFailed
		status.RunID = report.RunID
		status.Detail = report.ErrorSummary()
		j.tel.ReportWarning(report_job_run, report.RunID, status.Detail)
	default:
		status.Status = StatusOK
		status.RunID = report.RunID
		switch {
		case report.Cancelled && errors.Is(ctx.Err(), context.DeadlineExceeded):
			status.Detail = fmt.Sprintf("run timed out after %s", j.timeout)
		case report.Cancelled:
			status.Detail = "run cancelled"
		default:
			status.Detail = report.ErrorSummary()
		}
		j.tel.ReportDebug("scheduled run finished", report.RunID, string(report.Outcome()))
	}

	// the run context may be done, recording still has to happen
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelRecord()
	err = j.recorder.RecordTrigger(recordCtx, status)
	if err != nil {
		j.tel.ReportBroken(report_job_record, err)
	}
	return status
}

func (j *Job) run(ctx context.Context) (runreport.Report, error) {
	sel, err := j.selection()
	if err != nil {
		return runreport.Report{}, fmt.Errorf("load filter: %w", err)
	}
	accounts, err := j.loadAccounts()
	if err != nil {
		return runreport.Report{}, fmt.Errorf("load accounts: %w", err)
	}
	return j.runner.Run(ctx, accounts, sel)
}

// Schedule registers job on cron, every firing runs under ctx.
func Schedule(ctx context.Context, cron chrono.CronAPI, spec string, job *Job) error {
	assert.NotNil(cron)
	assert.NotNil(job)
	if spec == "" {
		spec = DefaultSpec
	}
	err := cron.Cron(spec, func() {
		job.Run(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	return nil
}
