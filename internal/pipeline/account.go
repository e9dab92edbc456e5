package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"classreports/internal/credentials"
	"classreports/internal/filter"
	"classreports/internal/portal"
	"classreports/internal/runreport"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	report_account       = "coordinator.account"
	report_remove_raw    = "coordinator.remove-raw"
	report_normalize_raw = "coordinator.normalize"
)

type failure struct {
	stage runreport.Stage
	err   error
}

// runAccount takes one account from pending to a terminal stage.
func (c *Coordinator) runAccount(ctx context.Context, b *runreport.Builder, i int, account credentials.Account, query filter.Query) {
	ctx, cancel := context.WithTimeout(ctx, c.config.AccountTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Account", trace.WithAttributes(
		attribute.String("account_id", account.ID),
	))
	defer span.End()

	types := query.ReportTypes()
	c.update(b, i, func(e *runreport.Entry) {
		e.StartedAt = c.clock.Now()
		e.ReportsAttempted = len(types)
	})

	result, err := c.fetcher.Fetch(ctx, account, query, portal.Hooks{
		Authenticating: func(attempt int) {
			c.advance(b, i, runreport.StageAuthenticating)
			c.update(b, i, func(e *runreport.Entry) { e.Attempts = attempt })
		},
		Filtering: func() {
			c.advance(b, i, runreport.StageFiltering)
		},
	})
	c.update(b, i, func(e *runreport.Entry) { e.Attempts = result.Attempts })

	if err != nil && !errors.Is(err, portal.ErrNoMatchingReports) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.fail(b, i, failure{stage: failedStage(err, b.Stage(i)), err: err}, nil)
		return
	}

	c.advance(b, i, runreport.StageDownloading)
	download := result.Download
	c.update(b, i, func(e *runreport.Entry) { e.ReportsDownloaded = download.Downloaded() })

	var failures []failure
	for _, t := range types {
		if ferr, ok := download.Failed[t]; ok {
			failures = append(failures, failure{stage: runreport.StageDownloading, err: ferr})
		}
	}

	c.advance(b, i, runreport.StageNormalizing)
	var refs []runreport.ArtifactRef
	var retained []string
	for _, artifact := range download.Artifacts {
		report, nerr := c.normalizer.Normalize(artifact.RawPath, account.ID, artifact.ReportType)
		if nerr != nil {
			c.tel.ReportWarning(report_normalize_raw, account.ID, artifact.ReportType.String(), nerr)
			failures = append(failures, failure{stage: runreport.StageNormalizing, err: nerr})
			retained = append(retained, artifact.RawPath)
			continue
		}

		rerr := os.Remove(artifact.RawPath)
		if rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			c.tel.ReportWarning(report_remove_raw, rerr)
		}
		refs = append(refs, runreport.ArtifactRef{
			ReportType:  report.ReportType.String(),
			FileName:    filepath.Base(report.Path),
			Path:        report.Path,
			RowCount:    report.RowCount,
			GeneratedAt: report.GeneratedAt,
		})
	}

	c.update(b, i, func(e *runreport.Entry) {
		e.Artifacts = refs
		e.RetainedRaw = retained
	})

	if len(failures) == 0 {
		c.update(b, i, func(e *runreport.Entry) {
			e.Status = runreport.StatusSuccess
			e.FinishedAt = c.clock.Now()
		})
		c.advance(b, i, runreport.StageSucceeded)
		return
	}

	for _, f := range failures {
		span.RecordError(f.err)
	}
	span.SetStatus(codes.Error, failures[0].err.Error())

	if len(refs) > 0 {
		c.update(b, i, func(e *runreport.Entry) {
			e.Status = runreport.StatusPartial
			e.FailedStage = failures[0].stage
			e.ErrorKind = classify(failures[0].err)
			e.ErrorDetail = joinFailures(failures)
			e.FinishedAt = c.clock.Now()
		})
		c.advance(b, i, runreport.StagePartial)
		return
	}
	c.fail(b, i, failures[0], failures)
}

// fail marks the account failed at f.stage, all is every failure when there
// was more than one.
func (c *Coordinator) fail(b *runreport.Builder, i int, f failure, all []failure) {
	detail := f.err.Error()
	if len(all) > 1 {
		detail = joinFailures(all)
	}
	c.update(b, i, func(e *runreport.Entry) {
		e.Status = runreport.StatusFailed
		e.FailedStage = f.stage
		e.ErrorKind = classify(f.err)
		e.ErrorDetail = detail
		e.FinishedAt = c.clock.Now()
	})
	c.advance(b, i, runreport.StageFailed)
	c.tel.ReportDebug("account failed", b.Snapshot().Accounts[i].AccountID, string(f.stage), b.Stages(i), f.err)
}

func joinFailures(failures []failure) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = f.err.Error()
	}
	return strings.Join(parts, "; ")
}

// advance and update only fail on a programming error or after the run was
// finished, neither should stop the account.
func (c *Coordinator) advance(b *runreport.Builder, i int, stage runreport.Stage) {
	err := b.Advance(i, stage)
	if err != nil && !errors.Is(err, runreport.ErrFinished) {
		c.tel.ReportBroken(report_account, err)
	}
}

func (c *Coordinator) update(b *runreport.Builder, i int, fn func(e *runreport.Entry)) {
	err := b.Update(i, fn)
	if err != nil && !errors.Is(err, runreport.ErrFinished) {
		c.tel.ReportBroken(report_account, err)
	}
}
