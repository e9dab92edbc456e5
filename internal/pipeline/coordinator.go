// Package pipeline runs every configured account through the portal and the
// normalizer, one run at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"classreports/internal/components/assert"
	"classreports/internal/components/chrono"
	"classreports/internal/components/telemetry"
	"classreports/internal/credentials"
	"classreports/internal/filter"
	"classreports/internal/normalize"
	"classreports/internal/portal"
	"classreports/internal/runlock"
	"classreports/internal/runreport"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("classreports/internal/pipeline")

const (
	report_run_listener = "coordinator.run-listener"
	report_run_start    = "coordinator.run-start"
	report_accounts_ok  = "coordinator.accounts-succeeded"
	report_accounts_bad = "coordinator.accounts-failed"
)

const (
	MaxWorkers            = 4
	DefaultAccountTimeout = 10 * time.Minute
	DefaultGracePeriod    = 30 * time.Second
	listenerTimeout       = 2 * time.Minute
)

// ErrRunAlreadyInProgress is returned by Run and Start while another run
// holds the run lock.
var ErrRunAlreadyInProgress = runlock.ErrRunAlreadyInProgress

// Trigger says what started a run.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerAPI      Trigger = "api"
)

type triggerKey struct{}

// WithTrigger marks the runs started with ctx as started by trigger, runs
// default to TriggerManual.
func WithTrigger(ctx context.Context, trigger Trigger) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

func triggerOf(ctx context.Context) Trigger {
	trigger, ok := ctx.Value(triggerKey{}).(Trigger)
	if !ok {
		return TriggerManual
	}
	return trigger
}

// Listener is told about every finished run, errors are logged and do not
// change the report.
type Listener interface {
	RunFinished(ctx context.Context, report runreport.Report) error
}

type ListenerFunc func(ctx context.Context, report runreport.Report) error

func (f ListenerFunc) RunFinished(ctx context.Context, report runreport.Report) error {
	return f(ctx, report)
}

// Normalizer turns one raw download into a report file.
type Normalizer interface {
	Normalize(rawPath, accountID string, reportType filter.ReportType) (normalize.Report, error)
}

type Config struct {
	// Workers is clamped to 1..MaxWorkers.
	Workers int
	// Retries < 0 means portal.DefaultRetries.
	Retries        int
	RetryBackoff   time.Duration
	AccountTimeout time.Duration
	// GracePeriod is how long in-flight accounts may keep going once the
	// run is cancelled.
	GracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	c.Workers = max(1, min(c.Workers, MaxWorkers))
	if c.AccountTimeout <= 0 {
		c.AccountTimeout = DefaultAccountTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	return c
}

// Status is a point in time view of the coordinator.
type Status struct {
	Running bool `json:"running"`
	// Done and Total count the accounts of the run in progress, Done only
	// includes accounts that reached a terminal stage.
	Done  int `json:"done,omitempty"`
	Total int `json:"total,omitempty"`
	// Current is a snapshot of the run in progress.
	Current *runreport.Report `json:"current,omitempty"`
	// Last is the most recently finished run of this process.
	Last *runreport.Report `json:"last,omitempty"`
}

type Coordinator struct {
	fetcher    portal.Fetcher
	normalizer Normalizer
	lock       runlock.Lock
	clock      chrono.API
	tel        telemetry.API
	config     Config
	listeners  []Listener

	mutex   sync.Mutex
	current *runreport.Builder
	last    *runreport.Report

	background sync.WaitGroup
}

func NewCoordinator(
	driver portal.Driver,
	normalizer Normalizer,
	lock runlock.Lock,
	clock chrono.API,
	tel telemetry.API,
	config Config,
	listeners ...Listener,
) *Coordinator {
	assert.NotNil(driver)
	assert.NotNil(normalizer)
	assert.NotNil(lock)
	assert.NotNil(clock)
	assert.NotNil(tel)

	config = config.withDefaults()
	return &Coordinator{
		fetcher:    portal.NewFetcher(driver, config.Retries, config.RetryBackoff, tel),
		normalizer: normalizer,
		lock:       lock,
		clock:      clock,
		tel:        telemetry.NewScopedAPI("pipeline", tel),
		config:     config,
		listeners:  listeners,
	}
}

// AddListener registers a listener for runs that start afterwards.
func (c *Coordinator) AddListener(l Listener) {
	assert.NotNil(l)
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.listeners = append(c.listeners, l)
}

// Run executes one run and waits for it. Only run level errors are returned,
// a bad selection, invalid accounts or another run in progress, anything that
// goes wrong for an account is recorded in the report instead.
func (c *Coordinator) Run(ctx context.Context, accounts []credentials.Account, sel filter.Selection) (runreport.Report, error) {
	release, err := c.acquire(ctx, accounts, sel)
	if err != nil {
		return runreport.Report{}, err
	}
	defer release()

	b := c.begin(triggerOf(ctx), accounts, sel)
	return c.execute(ctx, b, accounts, sel), nil
}

// Start is Run in the background. The lock is taken before Start returns so
// a rejected run is reported to the caller. ctx governs the run itself, it
// must outlive the call.
func (c *Coordinator) Start(ctx context.Context, accounts []credentials.Account, sel filter.Selection) (string, error) {
	release, err := c.acquire(ctx, accounts, sel)
	if err != nil {
		return "", err
	}

	b := c.begin(triggerOf(ctx), accounts, sel)
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		defer release()
		c.execute(ctx, b, accounts, sel)
	}()
	return b.Snapshot().RunID, nil
}

// Wait blocks until every run started with Start has finished and its
// listeners have returned.
func (c *Coordinator) Wait() {
	c.background.Wait()
}

func (c *Coordinator) Status() Status {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	status := Status{Last: c.last}
	if c.current != nil {
		snapshot := c.current.Snapshot()
		status.Running = true
		status.Current = &snapshot
		status.Done = c.current.Done()
		status.Total = len(snapshot.Accounts)
	}
	return status
}

func (c *Coordinator) acquire(ctx context.Context, accounts []credentials.Account, sel filter.Selection) (func(), error) {
	err := sel.Validate()
	if err != nil {
		return nil, err
	}
	err = credentials.Validate(accounts)
	if err != nil {
		return nil, err
	}

	release, err := c.lock.TryLock(ctx)
	if err != nil {
		if !errors.Is(err, ErrRunAlreadyInProgress) {
			c.tel.ReportBroken(report_run_start, err)
		}
		return nil, err
	}
	return release, nil
}

func (c *Coordinator) begin(trigger Trigger, accounts []credentials.Account, sel filter.Selection) *runreport.Builder {
	ids := make([]string, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	b := runreport.NewBuilder(uuid.NewString(), string(trigger), sel.String(), c.clock.Now(), ids)

	c.mutex.Lock()
	c.current = b
	c.mutex.Unlock()
	return b
}

func (c *Coordinator) execute(ctx context.Context, b *runreport.Builder, accounts []credentials.Account, sel filter.Selection) runreport.Report {
	runID := b.Snapshot().RunID
	ctx, span := tracer.Start(ctx, "Run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("filter", sel.String()),
		attribute.Int("accounts", len(accounts)),
	))
	defer span.End()

	query := filter.BuildQuery(sel, c.clock.Now())
	c.tel.ReportDebug("run started", runID, sel.String(), len(accounts))

	// accounts run on work, which outlives ctx by the grace period
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopGrace := context.AfterFunc(ctx, func() {
		timer := time.AfterFunc(c.config.GracePeriod, cancelWork)
		context.AfterFunc(work, func() { timer.Stop() })
	})
	defer stopGrace()

	jobs := make(chan int)
	wg := sync.WaitGroup{}
	for range min(c.config.Workers, max(len(accounts), 1)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				c.runAccount(work, b, i, accounts[i], query)
			}
		}()
	}

feed:
	for i := range accounts {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	cancelled := ctx.Err() != nil
	kind, detail := KindInternal, "account was never processed"
	if cancelled {
		kind, detail = KindCancelled, "run was cancelled before the account finished"
	}
	report := b.Finish(c.clock.Now(), cancelled, kind, detail)

	success, partial, failed := report.Counts()
	c.tel.ReportCount(report_accounts_ok, int64(success))
	c.tel.ReportCount(report_accounts_bad, int64(failed))
	span.SetAttributes(
		attribute.Int("succeeded", success),
		attribute.Int("partial", partial),
		attribute.Int("failed", failed),
		attribute.Bool("cancelled", cancelled),
	)
	c.tel.ReportDebug("run finished", runID, string(report.Outcome()), report.Duration().String())

	c.mutex.Lock()
	c.current = nil
	c.last = &report
	listeners := append([]Listener(nil), c.listeners...)
	c.mutex.Unlock()

	c.publish(context.WithoutCancel(ctx), report, listeners)
	return report
}

func (c *Coordinator) publish(ctx context.Context, report runreport.Report, listeners []Listener) {
	ctx, cancel := context.WithTimeout(ctx, listenerTimeout)
	defer cancel()

	for _, l := range listeners {
		err := l.RunFinished(ctx, report.Clone())
		if err != nil {
			c.tel.ReportBroken(report_run_listener, fmt.Errorf("run %s: %w", report.RunID, err))
		}
	}
}
