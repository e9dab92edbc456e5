package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"classreports/internal/components/assert"
	"classreports/internal/components/telemetry"
	"classreports/internal/credentials"
	"classreports/internal/filter"
)

const (
	report_fetch_attempt = "fetch.attempt"
	report_fetch_close   = "fetch.close-session"
)

const (
	DefaultRetries = 2
	DefaultBackoff = 5 * time.Second
)

// Fetcher runs the open, download, close sequence for one account with
// retries. Every attempt gets a brand new session.
type Fetcher struct {
	driver  Driver
	retries int
	backoff time.Duration
	tel     telemetry.API
}

// NewFetcher creates a fetcher, retries < 0 means DefaultRetries and a zero
// backoff means DefaultBackoff.
func NewFetcher(driver Driver, retries int, backoff time.Duration, tel telemetry.API) Fetcher {
	assert.NotNil(driver)
	assert.NotNil(tel)
	if retries < 0 {
		retries = DefaultRetries
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return Fetcher{
		driver:  driver,
		retries: retries,
		backoff: backoff,
		tel:     telemetry.NewScopedAPI("portal", tel),
	}
}

// Hooks are called as an attempt moves along, the coordinator uses them to
// advance the account's stage.
type Hooks struct {
	// Authenticating is called before every session is opened, attempt
	// starts at 1.
	Authenticating func(attempt int)
	// Filtering is called once the session is open.
	Filtering func()
}

type FetchResult struct {
	Download Download
	Attempts int
}

// Fetch downloads query for account. Transient errors are retried with a
// linear backoff (backoff, 2*backoff...), a rejected login or a cancelled
// context ends it right away. ErrNoMatchingReports is returned as is, together
// with the (empty) download.
func (f Fetcher) Fetch(ctx context.Context, account credentials.Account, query filter.Query, hooks Hooks) (FetchResult, error) {
	var lastErr error
	for attempt := 1; attempt <= f.retries+1; attempt++ {
		if attempt > 1 {
			wait := time.Duration(attempt-1) * f.backoff
			f.tel.ReportDebug("retrying", account.ID, attempt, wait.String(), lastErr)
			select {
			case <-ctx.Done():
				return FetchResult{Attempts: attempt - 1}, ctx.Err()
			case <-time.After(wait):
			}
		}

		download, err := f.attempt(ctx, account, query, attempt, hooks)
		if err == nil || errors.Is(err, ErrNoMatchingReports) {
			return FetchResult{Download: download, Attempts: attempt}, err
		}
		lastErr = err

		if ctx.Err() != nil {
			return FetchResult{Attempts: attempt}, ctx.Err()
		}
		if !IsTransient(err) {
			return FetchResult{Attempts: attempt}, err
		}
		f.tel.ReportWarning(report_fetch_attempt, account.ID, attempt, err)
	}
	return FetchResult{Attempts: f.retries + 1}, fmt.Errorf("gave up after %d attempts: %w", f.retries+1, lastErr)
}

func (f Fetcher) attempt(ctx context.Context, account credentials.Account, query filter.Query, attempt int, hooks Hooks) (Download, error) {
	if hooks.Authenticating != nil {
		hooks.Authenticating(attempt)
	}
	session, err := f.driver.OpenSession(ctx, account)
	if err != nil {
		return Download{}, err
	}
	defer func() {
		err := f.driver.CloseSession(session)
		if err != nil {
			f.tel.ReportWarning(report_fetch_close, account.ID, err)
		}
	}()

	if hooks.Filtering != nil {
		hooks.Filtering()
	}
	return f.driver.SelectAndDownload(ctx, session, query)
}
