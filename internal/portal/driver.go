// Package portal drives the reports portal: logging an account in, applying
// a filter query and downloading the raw CSV reports.
package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"classreports/internal/credentials"
	"classreports/internal/filter"
)

// Driver is the contract the run coordinator talks to. Implementations must
// make sessions fully independent, two sessions never share cookies, profile
// or download directories.
type Driver interface {
	// OpenSession logs account in. It fails with *AuthenticationError or
	// *NavigationTimeout.
	OpenSession(ctx context.Context, account credentials.Account) (Session, error)
	// SelectAndDownload applies query and downloads every selected report
	// type. It fails with *NavigationTimeout, *DownloadTimeout or
	// ErrNoMatchingReports (every selected type was empty).
	SelectAndDownload(ctx context.Context, session Session, query filter.Query) (Download, error)
	// CloseSession releases everything held by the session, calling it
	// twice is a no-op.
	CloseSession(session Session) error
}

// Session is an authenticated portal session owned by a single account.
type Session interface {
	AccountID() string
}

// Artifact is one completed download, moved into the raw staging directory.
// It is consumed exactly once by the normalizer.
type Artifact struct {
	AccountID    string
	ReportType   filter.ReportType
	RawPath      string
	DownloadedAt time.Time
	// Index orders several files downloaded for the same report type.
	Index int
}

// Download is the result of SelectAndDownload.
type Download struct {
	Artifacts []Artifact
	// Empty lists types the portal had no results for.
	Empty []filter.ReportType
	// Failed holds types whose download did not complete while other
	// types did.
	Failed map[filter.ReportType]error
}

// Attempted is the number of report types the download tried to fetch.
func (d Download) Attempted() int {
	types := map[filter.ReportType]struct{}{}
	for _, a := range d.Artifacts {
		types[a.ReportType] = struct{}{}
	}
	for _, t := range d.Empty {
		types[t] = struct{}{}
	}
	for t := range d.Failed {
		types[t] = struct{}{}
	}
	return len(types)
}

// Downloaded is the number of report types with at least one artifact.
func (d Download) Downloaded() int {
	types := map[filter.ReportType]struct{}{}
	for _, a := range d.Artifacts {
		types[a.ReportType] = struct{}{}
	}
	return len(types)
}

// AuthenticationError is returned when the portal did not let an account in.
// Rejected is set when the portal explicitly refused the credentials, in that
// case retrying is pointless.
type AuthenticationError struct {
	AccountID string
	Rejected  bool
	Reason    string
}

func (e *AuthenticationError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("authentication rejected for %s: %s", e.AccountID, e.Reason)
	}
	return fmt.Sprintf("authentication did not complete for %s: %s", e.AccountID, e.Reason)
}

// the navigation steps a NavigationTimeout or NetworkError can name.
const (
	StepProbe      = "probe"
	StepLogin      = "login"
	StepMenu       = "menu"
	StepDateFilter = "date-filter"
	StepReportTab  = "report-tab"
	StepReportMenu = "report-menu"
)

// NavigationTimeout is returned when a page or element did not become ready
// within the navigation timeout.
type NavigationTimeout struct {
	Step string
	Err  error
}

func (e *NavigationTimeout) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("navigation timed out at %s", e.Step)
	}
	return fmt.Sprintf("navigation timed out at %s: %v", e.Step, e.Err)
}

func (e *NavigationTimeout) Unwrap() error {
	return e.Err
}

// NetworkError is returned when the browser could not load a page at all,
// chrome reports those as net::ERR_* page load errors.
type NetworkError struct {
	Step string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error at %s: %v", e.Step, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DownloadTimeout is returned when a download did not complete in time.
type DownloadTimeout struct {
	ReportType filter.ReportType
	After      time.Duration
}

func (e *DownloadTimeout) Error() string {
	return fmt.Sprintf("download of %s did not complete after %s", e.ReportType, e.After)
}

// ErrNoMatchingReports means the portal had no results for any selected
// report type. It is not a failure.
var ErrNoMatchingReports = errors.New("no results for filter criteria")

// IsTransient reports whether err is worth retrying with a new session.
func IsTransient(err error) bool {
	var auth *AuthenticationError
	if errors.As(err, &auth) {
		return !auth.Rejected
	}
	var nav *NavigationTimeout
	if errors.As(err, &nav) {
		return true
	}
	var network *NetworkError
	if errors.As(err, &network) {
		return true
	}
	var dl *DownloadTimeout
	return errors.As(err, &dl)
}
