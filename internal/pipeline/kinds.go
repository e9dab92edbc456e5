package pipeline

import (
	"context"
	"errors"

	"classreports/internal/normalize"
	"classreports/internal/portal"
	"classreports/internal/runreport"
)

// error kinds recorded on run report entries, worded for the operator.
const (
	KindInvalidCredentials = "invalid credentials"
	KindLoginTimeout       = "login timed out"
	KindUnreachable        = "site unreachable"
	KindPageTimeout        = "page did not load"
	KindDownloadTimeout    = "download timed out"
	KindAccountTimeout     = "account timed out"
	KindUnexpectedFormat   = "unexpected report format"
	KindUnreadableFile     = "unreadable report file"
	KindCancelled          = "cancelled"
	KindInternal           = "internal error"
)

// classify maps an account level error to its kind.
func classify(err error) string {
	var auth *portal.AuthenticationError
	var nav *portal.NavigationTimeout
	var network *portal.NetworkError
	var dl *portal.DownloadTimeout
	var mismatch *normalize.SchemaMismatch
	var parse *normalize.ParseError

	switch {
	case errors.As(err, &auth):
		if auth.Rejected {
			return KindInvalidCredentials
		}
		return KindLoginTimeout
	case errors.As(err, &nav):
		switch nav.Step {
		case portal.StepProbe:
			return KindUnreachable
		case portal.StepLogin:
			return KindLoginTimeout
		}
		return KindPageTimeout
	case errors.As(err, &network):
		return KindUnreachable
	case errors.As(err, &dl):
		return KindDownloadTimeout
	case errors.As(err, &mismatch):
		return KindUnexpectedFormat
	case errors.As(err, &parse):
		return KindUnreadableFile
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindAccountTimeout
	}
	return KindInternal
}

// failedStage is the stage an error belongs to, current is used when the
// error doesn't say.
func failedStage(err error, current runreport.Stage) runreport.Stage {
	var auth *portal.AuthenticationError
	var nav *portal.NavigationTimeout
	var network *portal.NetworkError
	var dl *portal.DownloadTimeout

	switch {
	case errors.As(err, &auth):
		return runreport.StageAuthenticating
	case errors.As(err, &nav):
		if nav.Step == portal.StepProbe || nav.Step == portal.StepLogin {
			return runreport.StageAuthenticating
		}
		return runreport.StageFiltering
	case errors.As(err, &network):
		if network.Step == portal.StepProbe || network.Step == portal.StepLogin {
			return runreport.StageAuthenticating
		}
		return runreport.StageFiltering
	case errors.As(err, &dl):
		return runreport.StageDownloading
	}
	return current
}
