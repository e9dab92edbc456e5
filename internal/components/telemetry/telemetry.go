package telemetry

import (
	"fmt"
)

// API is an abstraction over logging/metrics so that components can be tested
// for the reports they emit.
//
// note: fault injection point
type API interface {
	// ReportBroken reports a component that broke in a way an operator should look at.
	//
	// The `id` names the component, not the line that failed. A failed login
	// inside the chrome driver is `chrome_driver.open-session`, the underlying
	// cause goes in params or gets wrapped with fmt.Errorf.
	//
	// Formatting rules:
	// 1) all lowercase
	// 2) underscores for large components
	// 3) dashes for methods of a larger component
	ReportBroken(id string, params ...any)

	// ReportWarning reports something that is not necessarily broken but may be
	// worth investigating. Ids follow the same rules as ReportBroken.
	ReportWarning(id string, params ...any)

	// ReportDebug reports debug information that is dropped in production.
	ReportDebug(msg string, params ...any)

	// ReportCount reports the current value of a counted thing. Values are
	// points over time, they should not be summed.
	ReportCount(id string, count int64)
}

// ScopedAPI attaches a namespace to every id reported through it, like a
// sub-logger with a prefix.
type ScopedAPI struct {
	namespace string
	inner     API
}

// NewScopedAPI creates a ScopedAPI out of a given namespace and another api.
func NewScopedAPI(namespace string, inner API) ScopedAPI {
	return ScopedAPI{namespace: namespace, inner: inner}
}

func (s ScopedAPI) ReportBroken(id string, params ...any) {
	s.inner.ReportBroken(fmt.Sprintf("%s: %s", s.namespace, id), params...)
}

func (s ScopedAPI) ReportWarning(id string, params ...any) {
	s.inner.ReportWarning(fmt.Sprintf("%s: %s", s.namespace, id), params...)
}

func (s ScopedAPI) ReportDebug(msg string, params ...any) {
	s.inner.ReportDebug(fmt.Sprintf("%s: %s", s.namespace, msg), params...)
}

func (s ScopedAPI) ReportCount(id string, count int64) {
	s.inner.ReportCount(fmt.Sprintf("%s: %s", s.namespace, id), count)
}
