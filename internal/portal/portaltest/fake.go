// Package portaltest provides a scripted portal.Driver for tests.
package portaltest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"classreports/internal/credentials"
	"classreports/internal/filter"
	"classreports/internal/portal"
)

// Script is what the fake portal does for one account.
type Script struct {
	// OpenErrs are returned by successive OpenSession calls, once they run
	// out (or for nil entries) the session opens.
	OpenErrs []error
	// DownloadErrs are returned by successive SelectAndDownload calls.
	DownloadErrs []error
	// Files holds the CSV contents downloaded per report type, more than one
	// entry means several files for the type.
	Files map[filter.ReportType][]string
	// Failed types time out while the rest download.
	Failed []filter.ReportType
	// Delay blocks SelectAndDownload, it returns early when ctx is done.
	Delay time.Duration
}

type Driver struct {
	RawDir  string
	Scripts map[string]*Script

	mutex     sync.Mutex
	opens     map[string]int
	downloads map[string]int
	active    int
	maxActive int
	closed    int
	opened    []string
	queries   []filter.Query
}

func NewDriver(rawDir string, scripts map[string]*Script) *Driver {
	return &Driver{
		RawDir:    rawDir,
		Scripts:   scripts,
		opens:     map[string]int{},
		downloads: map[string]int{},
	}
}

type session struct {
	id     string
	closed bool
}

func (s *session) AccountID() string {
	return s.id
}

func (d *Driver) script(id string) *Script {
	s, ok := d.Scripts[id]
	if !ok {
		return &Script{}
	}
	return s
}

func (d *Driver) OpenSession(ctx context.Context, account credentials.Account) (portal.Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	n := d.opens[account.ID]
	d.opens[account.ID]++
	d.opened = append(d.opened, account.ID)

	script := d.script(account.ID)
	if n < len(script.OpenErrs) && script.OpenErrs[n] != nil {
		return nil, script.OpenErrs[n]
	}

	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	return &session{id: account.ID}, nil
}

func (d *Driver) SelectAndDownload(ctx context.Context, s portal.Session, query filter.Query) (portal.Download, error) {
	id := s.AccountID()

	d.mutex.Lock()
	n := d.downloads[id]
	d.downloads[id]++
	d.queries = append(d.queries, query)
	script := d.script(id)
	d.mutex.Unlock()

	if script.Delay > 0 {
		select {
		case <-ctx.Done():
			return portal.Download{}, ctx.Err()
		case <-time.After(script.Delay):
		}
	}
	if n < len(script.DownloadErrs) && script.DownloadErrs[n] != nil {
		return portal.Download{}, script.DownloadErrs[n]
	}

	download := portal.Download{Failed: map[filter.ReportType]error{}}
	for _, t := range query.ReportTypes() {
		if containsType(script.Failed, t) {
			download.Failed[t] = &portal.DownloadTimeout{ReportType: t, After: time.Second}
			continue
		}
		contents, ok := script.Files[t]
		if !ok || len(contents) == 0 {
			download.Empty = append(download.Empty, t)
			continue
		}
		for i, content := range contents {
			path := filepath.Join(d.RawDir, fmt.Sprintf("%s_%s_%d_%d.csv", id, t, n+1, i+1))
			err := os.WriteFile(path, []byte(content), 0644)
			if err != nil {
				return portal.Download{}, err
			}
			download.Artifacts = append(download.Artifacts, portal.Artifact{
				AccountID:    id,
				ReportType:   t,
				RawPath:      path,
				DownloadedAt: time.Now(),
				Index:        i,
			})
		}
	}

	if len(download.Artifacts) == 0 && len(download.Failed) == 0 {
		return download, portal.ErrNoMatchingReports
	}
	if len(download.Artifacts) == 0 {
		for _, t := range query.ReportTypes() {
			if err, ok := download.Failed[t]; ok {
				return portal.Download{}, err
			}
		}
	}
	return download, nil
}

func (d *Driver) CloseSession(s portal.Session) error {
	sess, ok := s.(*session)
	if !ok {
		return errors.New("foreign session")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	if sess.closed {
		return nil
	}
	sess.closed = true
	d.active--
	d.closed++
	return nil
}

// Opens counts OpenSession calls for an account.
func (d *Driver) Opens(id string) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.opens[id]
}

// Opened lists every OpenSession call in order.
func (d *Driver) Opened() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]string(nil), d.opened...)
}

// MaxActive is the highest number of sessions open at once.
func (d *Driver) MaxActive() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.maxActive
}

// Active is the number of sessions currently open.
func (d *Driver) Active() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.active
}

func (d *Driver) Queries() []filter.Query {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]filter.Query(nil), d.queries...)
}

func containsType(types []filter.ReportType, t filter.ReportType) bool {
	for _, other := range types {
		if other == t {
			return true
		}
	}
	return false
}
