package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"classreports/internal/components/assert"
	"classreports/internal/components/chrono"
	"classreports/internal/components/telemetry"
	"classreports/internal/credentials"
	"classreports/internal/filter"
	"classreports/pkg/htmlutil"
	"classreports/pkg/textutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("classreports/internal/portal")

const (
	report_chrome_open_session   = "chrome_driver.open-session"
	report_chrome_download       = "chrome_driver.download"
	report_chrome_close_session  = "chrome_driver.close-session"
	report_chrome_move_download  = "chrome_driver.move-download"
	report_chrome_download_count = "chrome_driver.downloads"
)

const (
	DefaultNavigationTimeout = 15 * time.Second
	DefaultLoginTimeout      = 10 * time.Second
	DefaultDownloadTimeout   = 30 * time.Second

	// after a download completes, more files for the same report are only
	// waited for this long.
	downloadSettle = 1500 * time.Millisecond
	pollInterval   = 500 * time.Millisecond
)

type ChromeConfig struct {
	LoginURL string
	// WorkDir holds one temporary directory per session (profile and
	// in-flight downloads), removed by CloseSession.
	WorkDir string
	// RawDir receives completed downloads, they outlive the session.
	RawDir    string
	ExecPath  string
	Headless  bool
	UserAgent string

	NavigationTimeout time.Duration
	LoginTimeout      time.Duration
	DownloadTimeout   time.Duration

	// SkipProbe disables the http reachability check before launching.
	SkipProbe bool
}

func (c ChromeConfig) withDefaults() ChromeConfig {
	if c.LoginURL == "" {
		c.LoginURL = DefaultLoginURL
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultNavigationTimeout
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = DefaultLoginTimeout
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = DefaultDownloadTimeout
	}
	return c
}

// ChromeDriver is a Driver running a headless chrome per session through the
// devtools protocol.
type ChromeDriver struct {
	config ChromeConfig
	probe  *Probe
	clock  chrono.API
	tel    telemetry.API
}

func NewChromeDriver(config ChromeConfig, clock chrono.API, tel telemetry.API) (*ChromeDriver, error) {
	assert.NotEmptyStr(config.WorkDir)
	assert.NotEmptyStr(config.RawDir)
	assert.NotNil(clock)
	assert.NotNil(tel)

	config = config.withDefaults()
	tel = telemetry.NewScopedAPI("portal", tel)

	for _, dir := range []string{config.WorkDir, config.RawDir} {
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return nil, err
		}
	}

	d := &ChromeDriver{
		config: config,
		clock:  clock,
		tel:    tel,
	}
	if !config.SkipProbe {
		probe, err := NewProbe(config.LoginURL, config.NavigationTimeout, tel)
		if err != nil {
			return nil, err
		}
		d.probe = probe
	}
	return d, nil
}

type chromeSession struct {
	account     credentials.Account
	dir         string
	downloadDir string

	ctx           context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc

	// completed receives the guid of every finished download.
	completed chan string

	mutex  sync.Mutex
	closed bool
}

func (s *chromeSession) AccountID() string {
	return s.account.ID
}

// runCtx derives a context for chromedp actions from the browser context that
// is also cancelled together with ctx.
func (s *chromeSession) runCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *chromeSession) listen(tel telemetry.API) {
	chromedp.ListenTarget(s.ctx, func(ev any) {
		switch ev := ev.(type) {
		case *browser.EventDownloadWillBegin:
			tel.ReportDebug("download started", "account", s.account.ID, "guid", ev.GUID, "file", ev.SuggestedFilename)
		case *browser.EventDownloadProgress:
			switch ev.State {
			case browser.DownloadProgressStateCompleted:
				select {
				case s.completed <- ev.GUID:
				default:
					tel.ReportWarning(report_chrome_download, fmt.Errorf("dropped completion event %s", ev.GUID))
				}
			case browser.DownloadProgressStateCanceled:
				tel.ReportWarning(report_chrome_download, fmt.Errorf("download %s was cancelled by the browser", ev.GUID))
			}
		}
	})
}

func (s *chromeSession) drainCompleted() {
	for {
		select {
		case <-s.completed:
		default:
			return
		}
	}
}

func (d *ChromeDriver) OpenSession(ctx context.Context, account credentials.Account) (Session, error) {
	ctx, span := tracer.Start(ctx, "OpenSession")
	defer span.End()
	span.SetAttributes(attribute.String("account", account.ID))

	if d.probe != nil {
		err := d.probe.Check(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "portal unreachable")
			return nil, err
		}
	}

	dir, err := os.MkdirTemp(d.config.WorkDir, "session-*")
	if err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	downloadDir := filepath.Join(dir, "downloads")
	err = os.MkdirAll(downloadDir, 0755)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.config.Headless),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserDataDir(filepath.Join(dir, "profile")),
		chromedp.UserAgent(d.config.UserAgent),
		chromedp.WindowSize(1280, 1080),
	)
	if d.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.config.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(
		allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			d.tel.ReportDebug(fmt.Sprintf(format, args...), "account", account.ID)
		}),
	)

	s := &chromeSession{
		account:       account,
		dir:           dir,
		downloadDir:   downloadDir,
		ctx:           browserCtx,
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
		completed:     make(chan string, 64),
	}
	s.listen(d.tel)

	// the first Run starts the browser, it must use the browser context
	// itself, cancelling a derived context would kill chrome.
	err = chromedp.Run(
		browserCtx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(downloadDir).
			WithEventsEnabled(true),
	)
	if err != nil {
		d.CloseSession(s)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.tel.ReportBroken(report_chrome_open_session, fmt.Errorf("start browser: %w", err), account.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "start browser")
		return nil, fmt.Errorf("start browser: %w", err)
	}

	err = d.login(ctx, s)
	if err != nil {
		d.CloseSession(s)
		span.RecordError(err)
		span.SetStatus(codes.Error, "login")
		return nil, err
	}
	return s, nil
}

// step runs actions with the navigation timeout, an expired timeout becomes
// a *NavigationTimeout naming the step.
func (d *ChromeDriver) step(ctx context.Context, s *chromeSession, step string, actions ...chromedp.Action) error {
	return d.stepWithTimeout(ctx, s, step, d.config.NavigationTimeout, actions...)
}

func (d *ChromeDriver) stepWithTimeout(ctx context.Context, s *chromeSession, step string, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := s.runCtx(ctx, timeout)
	defer cancel()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return stepError(step, err)
}

// stepError maps a failed step to the driver's error types. An aborted
// navigation is left as a plain error, navigate decides about those.
func stepError(step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &NavigationTimeout{Step: step, Err: err}
	}
	msg := err.Error()
	if strings.Contains(msg, "net::ERR_") && !strings.Contains(msg, "net::ERR_ABORTED") {
		return &NetworkError{Step: step, Err: err}
	}
	return fmt.Errorf("%s: %w", step, err)
}

// navigate loads url, an aborted navigation (the page redirected before it
// finished loading) is not an error.
func (d *ChromeDriver) navigate(ctx context.Context, s *chromeSession, step, url string) error {
	err := d.step(ctx, s, step, chromedp.Navigate(url))
	if err != nil && strings.Contains(err.Error(), "net::ERR_ABORTED") {
		return nil
	}
	return err
}

func (d *ChromeDriver) snapshot(ctx context.Context, s *chromeSession, step string) (*goquery.Document, string, error) {
	var html, location string
	err := d.step(
		ctx, s, step,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return nil, "", err
	}
	doc, err := htmlutil.Parse(html)
	if err != nil {
		return nil, "", fmt.Errorf("%s: parse page: %w", step, err)
	}
	return doc, location, nil
}

func (d *ChromeDriver) login(ctx context.Context, s *chromeSession) error {
	err := d.navigate(ctx, s, StepLogin, d.config.LoginURL)
	if err != nil {
		return err
	}
	err = d.step(
		ctx, s, StepLogin,
		chromedp.WaitVisible(selUsername, chromedp.ByQuery),
		chromedp.SendKeys(selUsername, s.account.Username, chromedp.ByQuery),
		chromedp.SendKeys(selPassword, s.account.Secret.Reveal(), chromedp.ByQuery),
		chromedp.WaitVisible(selLoginButton, chromedp.ByQuery),
		chromedp.Click(selLoginButton, chromedp.ByQuery),
	)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(d.config.LoginTimeout)
	for {
		doc, location, err := d.snapshot(ctx, s, StepLogin)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			state, reason := parseLoginPage(d.config.LoginURL, location, doc)
			switch state {
			case loginSucceeded:
				d.tel.ReportDebug("logged in", "account", s.account.ID, "location", location)
				return nil
			case loginRejected:
				return &AuthenticationError{AccountID: s.account.ID, Rejected: true, Reason: reason}
			}
		}

		if time.Now().After(deadline) {
			return &AuthenticationError{
				AccountID: s.account.ID,
				Reason:    fmt.Sprintf("no home page after %s", d.config.LoginTimeout),
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (d *ChromeDriver) SelectAndDownload(ctx context.Context, session Session, query filter.Query) (Download, error) {
	s, ok := session.(*chromeSession)
	if !ok {
		return Download{}, fmt.Errorf("chrome driver: foreign session %T", session)
	}

	ctx, span := tracer.Start(ctx, "SelectAndDownload")
	defer span.End()
	span.SetAttributes(
		attribute.String("account", s.account.ID),
		attribute.String("filter", query.Selection.String()),
	)

	download, err := d.selectAndDownload(ctx, s, query)
	if err != nil && !errors.Is(err, ErrNoMatchingReports) {
		// artifacts of a failed attempt are never handed out
		for _, a := range download.Artifacts {
			os.Remove(a.RawPath)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "select and download")
		return Download{}, err
	}
	d.tel.ReportCount(report_chrome_download_count, int64(len(download.Artifacts)))
	return download, err
}

func (d *ChromeDriver) selectAndDownload(ctx context.Context, s *chromeSession, query filter.Query) (Download, error) {
	download := Download{Failed: map[filter.ReportType]error{}}

	err := d.openReports(ctx, s)
	if err != nil {
		return download, err
	}

	for _, action := range query.Actions {
		switch action := action.(type) {
		case filter.SelectDatePreset:
			err = d.selectDatePreset(ctx, s, action.Label)
		case filter.SetCustomRange:
			err = d.setCustomRange(ctx, s, action)
		case filter.OpenReportTab:
			var paths []string
			var empty bool
			paths, empty, err = d.downloadTab(ctx, s, action)
			if err != nil {
				if ctx.Err() != nil {
					return download, ctx.Err()
				}
				d.tel.ReportWarning(report_chrome_download, err, s.account.ID, action.Type.String())
				download.Failed[action.Type] = err
				err = nil
				continue
			}
			if empty {
				download.Empty = append(download.Empty, action.Type)
				continue
			}
			for i, p := range paths {
				download.Artifacts = append(download.Artifacts, Artifact{
					AccountID:    s.account.ID,
					ReportType:   action.Type,
					RawPath:      p,
					DownloadedAt: d.clock.Now(),
					Index:        i,
				})
			}
		}
		if err != nil {
			return download, err
		}
	}

	switch {
	case len(download.Artifacts) == 0 && len(download.Failed) > 0:
		// nothing came through, hand back the first failure so the attempt
		// can be retried
		for _, t := range query.ReportTypes() {
			if failed, ok := download.Failed[t]; ok {
				return download, failed
			}
		}
	case len(download.Artifacts) == 0 && len(download.Failed) == 0:
		return download, ErrNoMatchingReports
	}
	return download, nil
}

func (d *ChromeDriver) openReports(ctx context.Context, s *chromeSession) error {
	err := d.step(ctx, s, StepMenu, chromedp.WaitVisible(selMenuButtons, chromedp.ByQuery))
	if err != nil {
		return err
	}
	doc, location, err := d.snapshot(ctx, s, StepMenu)
	if err != nil {
		return err
	}
	if link := reportsLink(ctx, doc, location); link != "" {
		err = d.navigate(ctx, s, StepMenu, link)
		if err != nil {
			return err
		}
		return d.step(ctx, s, StepMenu, chromedp.WaitVisible(selDateSelect, chromedp.ByQuery))
	}

	i := menuIndex(doc)
	if i < 0 {
		return &NavigationTimeout{Step: StepMenu, Err: fmt.Errorf("menu button not found among %v", htmlutil.Texts(doc, selMenuButtons))}
	}

	return d.step(
		ctx, s, StepMenu,
		chromedp.Click(nthXPath(xpathMenuButtons, i), chromedp.BySearch),
		chromedp.WaitVisible(xpathReportsLink, chromedp.BySearch),
		chromedp.Click(xpathReportsLink, chromedp.BySearch),
		chromedp.WaitVisible(selDateSelect, chromedp.ByQuery),
	)
}

func (d *ChromeDriver) selectDatePreset(ctx context.Context, s *chromeSession, label string) error {
	err := d.step(
		ctx, s, StepDateFilter,
		chromedp.Click(selDateSelect, chromedp.ByQuery),
		chromedp.WaitVisible(selDateOptions, chromedp.ByQuery),
	)
	if err != nil {
		return err
	}
	doc, _, err := d.snapshot(ctx, s, StepDateFilter)
	if err != nil {
		return err
	}
	i := optionIndex(doc, label)
	if i < 0 {
		return &NavigationTimeout{Step: StepDateFilter, Err: fmt.Errorf("date option %q not found among %v", label, htmlutil.Texts(doc, selDateOptions))}
	}
	return d.step(ctx, s, StepDateFilter, chromedp.Click(nthXPath(xpathDateOptions, i), chromedp.BySearch))
}

func (d *ChromeDriver) setCustomRange(ctx context.Context, s *chromeSession, action filter.SetCustomRange) error {
	return d.step(
		ctx, s, StepDateFilter,
		chromedp.WaitVisible(selStartDate, chromedp.ByQuery),
		chromedp.SetValue(selStartDate, "", chromedp.ByQuery),
		chromedp.SendKeys(selStartDate, action.StartText(), chromedp.ByQuery),
		chromedp.SetValue(selEndDate, "", chromedp.ByQuery),
		chromedp.SendKeys(selEndDate, action.EndText()+kb.Enter, chromedp.ByQuery),
	)
}

// downloadTab switches to a report tab and downloads it, empty is set when
// the portal shows no results for the filter.
func (d *ChromeDriver) downloadTab(ctx context.Context, s *chromeSession, tab filter.OpenReportTab) (paths []string, empty bool, err error) {
	err = d.step(ctx, s, StepReportTab, chromedp.WaitVisible(selReportTabs, chromedp.ByQuery))
	if err != nil {
		return nil, false, err
	}
	doc, _, err := d.snapshot(ctx, s, StepReportTab)
	if err != nil {
		return nil, false, err
	}
	i := tabIndex(doc, tab.Label)
	if i < 0 {
		return nil, false, fmt.Errorf("report tab %q not found among %v", tab.Label, tabLabels(doc))
	}
	err = d.step(ctx, s, StepReportTab, chromedp.Click(nthXPath(xpathReportTabs, i), chromedp.BySearch))
	if err != nil {
		return nil, false, err
	}

	// the tab renders either the report (with its menu) or a no results
	// message
	deadline := time.Now().Add(d.config.NavigationTimeout)
	for {
		doc, _, err = d.snapshot(ctx, s, StepReportTab)
		if err != nil {
			return nil, false, err
		}
		if hasNoResults(doc) {
			return nil, true, nil
		}
		if hasDownloadMenu(doc) {
			break
		}
		if time.Now().After(deadline) {
			return nil, false, &NavigationTimeout{Step: StepReportTab, Err: fmt.Errorf("%s did not render", tab.Label)}
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	err = d.step(
		ctx, s, StepReportMenu,
		chromedp.Click(selReportEllipsis, chromedp.ByQuery),
		chromedp.WaitVisible(selCsvDownload, chromedp.ByQuery),
	)
	if err != nil {
		return nil, false, err
	}

	s.drainCompleted()
	err = d.step(ctx, s, StepReportMenu, chromedp.Click(selCsvDownload, chromedp.ByQuery))
	if err != nil {
		return nil, false, err
	}

	guids, err := d.waitDownloads(ctx, s, tab.Type)
	if err != nil {
		return nil, false, err
	}
	for n, guid := range guids {
		base := fmt.Sprintf("%s_%s_%d", textutil.SafeFileName(s.account.ID), tab.Type, n+1)
		dst, err := moveDownload(filepath.Join(s.downloadDir, guid), d.config.RawDir, base, ".csv")
		if err != nil {
			d.tel.ReportBroken(report_chrome_move_download, err, s.account.ID)
			for _, p := range paths {
				os.Remove(p)
			}
			return nil, false, err
		}
		paths = append(paths, dst)
	}
	return paths, false, nil
}

// waitDownloads collects finished downloads, the first one must arrive within
// the download timeout, later ones within downloadSettle of the previous.
func (d *ChromeDriver) waitDownloads(ctx context.Context, s *chromeSession, reportType filter.ReportType) ([]string, error) {
	timer := time.NewTimer(d.config.DownloadTimeout)
	defer timer.Stop()

	var guids []string
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case guid := <-s.completed:
			guids = append(guids, guid)
			timer.Reset(downloadSettle)
		case <-timer.C:
			if len(guids) == 0 {
				return nil, &DownloadTimeout{ReportType: reportType, After: d.config.DownloadTimeout}
			}
			return guids, nil
		}
	}
}

// moveDownload moves src into dir as base+ext, adding -2, -3... when the
// name is taken. A name is claimed atomically so parallel sessions never
// write over each other's files.
func moveDownload(src, dir, base, ext string) (string, error) {
	for n := 1; n <= maxDownloadNames; n++ {
		dst := filepath.Join(dir, base+ext)
		if n > 1 {
			dst = filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, n, ext))
		}
		err := claimFile(src, dst)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("move download: %w", err)
		}
		return dst, nil
	}
	return "", fmt.Errorf("move download: every name for %s%s is taken", base, ext)
}

const maxDownloadNames = 1000

// claimFile moves src to dst, failing with os.ErrExist when dst exists.
func claimFile(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil {
		os.Remove(src)
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		return err
	}

	// no hard links across filesystems
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return err
	}
	os.Remove(src)
	return nil
}

func (d *ChromeDriver) CloseSession(session Session) error {
	s, ok := session.(*chromeSession)
	if !ok {
		return fmt.Errorf("chrome driver: foreign session %T", session)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.browserCancel()
	s.allocCancel()

	err := os.RemoveAll(s.dir)
	if err != nil {
		d.tel.ReportWarning(report_chrome_close_session, err, s.account.ID)
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}
