package portal

import (
	"bytes"
	"context"
	"fmt"
	"net/http/cookiejar"
	"time"

	"classreports/internal/components/assert"
	"classreports/internal/components/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const report_probe_check = "probe.check"

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

// Probe checks that the portal's login page is reachable before a browser is
// launched for it, starting chrome only to find the network is down is slow.
type Probe struct {
	loginURL string
	http     *resty.Client
	tel      telemetry.API
}

func NewProbe(loginURL string, timeout time.Duration, tel telemetry.API) (*Probe, error) {
	assert.NotEmptyStr(loginURL)
	assert.NotNil(tel)

	httpClient := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	httpClient.SetHeader("user-agent", DefaultUserAgent)
	httpClient.SetTimeout(timeout)

	// every account probes the same page, keep it to a trickle
	rateLimiter := rate.NewLimiter(1, 2)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, tel)

	return &Probe{
		loginURL: loginURL,
		http:     httpClient,
		tel:      tel,
	}, nil
}

// Check fails with a *NavigationTimeout at StepProbe when the login page
// can't be fetched or doesn't look like a login page.
func (p *Probe) Check(ctx context.Context) error {
	unreachable := func(err error) error {
		p.tel.ReportWarning(report_probe_check, err)
		return &NavigationTimeout{Step: StepProbe, Err: err}
	}

	res, err := p.http.R().
		SetContext(ctx).
		Get(p.loginURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return unreachable(fmt.Errorf("get login page: %w", err))
	}
	if res.IsError() {
		return unreachable(fmt.Errorf("get login page: %s", res.Status()))
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		return unreachable(fmt.Errorf("parse login page: %w", err))
	}
	if !hasLoginForm(doc) && !isScriptShell(doc) {
		return unreachable(fmt.Errorf("login page has no login form"))
	}
	return nil
}

// isScriptShell accepts a single page app shell, the login form of those is
// rendered by javascript so it is only visible to the browser.
func isScriptShell(doc *goquery.Document) bool {
	return doc.Find("app-root, [ng-version], script[src]").Length() > 0
}
