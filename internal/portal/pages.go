package portal

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"classreports/pkg/htmlutil"
	"classreports/pkg/textutil"

	"github.com/PuerkitoBio/goquery"
)

const DefaultLoginURL = "https://accounts.learninga-z.com/ng/member/login?siteAbbr=rp"

const (
	selUsername       = "input#username"
	selPassword       = "input#password"
	selLoginButton    = "button#memberLoginSubmitButton:not([disabled])"
	selLoginForm      = "form input#username"
	selGreeting       = "h2.homepageGreeting"
	selMenuButtons    = "span.buttonText"
	selDateSelect     = "#mat-select-0"
	selDateOptions    = "mat-option .mat-option-text"
	selStartDate      = `input[aria-label="Start date"]`
	selEndDate        = `input[aria-label="End date"]`
	selReportTabs     = `button[role="tab"]`
	selReportEllipsis = `button[tid="class-reports-ellipsis-tooltip"]`
	selCsvDownload    = "#report-menu-options-0-csv-report-download-btn"

	xpathReportsLink = `//a[contains(normalize-space(.), "Classroom Reports")]`

	menuLabel     = "Menu"
	noResultsText = "No results for filter criteria"
)

// normalized names the classroom reports link is known under.
var reportsLinkNames = []string{"classroomreports", "classreports"}

// login page error markers, any of these with the form still present means
// the portal refused the credentials.
var loginErrorSelectors = []string{
	`[role="alert"]`,
	"mat-error",
	".alert-danger",
	".error-message",
	".errorMessage",
}

// nthXPath selects the n-th (0 based) element matching a css class or tag,
// chromedp clicks by xpath when the element is only identified by position.
func nthXPath(xpath string, n int) string {
	return fmt.Sprintf("(%s)[%d]", xpath, n+1)
}

const (
	xpathMenuButtons = `//span[contains(concat(" ", normalize-space(@class), " "), " buttonText ")]`
	xpathDateOptions = `//mat-option//*[contains(concat(" ", normalize-space(@class), " "), " mat-option-text ")]`
	xpathReportTabs  = `//button[@role="tab"]`
)

type loginState int

const (
	loginPending loginState = iota
	loginSucceeded
	loginRejected
)

// parseLoginPage decides where a login attempt stands from the current
// location and a snapshot of the page.
func parseLoginPage(loginURL, location string, doc *goquery.Document) (loginState, string) {
	if doc.Find(selGreeting).Length() > 0 {
		return loginSucceeded, ""
	}
	if location != "" && !onLoginPage(loginURL, location) {
		return loginSucceeded, ""
	}

	for _, sel := range loginErrorSelectors {
		for _, text := range htmlutil.Texts(doc, sel) {
			if text != "" {
				return loginRejected, text
			}
		}
	}
	return loginPending, ""
}

func onLoginPage(loginURL, location string) bool {
	base, _, _ := strings.Cut(loginURL, "?")
	return strings.HasPrefix(location, base)
}

// menuIndex finds the "Menu" button among the header buttons.
func menuIndex(doc *goquery.Document) int {
	for i, text := range htmlutil.Texts(doc, selMenuButtons) {
		if text == menuLabel {
			return i
		}
	}
	return -1
}

// reportsLink returns the absolute url of the classroom reports link when
// the page already renders it, pages that only show it inside the menu
// return "".
func reportsLink(ctx context.Context, doc *goquery.Document, location string) string {
	base, err := url.Parse(location)
	if err != nil {
		return ""
	}
	for _, a := range htmlutil.GetAnchors(ctx, doc.Find("a[href]")) {
		if a.Href == "" || strings.HasPrefix(a.Href, "#") || strings.HasPrefix(a.Href, "javascript:") {
			continue
		}
		if !textutil.MatchName(a.Name, reportsLinkNames) {
			continue
		}
		link, err := base.Parse(a.Href)
		if err != nil {
			continue
		}
		return link.String()
	}
	return ""
}

// optionIndex finds a date filter option by its exact visible text.
func optionIndex(doc *goquery.Document, label string) int {
	for i, text := range htmlutil.Texts(doc, selDateOptions) {
		if text == label {
			return i
		}
	}
	return -1
}

// tabLabels lists the report tabs in page order.
func tabLabels(doc *goquery.Document) []string {
	return htmlutil.Texts(doc, selReportTabs)
}

// tabIndex finds a report tab by a case insensitive contains match on its
// label.
func tabIndex(doc *goquery.Document, label string) int {
	return textutil.IndexOfName(tabLabels(doc), label)
}

func hasNoResults(doc *goquery.Document) bool {
	return htmlutil.ContainsText(doc, noResultsText)
}

func hasDownloadMenu(doc *goquery.Document) bool {
	return doc.Find(selReportEllipsis).Length() > 0
}

// hasLoginForm is used by the probe to confirm the login page is the one the
// driver knows how to fill.
func hasLoginForm(doc *goquery.Document) bool {
	return doc.Find(selLoginForm).Length() > 0 || doc.Find(selUsername).Length() > 0
}
