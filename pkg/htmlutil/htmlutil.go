package htmlutil

import (
	"bytes"
	"context"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/html"
)

var tracer = otel.Tracer("classreports/pkg/htmlutil")

// Parse parses an html snapshot (ex. the outer html of a page) into a document.
func Parse(snapshot string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(snapshot))
}

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

var whitespace = regexp.MustCompile(`\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanText collapses whitespace and drops non printable runes.
func CleanText(s string) string {
	s = whitespace.ReplaceAllString(s, " ")
	s = removeNonPrintable(s)
	return strings.TrimSpace(s)
}

// Texts returns the cleaned text of every node matching selector, in
// document order.
func Texts(doc *goquery.Document, selector string) []string {
	var out []string
	for _, n := range doc.Find(selector).Nodes {
		out = append(out, CleanText(GetText(n)))
	}
	return out
}

// ContainsText reports whether the visible text of the document contains
// text, ignoring case and runs of whitespace.
func ContainsText(doc *goquery.Document, text string) bool {
	body := strings.ToLower(CleanText(doc.Find("body").Text()))
	return strings.Contains(body, strings.ToLower(CleanText(text)))
}

type Anchor struct {
	Name string
	Href string
}

func GetAnchors(ctx context.Context, sel *goquery.Selection) []Anchor {
	_, span := tracer.Start(ctx, "GetAnchors")
	defer span.End()

	anchors := []Anchor{}
	for _, n := range sel.Nodes {
		href := ""
		for _, a := range n.Attr {
			if a.Key == "href" {
				href = a.Val
				break
			}
		}

		link, err := url.Parse(href)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "got error while parsing url")
			continue
		}

		name := CleanText(GetText(n))
		linkStr := link.String()
		anchors = append(anchors, Anchor{
			Name: name,
			Href: linkStr,
		})
		span.AddEvent("anchor", trace.WithAttributes(
			attribute.String("name", name),
			attribute.String("url", linkStr),
		))
	}

	return anchors
}
