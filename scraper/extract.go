package scraper

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"halbooking-notifier/pkg/notifier"
)

const (
	rowSelector       = "tr.infinite-item"
	mainInfoSelector  = "td.liste_wide.min992:not(.holdinfo)"
	classInfoSelector = "td.liste_wide.min992.holdinfo"
	capacitySelector  = "td.ledige"
	capacityPrefix    = "ledige"
)

// ExtractError reports a listing page that could not be turned into records.
type ExtractError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ExtractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// IsExtractError checks if an error is an extraction error.
func IsExtractError(err error) bool {
	var ee *ExtractError
	return errors.As(err, &ee)
}

// Extract turns listing pages into raw records, in page order.
// Individual rows are not validated here; see notifier.Normalize.
func Extract(pages []Page) ([]notifier.RawEvent, error) {
	var raws []notifier.RawEvent
	for _, p := range pages {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
		if err != nil {
			return nil, &ExtractError{URL: p.URL, Reason: "parse html", Err: err}
		}
		if doc.Find("table").Length() == 0 {
			return nil, &ExtractError{URL: p.URL, Reason: "no listing table"}
		}

		doc.Find(rowSelector).Each(func(_ int, row *goquery.Selection) {
			raws = append(raws, extractRow(row))
		})
	}
	return raws, nil
}

// Extract is the method form of Extract so a Scraper can serve as the whole retrieval source.
func (s *Scraper) Extract(pages []Page) ([]notifier.RawEvent, error) {
	return Extract(pages)
}

func extractRow(row *goquery.Selection) notifier.RawEvent {
	id, _ := row.Attr("id")
	raw := notifier.RawEvent{
		Token:    id,
		MainInfo: textLines(row.Find(mainInfoSelector).First()),
	}

	for _, line := range textLines(row.Find(classInfoSelector).First()) {
		if raw.Capacity == "" && strings.HasPrefix(strings.ToLower(line), capacityPrefix) {
			raw.Capacity = digits(line)
			continue
		}
		raw.ClassInfo = append(raw.ClassInfo, line)
	}

	if c := row.Find(capacitySelector).First(); c.Length() > 0 {
		raw.Capacity = digits(c.Text())
	}
	return raw
}

// textLines returns the trimmed, non-empty text nodes under sel in document order.
func textLines(sel *goquery.Selection) []string {
	var lines []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				lines = append(lines, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return lines
}

// digits returns the first run of digits in s, so "3 af 12" reads as 3.
func digits(s string) string {
	start := strings.IndexFunc(s, isDigit)
	if start < 0 {
		return ""
	}
	end := strings.IndexFunc(s[start:], func(r rune) bool { return !isDigit(r) })
	if end < 0 {
		return s[start:]
	}
	return s[start : start+end]
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
