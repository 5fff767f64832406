// Package detector decides when a lightweight fetch is too thin to keep and
// the page should be rendered in a browser instead.
package detector

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const (
	defaultMinTextLength       = 200
	defaultBodyLengthThreshold = 2048
)

// Heuristic implements a handful of rule-based escalations.
type Heuristic struct {
	// MinTextLength is the visible-text floor below which a page is escalated.
	MinTextLength int
	// BodyLengthThreshold bounds the script-density rule to small documents.
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. Zero values select the defaults.
func NewHeuristic(minText, bodyThreshold int) *Heuristic {
	if minText <= 0 {
		minText = defaultMinTextLength
	}
	if bodyThreshold <= 0 {
		bodyThreshold = defaultBodyLengthThreshold
	}
	return &Heuristic{MinTextLength: minText, BodyLengthThreshold: bodyThreshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("data-server-rendered"),
}

// Insufficient reports whether a 2xx HTML response should be re-fetched with
// the rendering engine. Error statuses and non-HTML bodies never escalate.
func (h *Heuristic) Insufficient(outcome crawler.FetchOutcome) bool {
	if outcome.StatusCode < 200 || outcome.StatusCode > 299 || !outcome.IsHTML() {
		return false
	}
	body := outcome.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if visibleTextLength(body) < h.MinTextLength {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// visibleTextLength counts the runes a reader would see in the body.
func visibleTextLength(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0
	}
	doc.Find("script, style, noscript, template, svg").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return utf8.RuneCountInString(text)
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
