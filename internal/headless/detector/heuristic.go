// Package detector recognizes bot-challenge interstitials in rendered pages.
package detector

import (
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Heuristic implements a handful of rule-based challenge checks.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. Pages shorter than threshold that are
// mostly script are treated as interstitials.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var challengeSelectors = []string{
	".g-recaptcha",
	".h-captcha",
	"#challenge-form",
	"#challenge-running",
	"#cf-challenge-running",
	"iframe[src*='captcha']",
	"iframe[src*='challenges.cloudflare.com']",
	"div[data-sitekey]",
}

var challengeTitles = []string{
	"just a moment",
	"attention required",
	"are you a human",
	"access denied",
	"blocked",
}

// Challenged reports whether status and html look like a bot challenge rather
// than the requested content. A zero status skips the status check.
func (h *Heuristic) Challenged(status int, html string) bool {
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	if strings.TrimSpace(html) == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	for _, sel := range challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, marker := range challengeTitles {
		if strings.Contains(title, marker) {
			return true
		}
	}
	return len(html) < h.BodyLengthThreshold && scriptDensityHigh([]byte(html))
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
	return scriptCoverage*100/total >= 50
}
