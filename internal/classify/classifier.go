// Package classify inspects raw page bytes and decides what was fetched:
// genuine book content, an anti-bot interstitial, or junk. It is a pure
// function over the body; no network access.
package classify

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/maktaba/shamela-crawler/internal/crawl"
)

const defaultMinContentBytes = 500

var (
	defaultChallengeMarkers = []string{
		"Just a moment",
		"challenges.cloudflare.com",
	}
	// Selectors that only appear on genuine content pages. Requiring their
	// absence before declaring a challenge avoids false positives on pages
	// that merely mention the CDN's domain in a footer or script.
	defaultContentSelectors = []string{
		"div.nass",
		"div.book-page",
	}
	defaultNotFoundMarkers = []string{
		"404 Not Found",
		"الصفحة غير موجودة", // the site's own "page not found" banner
	}
)

// Classifier implements crawl.Classifier with marker and selector checks.
type Classifier struct {
	minContentBytes  int
	challengeMarkers [][]byte
	contentSelectors []string
	notFoundMarkers  [][]byte
}

// Option adjusts a Classifier.
type Option func(*Classifier)

// WithMinContentBytes overrides the too-short-to-be-content threshold.
func WithMinContentBytes(n int) Option {
	return func(c *Classifier) { c.minContentBytes = n }
}

// WithChallengeMarkers replaces the challenge marker substrings.
func WithChallengeMarkers(markers ...string) Option {
	return func(c *Classifier) { c.challengeMarkers = lowerBytes(markers) }
}

// WithContentSelectors replaces the genuine-content CSS selectors.
func WithContentSelectors(selectors ...string) Option {
	return func(c *Classifier) { c.contentSelectors = selectors }
}

// New builds a Classifier with site defaults.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		minContentBytes:  defaultMinContentBytes,
		challengeMarkers: lowerBytes(defaultChallengeMarkers),
		contentSelectors: defaultContentSelectors,
		notFoundMarkers:  lowerBytes(defaultNotFoundMarkers),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify categorizes the body. HasNext is only set for valid pages.
func (c *Classifier) Classify(body []byte) crawl.Classification {
	if len(body) < c.minContentBytes {
		return crawl.Classification{Class: crawl.PageInvalid}
	}
	lower := bytes.ToLower(body)
	if containsAny(lower, c.notFoundMarkers) {
		return crawl.Classification{Class: crawl.PageInvalid}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawl.Classification{Class: crawl.PageInvalid}
	}

	hasContent := c.hasContent(doc)
	if containsAny(lower, c.challengeMarkers) && !hasContent {
		return crawl.Classification{Class: crawl.PageChallenge}
	}
	if !hasContent {
		return crawl.Classification{Class: crawl.PageInvalid}
	}
	return crawl.Classification{
		Class:   crawl.PageValid,
		HasNext: hasNextControl(doc),
	}
}

func (c *Classifier) hasContent(doc *goquery.Document) bool {
	for _, sel := range c.contentSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

// hasNextControl looks for a forward-pagination button that is present,
// enabled, and carries a navigable target. The site renders "next" as an
// anchor with a single chevron and "jump to last" with a doubled one, so a
// doubled chevron never counts.
func hasNextControl(doc *goquery.Document) bool {
	found := false
	doc.Find("a.btn").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if !isNextGlyph(text) {
			return true
		}
		if _, disabled := sel.Attr("disabled"); disabled {
			return true
		}
		href, ok := sel.Attr("href")
		if !ok || href == "" || href == "#" {
			return true
		}
		found = true
		return false
	})
	return found
}

func isNextGlyph(text string) bool {
	single := strings.Contains(text, ">") || strings.Contains(text, "»")
	double := strings.Contains(text, ">>") || strings.Contains(text, "»»")
	return single && !double
}

func containsAny(lower []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

func lowerBytes(markers []string) [][]byte {
	out := make([][]byte, 0, len(markers))
	for _, m := range markers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		out = append(out, bytes.ToLower([]byte(m)))
	}
	return out
}
