// Package audit holds the diagnostic checks run against every crawled page.
// Each check reads the page through goquery and reports a tri-state result;
// checks that need a rendering browser are left out of HTTP crawls.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/masahif/pageaudit/internal/crawler"
)

// All selects every check.
const All = "all"

// ErrUnknownCheck is returned by Build for names not in the registry.
var ErrUnknownCheck = errors.New("unknown check")

// maxIssues caps the issues a single check reports for one page.
const maxIssues = 20

// ImageProber reports the HTTP status of a resource without downloading it.
// *fetch.HTTPClient satisfies it.
type ImageProber interface {
	Probe(ctx context.Context, url string) (int, error)
}

// Deps are the collaborators and thresholds checks need.
type Deps struct {
	Prober          ImageProber
	ImageProbeLimit int
	SlowTTFB        time.Duration
	LargePageBytes  int64
	Browser         bool // pages come from the browser fetcher
}

type entry struct {
	browserOnly bool
	build       func(Deps) (crawler.Check, error)
}

var registry = map[string]entry{
	"seo":           {build: func(Deps) (crawler.Check, error) { return seoCheck{}, nil }},
	"headings":      {build: func(Deps) (crawler.Check, error) { return headingsCheck{}, nil }},
	"accessibility": {build: func(Deps) (crawler.Check, error) { return accessibilityCheck{}, nil }},
	"images":        {build: newImagesCheck},
	"cta":           {build: func(Deps) (crawler.Check, error) { return ctaCheck{}, nil }},
	"responsive":    {build: func(Deps) (crawler.Check, error) { return responsiveCheck{}, nil }},
	"security":      {build: func(Deps) (crawler.Check, error) { return securityCheck{}, nil }},
	"performance":   {build: newPerformanceCheck},
	"scripts":       {browserOnly: true, build: func(Deps) (crawler.Check, error) { return scriptsCheck{}, nil }},
}

// order is the registry in report order.
var order = []string{"seo", "headings", "accessibility", "images", "cta", "responsive", "security", "performance", "scripts"}

// Names lists every registered check.
func Names() []string {
	out := make([]string, len(order))
	copy(out, order)
	return out
}

// Build instantiates the named checks. "all" expands to every check that
// applies to the configured fetcher; browser-only checks named explicitly on
// an HTTP crawl are skipped with a warning.
func Build(names []string, deps Deps) ([]crawler.Check, error) {
	selected := make(map[string]bool)
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		switch {
		case name == "":
			continue
		case name == All:
			for _, n := range order {
				if !registry[n].browserOnly || deps.Browser {
					selected[n] = true
				}
			}
		default:
			e, ok := registry[name]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownCheck, name)
			}
			if e.browserOnly && !deps.Browser {
				slog.Warn("Check needs the browser fetcher, skipping", "check", name)
				continue
			}
			selected[name] = true
		}
	}

	var checks []crawler.Check
	for _, name := range order {
		if !selected[name] {
			continue
		}
		check, err := registry[name].build(deps)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", name, err)
		}
		checks = append(checks, check)
	}
	return checks, nil
}

// metaContent returns the content of <meta name=...>, matching the name
// case-insensitively.
func metaContent(doc *goquery.Document, name string) (string, bool) {
	sel := doc.Find("meta[name]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.EqualFold(strings.TrimSpace(s.AttrOr("name", "")), name)
	}).First()
	if sel.Length() == 0 {
		return "", false
	}
	return strings.TrimSpace(sel.AttrOr("content", "")), true
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// capIssues keeps the first maxIssues entries and notes how many were cut.
func capIssues(issues []string) []string {
	if len(issues) <= maxIssues {
		return issues
	}
	extra := len(issues) - maxIssues
	return append(issues[:maxIssues:maxIssues], fmt.Sprintf("... and %d more", extra))
}
