package audit

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/masahif/pageaudit/internal/crawler"
)

// subresources are the elements whose URLs load with the page.
var subresources = []struct{ selector, attr string }{
	{"img[src]", "src"},
	{"script[src]", "src"},
	{"iframe[src]", "src"},
	{"audio[src], video[src], source[src]", "src"},
	{`link[rel~="stylesheet"][href]`, "href"},
}

type securityCheck struct{}

func (securityCheck) Name() string               { return "security" }
func (securityCheck) Category() crawler.Category { return crawler.CategorySecurity }

func (c securityCheck) Run(_ context.Context, page *crawler.Page) crawler.CheckResult {
	u, err := url.Parse(page.URL)
	if err != nil {
		return crawler.FailedCheck(c.Name(), c.Category(), err.Error())
	}

	var issues []string
	if u.Scheme != "https" {
		issues = append(issues, "Page not served over HTTPS")
	}

	if report := page.Browser(); report != nil {
		for _, m := range report.MixedContent {
			issues = append(issues, "Mixed content: "+m)
		}
	} else if u.Scheme == "https" {
		for _, insecure := range insecureSubresources(page.Query()) {
			issues = append(issues, "Insecure subresource: "+insecure)
		}
	}

	if resp := page.Response; u.Scheme == "https" && resp != nil && resp.Headers != nil {
		if resp.Headers.Get("Strict-Transport-Security") == "" {
			issues = append(issues, "Missing Strict-Transport-Security header")
		}
	}

	return crawler.NewCheckResult(c.Name(), c.Category(), capIssues(issues))
}

func insecureSubresources(doc *goquery.Document) []string {
	seen := make(map[string]bool)
	var out []string
	for _, sub := range subresources {
		doc.Find(sub.selector).Each(func(_ int, s *goquery.Selection) {
			ref := strings.TrimSpace(s.AttrOr(sub.attr, ""))
			if strings.HasPrefix(strings.ToLower(ref), "http://") && !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		})
	}
	return out
}
