package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/masahif/pageaudit/internal/crawler"
)

type imagesCheck struct {
	prober ImageProber
	limit  int
}

func newImagesCheck(deps Deps) (crawler.Check, error) {
	if deps.Prober == nil {
		return nil, errors.New("image prober is required")
	}
	limit := deps.ImageProbeLimit
	if limit <= 0 {
		limit = 5
	}
	return &imagesCheck{prober: deps.Prober, limit: limit}, nil
}

func (*imagesCheck) Name() string               { return "images" }
func (*imagesCheck) Category() crawler.Category { return crawler.CategoryContent }

// Run probes the first images on the page. A probe that fails at the
// transport level counts as broken; only when every probe failed that way is
// the check itself considered failed.
func (c *imagesCheck) Run(ctx context.Context, page *crawler.Page) crawler.CheckResult {
	srcs := c.imageURLs(page)

	var (
		issues    []string
		probeErrs int
		lastErr   error
	)
	for _, src := range srcs {
		if err := ctx.Err(); err != nil {
			return crawler.FailedCheck(c.Name(), c.Category(), err.Error())
		}
		status, err := c.prober.Probe(ctx, src)
		switch {
		case err != nil:
			probeErrs++
			lastErr = err
			issues = append(issues, fmt.Sprintf("Broken image: %s (unreachable)", src))
		case status >= 400:
			issues = append(issues, fmt.Sprintf("Broken image: %s (status %d)", src, status))
		}
	}

	if len(srcs) > 0 && probeErrs == len(srcs) {
		return crawler.FailedCheck(c.Name(), c.Category(), fmt.Sprintf("all %d image probes failed: %v", probeErrs, lastErr))
	}

	res := crawler.NewCheckResult(c.Name(), c.Category(), issues)
	res.Detail = map[string]string{
		"probed": strconv.Itoa(len(srcs)),
		"broken": strconv.Itoa(len(issues)),
	}
	return res
}

// imageURLs returns up to limit distinct absolute http(s) image URLs.
func (c *imagesCheck) imageURLs(page *crawler.Page) []string {
	seen := make(map[string]bool)
	var out []string
	page.Query().Find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if src == "" {
			return true
		}
		abs, err := page.Document.Resolve(src)
		if err != nil || seen[abs] {
			return true
		}
		seen[abs] = true
		out = append(out, abs)
		return len(out) < c.limit
	})
	return out
}
