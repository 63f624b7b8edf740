package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/masahif/pageaudit/internal/crawler"
)

// Default thresholds when Deps leaves them unset.
const (
	defaultSlowTTFB       = 2 * time.Second
	defaultLargePageBytes = 3 << 20
)

type performanceCheck struct {
	slowTTFB  time.Duration
	largePage int64
}

func newPerformanceCheck(deps Deps) (crawler.Check, error) {
	c := &performanceCheck{slowTTFB: deps.SlowTTFB, largePage: deps.LargePageBytes}
	if c.slowTTFB <= 0 {
		c.slowTTFB = defaultSlowTTFB
	}
	if c.largePage <= 0 {
		c.largePage = defaultLargePageBytes
	}
	return c, nil
}

func (*performanceCheck) Name() string               { return "performance" }
func (*performanceCheck) Category() crawler.Category { return crawler.CategoryPerformance }

func (c *performanceCheck) Run(_ context.Context, page *crawler.Page) crawler.CheckResult {
	resp := page.Response
	if resp == nil {
		return crawler.FailedCheck(c.Name(), c.Category(), "no response")
	}

	var issues []string
	ttfb := resp.Metrics.TTFB
	if ttfb > c.slowTTFB {
		issues = append(issues, fmt.Sprintf("Slow time to first byte: %s", ttfb.Round(time.Millisecond)))
	}
	if report := page.Browser(); report != nil && report.SlowLoad {
		issues = append(issues, "Slow loading: page did not settle")
	}

	size := uint64(len(resp.Body))
	switch {
	case resp.Truncated:
		issues = append(issues, fmt.Sprintf("Page body exceeds the %s download cap", humanize.Bytes(size)))
	case int64(size) > c.largePage:
		issues = append(issues, fmt.Sprintf("Large page: %s of HTML", humanize.Bytes(size)))
	}

	res := crawler.NewCheckResult(c.Name(), c.Category(), issues)
	res.Detail = map[string]string{
		"ttfb_ms": fmt.Sprintf("%d", ttfb.Milliseconds()),
		"size":    humanize.Bytes(size),
	}
	return res
}
