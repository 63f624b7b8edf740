package audit

import (
	"context"
	"strconv"
	"strings"

	"github.com/masahif/pageaudit/internal/crawler"
)

// JavaScript error summaries.
const (
	jsNetwork   = "Network Connection Error"
	jsTimeout   = "Page Load Timeout"
	jsSyntax    = "JavaScript Code Error"
	jsReference = "Missing Resource Error"
	jsOther     = "Other JavaScript Error"
)

// scriptsCheck reports runtime JavaScript errors captured by the browser.
type scriptsCheck struct{}

func (scriptsCheck) Name() string               { return "scripts" }
func (scriptsCheck) Category() crawler.Category { return crawler.CategoryContent }

func (c scriptsCheck) Run(_ context.Context, page *crawler.Page) crawler.CheckResult {
	report := page.Browser()
	if report == nil {
		return crawler.FailedCheck(c.Name(), c.Category(), "page was not rendered")
	}

	issues := make([]string, 0, len(report.JSErrors))
	for _, msg := range report.JSErrors {
		issues = append(issues, SummarizeJSError(msg)+": "+msg)
	}

	res := crawler.NewCheckResult(c.Name(), c.Category(), capIssues(issues))
	res.Detail = map[string]string{"js_errors": strconv.Itoa(len(report.JSErrors))}
	if len(report.JSErrors) > 0 {
		res.Detail["first_error"] = SummarizeJSError(report.JSErrors[0])
	}
	return res
}

// SummarizeJSError buckets a JavaScript error message into a short,
// reader-friendly category.
func SummarizeJSError(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "connection") || strings.Contains(m, "failed to fetch") || strings.Contains(m, "networkerror"):
		return jsNetwork
	case strings.Contains(m, "timeout") || strings.Contains(m, "timed out"):
		return jsTimeout
	case strings.Contains(m, "syntax"):
		return jsSyntax
	case strings.Contains(m, "reference") || strings.Contains(m, "is not defined"):
		return jsReference
	default:
		return jsOther
	}
}
