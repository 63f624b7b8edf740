package audit

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/masahif/pageaudit/internal/crawler"
	"github.com/masahif/pageaudit/internal/fetch"
)

// mobileWidth is the narrowest viewport the static heuristics assume.
const mobileWidth = 375

var (
	fixedWidth        = regexp.MustCompile(`(?i)(?:^|;)\s*(?:min-)?width\s*:\s*(\d+)px`)
	responsiveClasses = regexp.MustCompile(`(?:^|\s)(?:sm|md|lg|xl|col-(?:xs|sm|md|lg|xl))[:-]`)
)

// responsiveCheck reports per-viewport overflow when the page was rendered
// and falls back to markup heuristics otherwise.
type responsiveCheck struct{}

func (responsiveCheck) Name() string               { return "responsive" }
func (responsiveCheck) Category() crawler.Category { return crawler.CategoryResponsiveness }

func (c responsiveCheck) Run(_ context.Context, page *crawler.Page) crawler.CheckResult {
	if report := page.Browser(); report != nil && len(report.Viewports) > 0 {
		return c.fromViewports(report.Viewports)
	}
	return c.static(page.Query())
}

// fromViewports prefixes each issue with its viewport. Viewports whose
// evaluation failed are listed in the detail; the check fails only when
// none could be evaluated.
func (c responsiveCheck) fromViewports(viewports []fetch.ViewportResult) crawler.CheckResult {
	var (
		issues []string
		failed []string
	)
	for _, vp := range viewports {
		if vp.Err != "" {
			failed = append(failed, vp.Name+": "+vp.Err)
			continue
		}
		for _, issue := range vp.Issues {
			issues = append(issues, vp.Name+": "+issue)
		}
	}

	if len(failed) == len(viewports) {
		return crawler.FailedCheck(c.Name(), c.Category(), strings.Join(failed, "; "))
	}

	res := crawler.NewCheckResult(c.Name(), c.Category(), capIssues(issues))
	res.Detail = map[string]string{"viewports": strconv.Itoa(len(viewports) - len(failed))}
	if len(failed) > 0 {
		res.Detail["failed_viewports"] = strings.Join(failed, "; ")
	}
	return res
}

func (c responsiveCheck) static(doc *goquery.Document) crawler.CheckResult {
	var issues []string

	viewport, ok := metaContent(doc, "viewport")
	switch {
	case !ok || viewport == "":
		issues = append(issues, "Missing viewport meta tag")
	case !strings.Contains(strings.ToLower(viewport), "width=device-width"):
		issues = append(issues, "Viewport meta tag does not set width=device-width")
	}
	if disablesZoom(viewport) {
		issues = append(issues, "Viewport meta tag disables zoom")
	}

	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		m := fixedWidth.FindStringSubmatch(s.AttrOr("style", ""))
		if m == nil {
			return
		}
		if px, err := strconv.Atoi(m[1]); err == nil && px > mobileWidth {
			issues = append(issues, fmt.Sprintf("Fixed-width <%s> (%dpx) wider than a mobile screen", goquery.NodeName(s), px))
		}
	})

	mediaQueries := false
	doc.Find("style").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		mediaQueries = strings.Contains(s.Text(), "@media")
		return !mediaQueries
	})
	if doc.Find("link[media]").Length() > 0 {
		mediaQueries = true
	}
	classes := doc.Find("[class]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return responsiveClasses.MatchString(s.AttrOr("class", ""))
	}).Length() > 0

	res := crawler.NewCheckResult(c.Name(), c.Category(), capIssues(issues))
	res.Detail = map[string]string{
		"media_queries":      strconv.FormatBool(mediaQueries),
		"responsive_classes": strconv.FormatBool(classes),
	}
	return res
}

func disablesZoom(viewport string) bool {
	v := strings.ReplaceAll(strings.ToLower(viewport), " ", "")
	return strings.Contains(v, "user-scalable=no") || strings.Contains(v, "user-scalable=0") ||
		strings.Contains(v, "maximum-scale=1,") || strings.HasSuffix(v, "maximum-scale=1") ||
		strings.Contains(v, "maximum-scale=1.0")
}
