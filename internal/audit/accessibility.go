package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/masahif/pageaudit/internal/crawler"
)

// unlabelledTypes are input types that carry no user-entered value.
var unlabelledTypes = map[string]bool{
	"hidden": true, "submit": true, "button": true, "reset": true, "image": true,
}

type accessibilityCheck struct{}

func (accessibilityCheck) Name() string               { return "accessibility" }
func (accessibilityCheck) Category() crawler.Category { return crawler.CategoryAccessibility }

func (c accessibilityCheck) Run(_ context.Context, page *crawler.Page) crawler.CheckResult {
	doc := page.Query()
	var issues []string

	missingAlt := doc.Find("img:not([alt])").Length()
	if missingAlt > 0 {
		issues = append(issues, fmt.Sprintf("%d images missing alt text", missingAlt))
	}

	if strings.TrimSpace(doc.Find("html").AttrOr("lang", "")) == "" {
		issues = append(issues, "Missing lang attribute on <html>")
	}

	emptyLinks := doc.Find("a[href]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return !hasAccessibleName(s)
	}).Length()
	if emptyLinks > 0 {
		issues = append(issues, fmt.Sprintf("%d links without accessible text", emptyLinks))
	}

	labels := make(map[string]bool)
	doc.Find("label[for]").Each(func(_ int, s *goquery.Selection) {
		labels[s.AttrOr("for", "")] = true
	})
	unlabelled := doc.Find("input, select, textarea").FilterFunction(func(_ int, s *goquery.Selection) bool {
		if unlabelledTypes[strings.ToLower(s.AttrOr("type", ""))] {
			return false
		}
		if id := s.AttrOr("id", ""); id != "" && labels[id] {
			return false
		}
		if s.Closest("label").Length() > 0 {
			return false
		}
		return !hasAttrValue(s, "aria-label") && !hasAttrValue(s, "aria-labelledby") && !hasAttrValue(s, "title")
	}).Length()
	if unlabelled > 0 {
		issues = append(issues, fmt.Sprintf("%d form controls without a label", unlabelled))
	}

	res := crawler.NewCheckResult(c.Name(), c.Category(), issues)
	res.Detail = map[string]string{"missing_alt": strconv.Itoa(missingAlt)}
	return res
}

// hasAccessibleName reports whether a link has text a screen reader can
// announce: its own text, an aria-label or title, or an image with alt text.
func hasAccessibleName(s *goquery.Selection) bool {
	if strings.TrimSpace(s.Text()) != "" {
		return true
	}
	if hasAttrValue(s, "aria-label") || hasAttrValue(s, "aria-labelledby") || hasAttrValue(s, "title") {
		return true
	}
	return s.Find("img[alt]").FilterFunction(func(_ int, img *goquery.Selection) bool {
		return hasAttrValue(img, "alt")
	}).Length() > 0
}

func hasAttrValue(s *goquery.Selection, name string) bool {
	return strings.TrimSpace(s.AttrOr(name, "")) != ""
}
