package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/masahif/pageaudit/internal/crawler"
)

// metaDetailLimit bounds the description and keywords copied into the result.
const metaDetailLimit = 500

type seoCheck struct{}

func (seoCheck) Name() string               { return "seo" }
func (seoCheck) Category() crawler.Category { return crawler.CategorySEO }

func (c seoCheck) Run(_ context.Context, page *crawler.Page) crawler.CheckResult {
	doc := page.Query()
	var issues []string

	if strings.TrimSpace(doc.Find("title").First().Text()) == "" {
		issues = append(issues, "Missing title")
	}

	desc, _ := metaContent(doc, "description")
	if desc == "" {
		issues = append(issues, "Missing meta description")
	}
	keywords, _ := metaContent(doc, "keywords")
	if keywords == "" {
		issues = append(issues, "Missing meta keywords")
	}

	switch h1 := doc.Find("h1").Length(); {
	case h1 == 0:
		issues = append(issues, "Missing H1")
	case h1 > 1:
		issues = append(issues, fmt.Sprintf("Multiple H1 tags (%d)", h1))
	}

	if robots, ok := metaContent(doc, "robots"); ok && strings.Contains(strings.ToLower(robots), "noindex") {
		issues = append(issues, "Page is marked noindex")
	}

	res := crawler.NewCheckResult(c.Name(), c.Category(), issues)
	res.Detail = map[string]string{
		"meta_description": truncate(desc, metaDetailLimit),
		"meta_keywords":    truncate(keywords, metaDetailLimit),
	}
	if page.Document != nil && page.Document.CanonicalURL != "" {
		res.Detail["canonical"] = page.Document.CanonicalURL
	}
	return res
}

// headingsCheck counts headings and flags skipped levels (h2 followed by h4).
type headingsCheck struct{}

func (headingsCheck) Name() string               { return "headings" }
func (headingsCheck) Category() crawler.Category { return crawler.CategoryContent }

func (c headingsCheck) Run(_ context.Context, page *crawler.Page) crawler.CheckResult {
	var (
		counts [7]int
		issues []string
		prev   int
	)

	page.Query().Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		level := int(goquery.NodeName(s)[1] - '0')
		counts[level]++
		if prev > 0 && level > prev+1 {
			issues = append(issues, fmt.Sprintf("Heading level skipped: h%d followed by h%d", prev, level))
		}
		prev = level
	})

	res := crawler.NewCheckResult(c.Name(), c.Category(), capIssues(issues))
	res.Detail = make(map[string]string, 6)
	for level := 1; level <= 6; level++ {
		res.Detail["h"+strconv.Itoa(level)] = strconv.Itoa(counts[level])
	}
	return res
}
