package audit

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/masahif/pageaudit/internal/crawler"
)

var ctaText = regexp.MustCompile(`(?i)\b(sign ?up|get started|learn more|contact us|buy now|request a demo|book a demo|get a quote|free trial)\b`)

// ctaCheck looks for at least one call-to-action link or button.
type ctaCheck struct{}

func (ctaCheck) Name() string               { return "cta" }
func (ctaCheck) Category() crawler.Category { return crawler.CategoryContent }

func (c ctaCheck) Run(_ context.Context, page *crawler.Page) crawler.CheckResult {
	found := page.Query().Find("a, button").FilterFunction(func(_ int, s *goquery.Selection) bool {
		class := strings.ToLower(s.AttrOr("class", ""))
		if strings.Contains(class, "cta") || strings.Contains(class, "button") {
			return true
		}
		return ctaText.MatchString(s.Text())
	}).Length()

	var issues []string
	if found == 0 {
		issues = append(issues, "No call-to-action found")
	}
	res := crawler.NewCheckResult(c.Name(), c.Category(), issues)
	res.Detail = map[string]string{"ctas": strconv.Itoa(found)}
	return res
}
