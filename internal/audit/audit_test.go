package audit

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masahif/pageaudit/internal/crawler"
	"github.com/masahif/pageaudit/internal/fetch"
	"github.com/masahif/pageaudit/internal/parser"
)

const pageURL = "https://example.com/page"

func newPage(t *testing.T, rawURL, body string) *crawler.Page {
	t.Helper()
	doc, err := parser.Parse(rawURL, []byte(body))
	require.NoError(t, err)
	return &crawler.Page{
		URL:      rawURL,
		Document: doc,
		Response: &fetch.Response{
			URL:         rawURL,
			FinalURL:    rawURL,
			StatusCode:  200,
			ContentType: "text/html",
			Body:        []byte(body),
			Headers:     http.Header{"Strict-Transport-Security": {"max-age=63072000"}},
		},
	}
}

type fakeProber struct {
	mu       sync.Mutex
	statuses map[string]int
	errs     map[string]error
	probed   []string
}

func (f *fakeProber) Probe(_ context.Context, u string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, u)
	if err, ok := f.errs[u]; ok {
		return 0, err
	}
	if s, ok := f.statuses[u]; ok {
		return s, nil
	}
	return 200, nil
}

func checkNames(checks []crawler.Check) []string {
	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.Name()
	}
	return names
}

func TestBuild(t *testing.T) {
	deps := Deps{Prober: &fakeProber{}}

	checks, err := Build([]string{"all"}, deps)
	require.NoError(t, err)
	assert.Equal(t, []string{"seo", "headings", "accessibility", "images", "cta", "responsive", "security", "performance"}, checkNames(checks))

	deps.Browser = true
	checks, err = Build([]string{"all"}, deps)
	require.NoError(t, err)
	assert.Equal(t, Names(), checkNames(checks))

	checks, err = Build([]string{" SEO ", "security", "seo"}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, []string{"seo", "security"}, checkNames(checks))

	checks, err = Build([]string{"scripts"}, Deps{})
	require.NoError(t, err)
	assert.Empty(t, checks)

	_, err = Build([]string{"spelling"}, deps)
	assert.ErrorIs(t, err, ErrUnknownCheck)

	_, err = Build([]string{"images"}, Deps{})
	assert.Error(t, err)
}

func TestSEOCheck(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		issues []string
	}{
		{
			name: "complete",
			body: `<html><head><title>Home</title>
				<meta name="description" content="About us">
				<meta name="Keywords" content="a, b"></head>
				<body><h1>Welcome</h1></body></html>`,
		},
		{
			name:   "bare",
			body:   `<html><body><p>x</p></body></html>`,
			issues: []string{"Missing title", "Missing meta description", "Missing meta keywords", "Missing H1"},
		},
		{
			name: "multiple h1 and noindex",
			body: `<html><head><title>T</title>
				<meta name="description" content="d"><meta name="keywords" content="k">
				<meta name="robots" content="NOINDEX, follow"></head>
				<body><h1>a</h1><h1>b</h1></body></html>`,
			issues: []string{"Multiple H1 tags (2)", "Page is marked noindex"},
		},
		{
			name: "blank description",
			body: `<html><head><title>T</title><meta name="description" content="  ">
				<meta name="keywords" content="k"></head><body><h1>a</h1></body></html>`,
			issues: []string{"Missing meta description"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := seoCheck{}.Run(context.Background(), newPage(t, pageURL, tt.body))
			assert.Equal(t, tt.issues, res.Issues)
			if len(tt.issues) == 0 {
				assert.Equal(t, crawler.OutcomePass, res.Outcome)
			} else {
				assert.Equal(t, crawler.OutcomeIssue, res.Outcome)
			}
		})
	}
}

func TestSEOCheckTruncatesDetail(t *testing.T) {
	long := strings.Repeat("é", 600)
	body := `<html><head><title>T</title><meta name="description" content="` + long + `"></head></html>`

	res := seoCheck{}.Run(context.Background(), newPage(t, pageURL, body))
	assert.Equal(t, 500, len([]rune(res.Detail["meta_description"])))
}

func TestHeadingsCheck(t *testing.T) {
	body := `<h1>a</h1><h2>b</h2><h4>c</h4><h2>d</h2><h3>e</h3><h6>f</h6>`
	res := headingsCheck{}.Run(context.Background(), newPage(t, pageURL, body))

	assert.Equal(t, []string{
		"Heading level skipped: h2 followed by h4",
		"Heading level skipped: h3 followed by h6",
	}, res.Issues)
	assert.Equal(t, "1", res.Detail["h1"])
	assert.Equal(t, "2", res.Detail["h2"])
	assert.Equal(t, "0", res.Detail["h5"])
}

func TestAccessibilityCheck(t *testing.T) {
	body := `<html lang="en"><body>
		<img src="a.png" alt="A"><img src="b.png" alt=""><img src="c.png"><img src="d.png">
		<a href="/1">Text</a>
		<a href="/2"><img src="logo.png" alt="Logo"></a>
		<a href="/3" aria-label="Close"></a>
		<a href="/4"><span> </span></a>
		<label for="email">Email</label><input id="email" type="email">
		<label>Name <input type="text"></label>
		<input type="search" aria-label="Search">
		<input type="hidden" name="csrf">
		<input type="text" name="phone">
		<textarea></textarea>
	</body></html>`

	res := accessibilityCheck{}.Run(context.Background(), newPage(t, pageURL, body))
	assert.Equal(t, crawler.OutcomeIssue, res.Outcome)
	assert.Equal(t, []string{
		"2 images missing alt text",
		"1 links without accessible text",
		"2 form controls without a label",
	}, res.Issues)
	assert.Equal(t, "2", res.Detail["missing_alt"])
}

func TestAccessibilityMissingLang(t *testing.T) {
	res := accessibilityCheck{}.Run(context.Background(), newPage(t, pageURL, `<html><body>x</body></html>`))
	assert.Equal(t, []string{"Missing lang attribute on <html>"}, res.Issues)
}

func TestImagesCheck(t *testing.T) {
	prober := &fakeProber{
		statuses: map[string]int{"https://example.com/img/missing.png": 404},
		errs:     map[string]error{"https://cdn.example.net/down.png": errors.New("dial tcp: refused")},
	}
	check, err := newImagesCheck(Deps{Prober: prober, ImageProbeLimit: 3})
	require.NoError(t, err)

	body := `<img src="/img/ok.png"><img src="/img/ok.png"><img src="data:image/png;base64,xx">
		<img src="img/missing.png"><img src="https://cdn.example.net/down.png"><img src="/img/never.png">`
	res := check.Run(context.Background(), newPage(t, "https://example.com/", body))

	assert.Equal(t, []string{
		"https://example.com/img/ok.png",
		"https://example.com/img/missing.png",
		"https://cdn.example.net/down.png",
	}, prober.probed)
	assert.Equal(t, crawler.OutcomeIssue, res.Outcome)
	assert.Equal(t, []string{
		"Broken image: https://example.com/img/missing.png (status 404)",
		"Broken image: https://cdn.example.net/down.png (unreachable)",
	}, res.Issues)
	assert.Equal(t, "3", res.Detail["probed"])
}

func TestImagesCheckAllProbesFailed(t *testing.T) {
	prober := &fakeProber{errs: map[string]error{
		"https://example.com/a.png": errors.New("timeout"),
		"https://example.com/b.png": errors.New("timeout"),
	}}
	check, err := newImagesCheck(Deps{Prober: prober})
	require.NoError(t, err)

	res := check.Run(context.Background(), newPage(t, "https://example.com/", `<img src="/a.png"><img src="/b.png">`))
	assert.Equal(t, crawler.OutcomeFailed, res.Outcome)

	res = check.Run(context.Background(), newPage(t, "https://example.com/", `<p>no images</p>`))
	assert.Equal(t, crawler.OutcomePass, res.Outcome)
}

func TestCTACheck(t *testing.T) {
	tests := []struct {
		body string
		want crawler.Outcome
	}{
		{`<a class="btn hero-CTA" href="/x">Go</a>`, crawler.OutcomePass},
		{`<button class="primary-button">Go</button>`, crawler.OutcomePass},
		{`<a href="/demo">Request a demo</a>`, crawler.OutcomePass},
		{`<button>Sign up today</button>`, crawler.OutcomePass},
		{`<a href="/about">About</a><p>Get started</p>`, crawler.OutcomeIssue},
	}
	for _, tt := range tests {
		res := ctaCheck{}.Run(context.Background(), newPage(t, pageURL, tt.body))
		assert.Equal(t, tt.want, res.Outcome, tt.body)
	}
}

func TestResponsiveStatic(t *testing.T) {
	good := `<html><head><meta name="viewport" content="width=device-width, initial-scale=1">
		<style>@media (max-width: 600px) { nav { display: none } }</style></head>
		<body><div class="md:flex" style="width: 300px">x</div></body></html>`
	res := responsiveCheck{}.Run(context.Background(), newPage(t, pageURL, good))
	assert.Equal(t, crawler.OutcomePass, res.Outcome)
	assert.Equal(t, "true", res.Detail["media_queries"])
	assert.Equal(t, "true", res.Detail["responsive_classes"])

	bad := `<html><head><meta name="viewport" content="width=1024, user-scalable=no"></head>
		<body><table style="border:0; width:1200px">x</table><div style="max-width: 900px">y</div></body></html>`
	res = responsiveCheck{}.Run(context.Background(), newPage(t, pageURL, bad))
	assert.Equal(t, []string{
		"Viewport meta tag does not set width=device-width",
		"Viewport meta tag disables zoom",
		"Fixed-width <table> (1200px) wider than a mobile screen",
	}, res.Issues)
	assert.Equal(t, "false", res.Detail["media_queries"])

	res = responsiveCheck{}.Run(context.Background(), newPage(t, pageURL, `<p>x</p>`))
	assert.Equal(t, []string{"Missing viewport meta tag"}, res.Issues)
}

func TestResponsiveViewports(t *testing.T) {
	page := newPage(t, pageURL, `<p>x</p>`)
	page.Response.Browser = &fetch.BrowserReport{Viewports: []fetch.ViewportResult{
		{Name: "Mobile", Issues: []string{"DIV wider than viewport (x2)"}},
		{Name: "Tablet", Err: "context canceled"},
		{Name: "Desktop"},
	}}

	res := responsiveCheck{}.Run(context.Background(), page)
	assert.Equal(t, crawler.OutcomeIssue, res.Outcome)
	assert.Equal(t, []string{"Mobile: DIV wider than viewport (x2)"}, res.Issues)
	assert.Equal(t, "Tablet: context canceled", res.Detail["failed_viewports"])

	page.Response.Browser.Viewports = []fetch.ViewportResult{{Name: "Mobile", Err: "boom"}}
	page = &crawler.Page{URL: page.URL, Document: page.Document, Response: page.Response}
	res = responsiveCheck{}.Run(context.Background(), page)
	assert.Equal(t, crawler.OutcomeFailed, res.Outcome)
}

func TestSecurityCheck(t *testing.T) {
	body := `<img src="http://cdn.example.com/a.png"><script src="https://example.com/app.js"></script>
		<link rel="preload stylesheet" href="http://cdn.example.com/site.css"><img src="http://cdn.example.com/a.png">`

	res := securityCheck{}.Run(context.Background(), newPage(t, pageURL, body))
	assert.Equal(t, []string{
		"Insecure subresource: http://cdn.example.com/a.png",
		"Insecure subresource: http://cdn.example.com/site.css",
	}, res.Issues)

	page := newPage(t, "http://example.com/", `<p>plain</p>`)
	res = securityCheck{}.Run(context.Background(), page)
	assert.Equal(t, []string{"Page not served over HTTPS"}, res.Issues)

	page = newPage(t, pageURL, body)
	page.Response.Headers = http.Header{}
	page.Response.Browser = &fetch.BrowserReport{MixedContent: []string{"http://cdn.example.com/a.png"}}
	res = securityCheck{}.Run(context.Background(), page)
	assert.Equal(t, []string{
		"Mixed content: http://cdn.example.com/a.png",
		"Missing Strict-Transport-Security header",
	}, res.Issues)
}

func TestPerformanceCheck(t *testing.T) {
	check, err := newPerformanceCheck(Deps{SlowTTFB: time.Second, LargePageBytes: 100})
	require.NoError(t, err)

	page := newPage(t, pageURL, `<p>small</p>`)
	page.Response.Metrics.TTFB = 200 * time.Millisecond
	res := check.Run(context.Background(), page)
	assert.Equal(t, crawler.OutcomePass, res.Outcome)
	assert.Equal(t, "200", res.Detail["ttfb_ms"])

	page = newPage(t, pageURL, strings.Repeat("<p>big</p>", 20))
	page.Response.Metrics.TTFB = 1500 * time.Millisecond
	page.Response.Browser = &fetch.BrowserReport{SlowLoad: true}
	res = check.Run(context.Background(), page)
	assert.Equal(t, []string{
		"Slow time to first byte: 1.5s",
		"Slow loading: page did not settle",
		"Large page: 200 B of HTML",
	}, res.Issues)

	page = newPage(t, pageURL, strings.Repeat("<p>big</p>", 20))
	page.Response.Truncated = true
	res = check.Run(context.Background(), page)
	assert.Equal(t, []string{"Page body exceeds the 200 B download cap"}, res.Issues)
}

func TestScriptsCheck(t *testing.T) {
	page := newPage(t, pageURL, `<p>x</p>`)
	res := scriptsCheck{}.Run(context.Background(), page)
	assert.Equal(t, crawler.OutcomeFailed, res.Outcome)

	page.Response.Browser = &fetch.BrowserReport{}
	page = &crawler.Page{URL: page.URL, Document: page.Document, Response: page.Response}
	res = scriptsCheck{}.Run(context.Background(), page)
	assert.Equal(t, crawler.OutcomePass, res.Outcome)

	page.Response.Browser.JSErrors = []string{"Uncaught ReferenceError: gtag is not defined"}
	res = scriptsCheck{}.Run(context.Background(), page)
	assert.Equal(t, []string{"Missing Resource Error: Uncaught ReferenceError: gtag is not defined"}, res.Issues)
	assert.Equal(t, "Missing Resource Error", res.Detail["first_error"])
}

func TestSummarizeJSError(t *testing.T) {
	tests := map[string]string{
		"net::ERR_CONNECTION_REFUSED":            jsNetwork,
		"TypeError: Failed to fetch":             jsNetwork,
		"Navigation timeout of 30000 ms":         jsTimeout,
		"Uncaught SyntaxError: Unexpected token": jsSyntax,
		"Uncaught ReferenceError: $ is missing":  jsReference,
		"foo is not defined":                     jsReference,
		"TypeError: x.map is not a function":     jsOther,
	}
	for msg, want := range tests {
		assert.Equal(t, want, SummarizeJSError(msg), msg)
	}
}

func TestCapIssues(t *testing.T) {
	in := make([]string, 25)
	out := capIssues(in)
	assert.Len(t, out, 21)
	assert.Equal(t, "... and 5 more", out[20])
	assert.Len(t, capIssues(in[:3]), 3)
}
