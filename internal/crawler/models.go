package crawler

import (
	"sort"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/masahif/pageaudit/internal/fetch"
	"github.com/masahif/pageaudit/internal/parser"
)

// Category groups check results in reports.
type Category string

const (
	CategorySEO            Category = "seo"
	CategoryAccessibility  Category = "accessibility"
	CategoryResponsiveness Category = "responsiveness"
	CategoryContent        Category = "content"
	CategorySecurity       Category = "security"
	CategoryPerformance    Category = "performance"
)

// Outcome is the tri-state result of one check. A check that found nothing
// and a check that could not run are different outcomes.
type Outcome string

const (
	OutcomeIssue  Outcome = "issue"
	OutcomePass   Outcome = "pass"
	OutcomeFailed Outcome = "failed"
)

// ErrorKind marks why a page produced no diagnostics. Empty means the fetch
// succeeded.
type ErrorKind string

const (
	ErrorNone        ErrorKind = ""
	ErrorNetwork     ErrorKind = "network"
	ErrorContentType ErrorKind = "content_type"
	ErrorParse       ErrorKind = "parse"
	ErrorRobots      ErrorKind = "robots"
	ErrorCanceled    ErrorKind = "canceled"
	ErrorUnavailable ErrorKind = "unavailable"
	ErrorOffSite     ErrorKind = "off_site" // redirected outside the crawl scope
)

// CheckResult is the output of one diagnostic check on one page.
type CheckResult struct {
	Name     string
	Category Category
	Outcome  Outcome
	Issues   []string
	Detail   map[string]string // informational values, e.g. heading counts
}

// NewCheckResult builds a result whose outcome follows from issues.
func NewCheckResult(name string, category Category, issues []string) CheckResult {
	outcome := OutcomePass
	if len(issues) > 0 {
		outcome = OutcomeIssue
	}
	return CheckResult{Name: name, Category: category, Outcome: outcome, Issues: issues}
}

// FailedCheck builds a result for a check that could not run.
func FailedCheck(name string, category Category, reason string) CheckResult {
	return CheckResult{
		Name:     name,
		Category: category,
		Outcome:  OutcomeFailed,
		Detail:   map[string]string{"error": reason},
	}
}

// PageRecord is the outcome of crawling one URL. It is not modified after
// the worker hands it to the controller.
type PageRecord struct {
	RunID         string
	URL           string
	FinalURL      string
	StatusCode    int
	ContentType   string
	ErrorKind     ErrorKind
	ErrorMessage  string
	Checks        []CheckResult
	InternalLinks int
	ExternalLinks int
	TTFB          time.Duration
	Duration      time.Duration
	CrawledAt     time.Time
}

// Failed reports whether the page carries an error marker.
func (r *PageRecord) Failed() bool {
	return r.ErrorKind != ErrorNone
}

// IssuesByCategory returns every issue found on the page grouped by category.
func (r *PageRecord) IssuesByCategory() map[Category][]string {
	out := make(map[Category][]string)
	for _, c := range r.Checks {
		if c.Outcome == OutcomeIssue {
			out[c.Category] = append(out[c.Category], c.Issues...)
		}
	}
	return out
}

// FailedChecks lists the names of checks that could not run.
func (r *PageRecord) FailedChecks() []string {
	var names []string
	for _, c := range r.Checks {
		if c.Outcome == OutcomeFailed {
			names = append(names, c.Name)
		}
	}
	return names
}

// Page is what a check sees: the fetch response and the parsed document.
type Page struct {
	URL      string
	Response *fetch.Response
	Document *parser.Document

	once  sync.Once
	query *goquery.Document
}

// Query returns a goquery view over the parsed tree, built once per page.
func (p *Page) Query() *goquery.Document {
	p.once.Do(func() {
		p.query = goquery.NewDocumentFromNode(p.Document.Root)
	})
	return p.query
}

// Browser returns the browser report, or nil for plain HTTP fetches.
func (p *Page) Browser() *fetch.BrowserReport {
	if p.Response == nil {
		return nil
	}
	return p.Response.Browser
}

// State is a Controller lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateTimedOut
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTimedOut:
		return "timed_out"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason records why a crawl left the Running state.
type StopReason string

const (
	StopFrontierEmpty StopReason = "frontier_empty"
	StopTimeout       StopReason = "timeout"
	StopBudget        StopReason = "budget"
	StopCancelled     StopReason = "cancelled"
	StopAborted       StopReason = "aborted"
)

// Summary describes a finished (or running) crawl.
type Summary struct {
	RunID        string
	SeedURL      string
	StartedAt    time.Time
	Duration     time.Duration
	PagesCrawled int
	Errors       map[ErrorKind]int
	Issues       map[Category]int
	FailedChecks int
	Visited      int
	Queued       int
	PeakInFlight int
	FlushErrors  int
	State        State
	StopReason   StopReason
}

// ErrorTotal sums page errors of every kind.
func (s Summary) ErrorTotal() int {
	total := 0
	for _, n := range s.Errors {
		total += n
	}
	return total
}

// SortedCategories returns the categories with at least one issue, by name.
func (s Summary) SortedCategories() []Category {
	cats := make([]Category, 0, len(s.Issues))
	for c := range s.Issues {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}
