// Package report writes crawl results as an append-only CSV file.
package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/masahif/pageaudit/internal/crawler"
)

// Layouts
const (
	LayoutPage  = "page"  // one row per page
	LayoutIssue = "issue" // one row per issue
)

var (
	pageHeader = []string{
		"run_id", "url", "final_url", "status_code", "error", "error_message",
		"seo_issues", "accessibility_issues", "responsiveness_issues", "other_issues",
		"failed_checks", "internal_links", "external_links", "ttfb_ms", "duration_ms", "crawled_at",
	}
	issueHeader = []string{
		"run_id", "url", "status_code", "check", "category", "outcome", "issue", "crawled_at",
	}
)

// issueSeparator joins several issues in one page-layout cell.
const issueSeparator = "; "

// CSVWriter is a crawler.Sink that appends records to a CSV file. The header
// is written only when the file is new or empty, so successive runs share
// one report.
type CSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	layout string
	rows   int
}

// NewCSVWriter opens path for appending.
func NewCSVWriter(path, layout string) (*CSVWriter, error) {
	switch layout {
	case "":
		layout = LayoutPage
	case LayoutPage, LayoutIssue:
	default:
		return nil, fmt.Errorf("unknown report layout %q", layout)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create report directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open report: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat report: %w", err)
	}

	c := &CSVWriter{file: f, w: csv.NewWriter(f), layout: layout}
	if info.Size() == 0 {
		header := pageHeader
		if layout == LayoutIssue {
			header = issueHeader
		}
		if err := c.w.Write(header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
		c.w.Flush()
		if err := c.w.Error(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	}
	return c, nil
}

// Write appends one or more rows per record and flushes them to disk.
func (c *CSVWriter) Write(_ context.Context, records []crawler.PageRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return errors.New("report: write after close")
	}

	for i := range records {
		var rows [][]string
		if c.layout == LayoutIssue {
			rows = issueRows(&records[i])
		} else {
			rows = [][]string{pageRow(&records[i])}
		}
		if err := c.w.WriteAll(rows); err != nil {
			return fmt.Errorf("write %s: %w", records[i].URL, err)
		}
		c.rows += len(rows)
	}
	return c.w.Error()
}

// Rows returns the number of data rows written by this writer.
func (c *CSVWriter) Rows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}

// Close flushes and closes the file.
func (c *CSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return nil
	}
	c.w.Flush()
	err := errors.Join(c.w.Error(), c.file.Sync(), c.file.Close())
	c.file = nil
	return err
}

func pageRow(rec *crawler.PageRecord) []string {
	byCat := rec.IssuesByCategory()
	var other []string
	for _, cat := range []crawler.Category{
		crawler.CategoryContent, crawler.CategorySecurity, crawler.CategoryPerformance,
	} {
		other = append(other, byCat[cat]...)
	}

	return []string{
		rec.RunID,
		rec.URL,
		rec.FinalURL,
		statusText(rec.StatusCode),
		string(rec.ErrorKind),
		rec.ErrorMessage,
		strings.Join(byCat[crawler.CategorySEO], issueSeparator),
		strings.Join(byCat[crawler.CategoryAccessibility], issueSeparator),
		strings.Join(byCat[crawler.CategoryResponsiveness], issueSeparator),
		strings.Join(other, issueSeparator),
		strings.Join(rec.FailedChecks(), issueSeparator),
		strconv.Itoa(rec.InternalLinks),
		strconv.Itoa(rec.ExternalLinks),
		strconv.FormatInt(rec.TTFB.Milliseconds(), 10),
		strconv.FormatInt(rec.Duration.Milliseconds(), 10),
		rec.CrawledAt.Format(time.RFC3339),
	}
}

// issueRows emits one row per issue and per failed check. Pages with an
// error marker get a single "fetch" row; clean pages get none.
func issueRows(rec *crawler.PageRecord) [][]string {
	row := func(check, category, outcome, issue string) []string {
		return []string{
			rec.RunID, rec.URL, statusText(rec.StatusCode),
			check, category, outcome, issue, rec.CrawledAt.Format(time.RFC3339),
		}
	}

	if rec.Failed() {
		return [][]string{row("fetch", "", string(rec.ErrorKind), rec.ErrorMessage)}
	}

	var rows [][]string
	for _, c := range rec.Checks {
		switch c.Outcome {
		case crawler.OutcomeIssue:
			for _, issue := range c.Issues {
				rows = append(rows, row(c.Name, string(c.Category), string(c.Outcome), issue))
			}
		case crawler.OutcomeFailed:
			rows = append(rows, row(c.Name, string(c.Category), string(c.Outcome), c.Detail["error"]))
		}
	}
	return rows
}

func statusText(code int) string {
	if code == 0 {
		return ""
	}
	return strconv.Itoa(code)
}
