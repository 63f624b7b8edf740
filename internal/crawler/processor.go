package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/masahif/pageaudit/internal/fetch"
	"github.com/masahif/pageaudit/internal/parser"
	"github.com/masahif/pageaudit/internal/urlnorm"
)

// ProcessorOptions wires a Processor.
type ProcessorOptions struct {
	RunID   string
	Fetcher fetch.Fetcher
	Robots  *RobotsParser // nil disables robots.txt checks
	Limiter *RateLimiter  // nil disables per-host spacing
	Scope   *urlnorm.Scope
	Checks  []Check

	// Normalizer canonicalizes discovered links before they are counted.
	// nil passes resolved links through unchanged.
	Normalizer *urlnorm.Normalizer
}

// Processor performs one fetch-and-extract step.
type Processor struct {
	runID   string
	fetcher fetch.Fetcher
	robots  *RobotsParser
	limiter *RateLimiter
	scope   *urlnorm.Scope
	checks  []Check
	norm    *urlnorm.Normalizer
}

// Result is what one Process call yields: exactly one record and the
// in-scope links it discovered. Links is empty whenever the record carries
// an error marker.
type Result struct {
	Record PageRecord
	Links  []string
}

// NewProcessor creates a Processor.
func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("processor: fetcher is required")
	}
	if opts.Scope == nil {
		return nil, errors.New("processor: scope is required")
	}
	return &Processor{
		runID:   opts.RunID,
		fetcher: opts.Fetcher,
		robots:  opts.Robots,
		limiter: opts.Limiter,
		scope:   opts.Scope,
		checks:  opts.Checks,
		norm:    opts.Normalizer,
	}, nil
}

// Process fetches target and extracts links and diagnostics. The returned
// error is non-nil only when the fetch mechanism itself is unusable; every
// per-URL failure is reported through the record.
func (p *Processor) Process(ctx context.Context, target string) (Result, error) {
	started := time.Now()
	rec := PageRecord{RunID: p.runID, URL: target, FinalURL: target}

	finish := func(kind ErrorKind, msg string) Result {
		rec.ErrorKind = kind
		rec.ErrorMessage = msg
		rec.Duration = time.Since(started)
		rec.CrawledAt = time.Now().UTC()
		return Result{Record: rec}
	}

	if ctx.Err() != nil {
		return finish(ErrorCanceled, ctx.Err().Error()), nil
	}

	if p.robots != nil {
		allowed, err := p.robots.IsAllowed(ctx, target)
		if err != nil {
			slog.Debug("robots.txt unavailable, allowing", "url", target, "error", err)
		}
		if !allowed {
			slog.Info("URL disallowed by robots.txt", "url", target)
			return finish(ErrorRobots, "disallowed by robots.txt"), nil
		}
		if p.limiter != nil {
			if u, err := url.Parse(target); err == nil {
				p.limiter.SetHostDelay(u.Host, p.robots.CrawlDelay(u.Host))
			}
		}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, target); err != nil {
			if ctx.Err() != nil {
				return finish(ErrorCanceled, err.Error()), nil
			}
			return finish(ErrorNetwork, fmt.Sprintf("rate limiter: %v", err)), nil
		}
	}

	resp, err := p.fetcher.Fetch(ctx, target)
	if err != nil {
		switch {
		case errors.Is(err, fetch.ErrUnavailable):
			return finish(ErrorUnavailable, err.Error()), err
		case ctx.Err() != nil:
			return finish(ErrorCanceled, err.Error()), nil
		default:
			slog.Warn("Fetch failed", "url", target, "error", err)
			return finish(ErrorNetwork, err.Error()), nil
		}
	}

	rec.FinalURL = resp.FinalURL
	rec.StatusCode = resp.StatusCode
	rec.ContentType = resp.ContentType
	rec.TTFB = resp.Metrics.TTFB

	if !p.scope.InScope(resp.FinalURL) {
		slog.Info("Redirected off-site, skipping audit", "url", target, "final_url", resp.FinalURL)
		return finish(ErrorOffSite, fmt.Sprintf("redirected off-site to %s", resp.FinalURL)), nil
	}

	if !fetch.IsHTML(resp.ContentType) {
		return finish(ErrorContentType, fmt.Sprintf("unexpected content type %q", resp.ContentType)), nil
	}
	if resp.StatusCode >= 400 {
		slog.Debug("Skipping extraction for error status", "url", target, "status_code", resp.StatusCode)
		return finish(ErrorNone, ""), nil
	}

	doc, err := parser.Parse(resp.FinalURL, resp.Body)
	if err != nil {
		return finish(ErrorParse, err.Error()), nil
	}

	links := p.internalLinks(doc, &rec)

	page := &Page{URL: resp.FinalURL, Response: resp, Document: doc}
	for _, check := range p.checks {
		rec.Checks = append(rec.Checks, runCheck(ctx, check, page))
	}

	result := finish(ErrorNone, "")
	result.Links = links
	slog.Debug("Processed page", "url", target, "status", rec.StatusCode, "links", len(links), "checks", len(rec.Checks))
	return result, nil
}

// internalLinks splits doc's links into external ones, which are only
// counted, and distinct crawlable internal ones, which are returned.
func (p *Processor) internalLinks(doc *parser.Document, rec *PageRecord) []string {
	var links []string
	seen := make(map[string]struct{}, len(doc.Links))

	for _, link := range doc.Links {
		if !p.scope.InScope(link.URL) {
			rec.ExternalLinks++
			continue
		}

		u := link.URL
		if p.norm != nil {
			canonical, err := p.norm.Normalize(u)
			if err != nil {
				continue
			}
			u = canonical
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		links = append(links, u)
	}

	rec.InternalLinks = len(links)
	return links
}

// runCheck isolates a check so a panic marks it failed instead of killing
// the worker.
func runCheck(ctx context.Context, check Check, page *Page) (result CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Check panicked", "check", check.Name(), "url", page.URL, "panic", r, "stack", string(debug.Stack()))
			result = FailedCheck(check.Name(), check.Category(), fmt.Sprintf("panic: %v", r))
		}
	}()

	result = check.Run(ctx, page)
	if result.Name == "" {
		result.Name = check.Name()
	}
	if result.Category == "" {
		result.Category = check.Category()
	}
	return result
}
