package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// Viewport is a named window size the browser emulates for layout checks.
type Viewport struct {
	Name   string
	Width  int64
	Height int64
}

// BrowserOptions configures a headless Chrome fetcher.
type BrowserOptions struct {
	ExecPath      string // empty = let chromedp locate Chrome
	Headless      bool
	UserAgent     string
	Timeout       time.Duration // per page
	SettleTimeout time.Duration // wait for document.readyState == "complete"
	Viewports     []Viewport
	Headers       map[string]string
}

// Browser fetches pages through one shared headless Chrome. Every Fetch runs
// in its own browser context so cookies and storage never leak between pages.
type Browser struct {
	opts          BrowserOptions
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewBrowser starts Chrome. A missing or broken binary is reported as
// ErrUnavailable.
func NewBrowser(opts BrowserOptions) (*Browser, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run launches the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("%w: start browser: %v", ErrUnavailable, err)
	}

	return &Browser{
		opts:          opts,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// pageEvents collects listener output; chromedp invokes listeners on its own
// goroutine.
type pageEvents struct {
	mu       sync.Mutex
	jsErrors []string
	mixed    []string
}

func (p *pageEvents) addJSError(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.jsErrors) < 50 {
		p.jsErrors = append(p.jsErrors, msg)
	}
}

func (p *pageEvents) addMixed(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.mixed) < 50 {
		p.mixed = append(p.mixed, url)
	}
}

func (p *pageEvents) snapshot() ([]string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.jsErrors...), append([]string(nil), p.mixed...)
}

// Fetch navigates to target in a fresh browser context, waits for the page
// to settle, captures the rendered DOM and runs the layout probe at every
// configured viewport.
func (b *Browser) Fetch(ctx context.Context, target string) (*Response, error) {
	if b.browserCtx.Err() != nil {
		return nil, ErrUnavailable
	}

	tabCtx, closeTab := chromedp.NewContext(b.browserCtx, chromedp.WithNewBrowserContext())
	defer closeTab()

	runCtx, cancel := context.WithTimeout(tabCtx, b.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	events := &pageEvents{}
	secure := strings.HasPrefix(strings.ToLower(target), "https://")
	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *runtime.EventExceptionThrown:
			events.addJSError(exceptionText(ev.ExceptionDetails))
		case *runtime.EventConsoleAPICalled:
			if ev.Type == runtime.APITypeError {
				events.addJSError(consoleText(ev.Args))
			}
		case *network.EventResponseReceived:
			if secure && ev.Response != nil && strings.HasPrefix(ev.Response.URL, "http://") {
				events.addMixed(ev.Response.URL)
			}
		}
	})

	actions := []chromedp.Action{network.Enable(), runtime.Enable()}
	if len(b.opts.Headers) > 0 {
		headers := make(network.Headers, len(b.opts.Headers))
		for k, v := range b.opts.Headers {
			headers[k] = v
		}
		actions = append(actions, network.SetExtraHTTPHeaders(headers))
	}
	actions = append(actions, chromedp.Navigate(target))

	started := time.Now()
	navResp, err := chromedp.RunResponse(runCtx, actions...)
	if err != nil {
		if b.browserCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, &NetworkError{URL: target, Err: err}
	}

	resp := &Response{
		URL:      target,
		FinalURL: target,
		Headers:  http.Header{},
		Browser:  &BrowserReport{},
	}
	if navResp != nil {
		resp.StatusCode = int(navResp.Status)
		resp.ContentType = navResp.MimeType
		if navResp.URL != "" {
			resp.FinalURL = navResp.URL
		}
		for k, v := range navResp.Headers {
			resp.Headers.Add(k, fmt.Sprint(v))
		}
		if ct := resp.Headers.Get("Content-Type"); ct != "" {
			resp.ContentType = ct
		}
		if t := navResp.Timing; t != nil && t.ReceiveHeadersEnd > t.SendStart {
			resp.Metrics.TTFB = time.Duration((t.ReceiveHeadersEnd - t.SendStart) * float64(time.Millisecond))
		}
	}

	if !IsHTML(resp.ContentType) {
		resp.Metrics.DownloadTime = time.Since(started)
		return resp, nil
	}

	resp.Browser.SlowLoad = !waitSettled(runCtx, b.opts.SettleTimeout)

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		if b.browserCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, &NetworkError{URL: target, Err: fmt.Errorf("read dom: %w", err)}
	}
	resp.Body = []byte(html)
	resp.Metrics.DownloadTime = time.Since(started)

	for _, vp := range b.opts.Viewports {
		resp.Browser.Viewports = append(resp.Browser.Viewports, probeViewport(runCtx, vp))
	}

	resp.Browser.JSErrors, resp.Browser.MixedContent = events.snapshot()
	return resp, nil
}

// waitSettled polls document.readyState until it is "complete" or the
// timeout elapses. It reports whether the page settled.
func waitSettled(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		var state string
		if err := chromedp.Run(ctx, chromedp.Evaluate(`document.readyState`, &state)); err == nil && state == "complete" {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func probeViewport(ctx context.Context, vp Viewport) ViewportResult {
	result := ViewportResult{Name: vp.Name, Width: vp.Width, Height: vp.Height}

	var raw []string
	err := chromedp.Run(ctx,
		chromedp.EmulateViewport(vp.Width, vp.Height),
		chromedp.Evaluate(layoutScript, &raw),
	)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	result.Issues = summarizeLayout(raw, maxLayoutIssues)
	return result
}

func exceptionText(details *runtime.ExceptionDetails) string {
	if details == nil {
		return "unknown exception"
	}
	if details.Exception != nil && details.Exception.Description != "" {
		return firstLine(details.Exception.Description)
	}
	return firstLine(details.Text)
}

func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			continue
		}
		switch {
		case arg.Description != "":
			parts = append(parts, arg.Description)
		case len(arg.Value) > 0:
			parts = append(parts, strings.Trim(string(arg.Value), `"`))
		}
	}
	if len(parts) == 0 {
		return "console error"
	}
	return firstLine(strings.Join(parts, " "))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Close shuts the browser down.
func (b *Browser) Close() error {
	err := chromedp.Cancel(b.browserCtx)
	b.browserCancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

var _ Fetcher = (*Browser)(nil)
