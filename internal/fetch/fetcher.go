// Package fetch provides the page-fetching capability used by the crawler.
// Plain HTTP and headless-browser fetching sit behind one Fetcher interface
// so the frontier logic does not care how a page was retrieved.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable means the fetch mechanism itself is unusable (the browser
// died, the client could not be created). It is fatal to a crawl.
var ErrUnavailable = errors.New("fetch: fetcher unavailable")

// Fetcher retrieves one URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
	Close() error
}

// Metrics contains timing information for a fetch
type Metrics struct {
	TTFB         time.Duration // Time to First Byte
	DownloadTime time.Duration // Total download time
	DNSLookup    time.Duration // DNS lookup time
	TCPConnect   time.Duration // TCP connection time
	TLSHandshake time.Duration // TLS handshake time
}

// ViewportResult holds the layout findings for one emulated viewport.
type ViewportResult struct {
	Name   string
	Width  int64
	Height int64
	Issues []string
	Err    string // evaluation failure, empty on success
}

// BrowserReport carries what only a rendering fetcher can observe.
type BrowserReport struct {
	JSErrors     []string
	MixedContent []string
	SlowLoad     bool
	Viewports    []ViewportResult
}

// Response is the outcome of a successful fetch. A non-2xx status is still a
// successful fetch.
type Response struct {
	URL         string
	FinalURL    string // After following redirects
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	Truncated   bool // Body was cut at the size cap
	Metrics     Metrics
	Browser     *BrowserReport // nil for plain HTTP fetches
}

// NetworkError wraps transport-level failures: timeouts, refused
// connections, TLS and DNS errors.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a timeout.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

// IsHTML reports whether a Content-Type header denotes an HTML document.
func IsHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
