package crawler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/masahif/pageaudit/internal/fetch"
	"github.com/masahif/pageaudit/internal/urlnorm"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// memorySink records everything written to it.
type memorySink struct {
	mu       sync.Mutex
	records  []PageRecord
	writes   int
	closed   int
	writeErr error
}

func (m *memorySink) Write(_ context.Context, records []PageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writeErr != nil {
		return m.writeErr
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *memorySink) urls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.URL)
	}
	return out
}

func (m *memorySink) byURL(u string) []PageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PageRecord
	for _, r := range m.records {
		if r.URL == u {
			out = append(out, r)
		}
	}
	return out
}

// closeCounter is an io.Closer that counts calls.
type closeCounter struct{ n atomic.Int32 }

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return nil
}

// graphWorker serves a synthetic link graph without any network.
type graphWorker struct {
	links func(u string) []string
	delay time.Duration
	fail  map[string]error // fatal errors per URL

	mu          sync.Mutex
	calls       map[string]int
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func newGraphWorker(links func(u string) []string) *graphWorker {
	return &graphWorker{links: links, calls: make(map[string]int)}
}

func (g *graphWorker) Process(ctx context.Context, u string) (Result, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		peak := g.maxInFlight.Load()
		if n <= peak || g.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	g.mu.Lock()
	g.calls[u]++
	g.mu.Unlock()

	rec := PageRecord{URL: u, FinalURL: u, StatusCode: 200, CrawledAt: time.Now().UTC()}

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			rec.ErrorKind = ErrorCanceled
			rec.ErrorMessage = ctx.Err().Error()
			return Result{Record: rec}, nil
		}
	}

	if err, ok := g.fail[u]; ok {
		rec.ErrorKind = ErrorUnavailable
		rec.ErrorMessage = err.Error()
		return Result{Record: rec}, err
	}

	return Result{Record: rec, Links: g.links(u)}, nil
}

func (g *graphWorker) callCounts() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.calls))
	for k, v := range g.calls {
		out[k] = v
	}
	return out
}

// chainLinks returns a graph where /pN links to /p(N+1) and /p(N+2) forever.
func chainLinks(base string) func(string) []string {
	return func(u string) []string {
		var n int
		if _, err := fmt.Sscanf(u, base+"/p%d", &n); err != nil {
			n = 0
		}
		return []string{
			fmt.Sprintf("%s/p%d", base, n+1),
			fmt.Sprintf("%s/p%d", base, n+2),
		}
	}
}

func testNormalizer(t *testing.T) *urlnorm.Normalizer {
	t.Helper()
	n, err := urlnorm.New(urlnorm.Policy{
		StripQuery:        true,
		BlockedExtensions: []string{".png", ".pdf"},
		BlockedPaths:      []string{"/tag/"},
	})
	require.NoError(t, err)
	return n
}

func newTestController(t *testing.T, opts Options) (*Controller, *memorySink) {
	t.Helper()
	mem := &memorySink{}
	if opts.Normalizer == nil {
		opts.Normalizer = testNormalizer(t)
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 4
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 8
	}
	opts.Sink = NewBufferedSink(mem, 3)

	c, err := NewController(opts)
	require.NoError(t, err)
	return c, mem
}

// stubPage is a canned fetch outcome.
type stubPage struct {
	status      int
	contentType string
	body        string
	finalURL    string
	err         error
}

// stubFetcher is a fetch.Fetcher backed by a map.
type stubFetcher struct {
	mu     sync.Mutex
	pages  map[string]stubPage
	calls  map[string]int
	closed bool
}

func newStubFetcher(pages map[string]stubPage) *stubFetcher {
	return &stubFetcher{pages: pages, calls: make(map[string]int)}
}

func (s *stubFetcher) Fetch(ctx context.Context, u string) (*fetch.Response, error) {
	s.mu.Lock()
	s.calls[u]++
	page, ok := s.pages[u]
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &fetch.NetworkError{URL: u, Err: err}
	}
	if !ok {
		page = stubPage{status: 404, contentType: "text/html", body: "<html><title>Not found</title></html>"}
	}
	if page.err != nil {
		return nil, page.err
	}

	final := page.finalURL
	if final == "" {
		final = u
	}
	ct := page.contentType
	if ct == "" {
		ct = "text/html; charset=utf-8"
	}
	status := page.status
	if status == 0 {
		status = 200
	}
	return &fetch.Response{
		URL:         u,
		FinalURL:    final,
		StatusCode:  status,
		ContentType: ct,
		Body:        []byte(page.body),
		Metrics:     fetch.Metrics{TTFB: time.Millisecond},
	}, nil
}

func (s *stubFetcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubFetcher) callCount(u string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[u]
}

func newStubProcessor(t *testing.T, fetcher fetch.Fetcher, seed string, checks ...Check) *Processor {
	t.Helper()
	scope, err := urlnorm.NewScope(seed, urlnorm.ScopeHost)
	require.NoError(t, err)
	p, err := NewProcessor(ProcessorOptions{
		RunID:      "run-1",
		Fetcher:    fetcher,
		Scope:      scope,
		Checks:     checks,
		Normalizer: testNormalizer(t),
	})
	require.NoError(t, err)
	return p
}
