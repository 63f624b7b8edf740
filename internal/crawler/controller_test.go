package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masahif/pageaudit/internal/fetch"
)

const site = "https://example.com"

func TestSeedEnqueuesOnlyInternalLinks(t *testing.T) {
	fetcher := newStubFetcher(map[string]stubPage{
		site + "/": {body: `<html><body>
			<a href="/pricing/">Pricing</a>
			<a href="https://EXAMPLE.com/about">About</a>
			<a href="contact?utm_source=nav#form">Contact</a>
			<a href="https://external.example/x">Partner</a>
			<a href="http://other.test/">Other</a>
		</body></html>`},
		site + "/pricing": {body: `<html><body>no links</body></html>`},
		site + "/about":   {body: `<html><body>no links</body></html>`},
		site + "/contact": {body: `<html><body>no links</body></html>`},
	})

	c, mem := newTestController(t, Options{
		SeedURL: site,
		Worker:  newStubProcessor(t, fetcher, site),
	})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		site + "/",
		site + "/pricing",
		site + "/about",
		site + "/contact",
	}, mem.urls())
	assert.Equal(t, 4, summary.Visited)
	assert.Equal(t, 0, fetcher.callCount("https://external.example/x"))
	assert.Equal(t, 0, fetcher.callCount("http://other.test/"))

	seed := mem.byURL(site + "/")
	require.Len(t, seed, 1)
	assert.Equal(t, 3, seed[0].InternalLinks)
	assert.Equal(t, 2, seed[0].ExternalLinks)

	assert.Equal(t, StopFrontierEmpty, summary.StopReason)
	assert.Equal(t, StateStopped, summary.State)
	assert.Equal(t, StateStopped, c.State())
}

func TestNoURLDequeuedTwice(t *testing.T) {
	// Every page links to every other page, in varying spellings.
	links := func(string) []string {
		var out []string
		for i := 0; i < 30; i++ {
			out = append(out,
				fmt.Sprintf("%s/p%d", site, i),
				fmt.Sprintf("%s/p%d/", site, i),
				fmt.Sprintf("%s//p%d?ref=%d", site, i, i),
			)
		}
		return out
	}
	worker := newGraphWorker(links)

	c, mem := newTestController(t, Options{SeedURL: site, Worker: worker, Concurrency: 5, BatchSize: 7})
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	for u, n := range worker.callCounts() {
		assert.Equal(t, 1, n, "url %s processed %d times", u, n)
	}
	assert.Len(t, mem.urls(), 31)
	assert.Equal(t, 31, summary.PagesCrawled)
}

func TestConcurrencyLimitRespected(t *testing.T) {
	links := func(u string) []string {
		if u != site+"/" {
			return nil
		}
		out := make([]string, 40)
		for i := range out {
			out[i] = fmt.Sprintf("%s/p%d", site, i)
		}
		return out
	}
	worker := newGraphWorker(links)
	worker.delay = 10 * time.Millisecond

	c, _ := newTestController(t, Options{SeedURL: site, Worker: worker, Concurrency: 3, BatchSize: 10})
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.LessOrEqual(t, worker.maxInFlight.Load(), int64(3))
	assert.LessOrEqual(t, summary.PeakInFlight, 3)
	assert.Greater(t, summary.PeakInFlight, 0)
	assert.Equal(t, 41, summary.PagesCrawled)
}

func TestBudgetStopsCrawl(t *testing.T) {
	worker := newGraphWorker(chainLinks(site))

	c, mem := newTestController(t, Options{SeedURL: site, Worker: worker, Limit: 5, BatchSize: 3})
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, mem.urls(), 5)
	assert.Equal(t, 5, summary.PagesCrawled)
	assert.Equal(t, StopBudget, summary.StopReason)
	assert.Greater(t, summary.Queued, 0)
}

func TestTimeoutStopsCrawl(t *testing.T) {
	worker := newGraphWorker(chainLinks(site))
	worker.delay = 20 * time.Millisecond

	c, mem := newTestController(t, Options{
		SeedURL:       site,
		Worker:        worker,
		Concurrency:   2,
		BatchSize:     2,
		CrawlTimeout:  100 * time.Millisecond,
		ShutdownGrace: time.Second,
	})

	start := time.Now()
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StopTimeout, summary.StopReason)
	assert.NotEmpty(t, mem.urls())
	// The in-flight batch finished normally.
	for _, rec := range mem.records {
		assert.Equal(t, ErrorNone, rec.ErrorKind)
	}
}

func TestHardDeadlineCancelsInFlight(t *testing.T) {
	worker := newGraphWorker(chainLinks(site))
	worker.delay = 10 * time.Second

	c, mem := newTestController(t, Options{
		SeedURL:       site,
		Worker:        worker,
		CrawlTimeout:  30 * time.Millisecond,
		ShutdownGrace: 30 * time.Millisecond,
	})

	start := time.Now()
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StopTimeout, summary.StopReason)
	recs := mem.byURL(site + "/")
	require.Len(t, recs, 1)
	assert.Equal(t, ErrorCanceled, recs[0].ErrorKind)
	assert.Equal(t, 1, summary.Errors[ErrorCanceled])
}

func TestCancelledContextStopsCrawl(t *testing.T) {
	worker := newGraphWorker(chainLinks(site))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, mem := newTestController(t, Options{SeedURL: site, Worker: worker})
	summary, err := c.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, StopCancelled, summary.StopReason)
	assert.Empty(t, mem.urls())
	assert.Equal(t, 1, mem.closed)
}

func TestFailedFetchYieldsOneRecordAndNoLinks(t *testing.T) {
	fetcher := newStubFetcher(map[string]stubPage{
		site + "/":      {body: `<a href="/down">Down</a><a href="/ok">OK</a>`},
		site + "/down":  {err: &fetch.NetworkError{URL: site + "/down", Err: errors.New("connection refused")}},
		site + "/ok":    {body: `<p>fine</p>`},
		site + "/never": {body: `<p>unreachable</p>`},
	})

	c, mem := newTestController(t, Options{SeedURL: site, Worker: newStubProcessor(t, fetcher, site)})
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	down := mem.byURL(site + "/down")
	require.Len(t, down, 1)
	assert.Equal(t, ErrorNetwork, down[0].ErrorKind)
	assert.Contains(t, down[0].ErrorMessage, "connection refused")
	assert.Equal(t, 1, fetcher.callCount(site+"/down"), "failed fetches are not retried")
	assert.Equal(t, 1, summary.Errors[ErrorNetwork])
	assert.Equal(t, 3, summary.Visited)
}

func TestRedirectTargetMarkedVisited(t *testing.T) {
	fetcher := newStubFetcher(map[string]stubPage{
		site + "/":    {body: `<a href="/old">Old</a>`},
		site + "/old": {finalURL: site + "/new", body: `<a href="/new">New</a>`},
		site + "/new": {body: `<p>new</p>`},
	})

	c, mem := newTestController(t, Options{SeedURL: site, Worker: newStubProcessor(t, fetcher, site), BatchSize: 1})
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{site + "/", site + "/old"}, mem.urls())
	assert.Equal(t, 0, fetcher.callCount(site+"/new"))
}

func TestUnavailableFetcherAbortsAfterFlush(t *testing.T) {
	worker := newGraphWorker(chainLinks(site))
	worker.fail = map[string]error{site + "/p2": fmt.Errorf("%w: browser crashed", fetch.ErrUnavailable)}
	closer := &closeCounter{}

	c, mem := newTestController(t, Options{
		SeedURL:     site,
		Worker:      worker,
		Concurrency: 1,
		BatchSize:   1,
		Closers:     []io.Closer{closer},
	})

	summary, err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrUnavailable)

	assert.Equal(t, StopAborted, summary.StopReason)
	assert.Equal(t, StateStopped, summary.State)
	assert.ElementsMatch(t, []string{site + "/", site + "/p1", site + "/p2"}, mem.urls())
	assert.Equal(t, 1, mem.closed)
	assert.Equal(t, int32(1), closer.n.Load())
}

func TestInvalidSeed(t *testing.T) {
	closer := &closeCounter{}
	c, mem := newTestController(t, Options{
		SeedURL: "ftp://example.com/",
		Worker:  newGraphWorker(chainLinks(site)),
		Closers: []io.Closer{closer},
	})

	summary, err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidSeed)
	assert.Equal(t, StateStopped, summary.State)
	assert.Equal(t, 1, mem.closed)
	assert.Equal(t, int32(1), closer.n.Load())
}

func TestRunTwice(t *testing.T) {
	c, _ := newTestController(t, Options{SeedURL: site, Worker: newGraphWorker(func(string) []string { return nil })})

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestNewControllerValidation(t *testing.T) {
	n := testNormalizer(t)
	sink := NewBufferedSink(&memorySink{}, 1)
	worker := newGraphWorker(nil)

	_, err := NewController(Options{Worker: worker, Sink: sink, Concurrency: 1})
	assert.Error(t, err)
	_, err = NewController(Options{Normalizer: n, Sink: sink, Concurrency: 1})
	assert.Error(t, err)
	_, err = NewController(Options{Normalizer: n, Worker: worker, Concurrency: 1})
	assert.Error(t, err)
	_, err = NewController(Options{Normalizer: n, Worker: worker, Sink: sink})
	assert.Error(t, err)

	c, err := NewController(Options{Normalizer: n, Worker: worker, Sink: sink, Concurrency: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, c.opts.BatchSize)
	assert.Equal(t, StateIdle, c.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
