// Package crawler drives a polite breadth-first crawl: a Controller pulls
// batches from the frontier, fans them out to a bounded set of workers and
// streams the resulting page records into a buffered sink.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/masahif/pageaudit/internal/frontier"
	"github.com/masahif/pageaudit/internal/urlnorm"
)

var (
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("crawler: controller already started")
	// ErrInvalidSeed means the seed URL did not survive normalization.
	ErrInvalidSeed = errors.New("crawler: invalid seed URL")
)

// Worker performs the fetch-and-extract step for one URL. A non-nil error
// means the fetch mechanism is gone and the crawl must stop.
type Worker interface {
	Process(ctx context.Context, url string) (Result, error)
}

// Options configures a Controller.
type Options struct {
	SeedURL          string
	RunID            string
	Concurrency      int
	BatchSize        int
	CrawlTimeout     time.Duration // 0 disables the wall-clock limit
	ShutdownGrace    time.Duration // in-flight fetches are cancelled after CrawlTimeout+ShutdownGrace
	Limit            int           // URL budget, 0 = unlimited
	ProgressInterval time.Duration // 0 disables progress logs

	Normalizer *urlnorm.Normalizer
	Worker     Worker
	Sink       *BufferedSink
	Closers    []io.Closer // released when the crawl stops
}

// Controller owns the frontier and the crawl lifecycle.
type Controller struct {
	opts     Options
	frontier *frontier.Frontier
	sem      *semaphore.Weighted

	state    atomic.Int32
	inFlight atomic.Int64
	peak     atomic.Int64

	mu        sync.Mutex
	startedAt time.Time
	endedAt   time.Time
	stats     Summary
}

// NewController validates opts and returns an Idle controller.
func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.Normalizer == nil:
		return nil, errors.New("crawler: normalizer is required")
	case opts.Worker == nil:
		return nil, errors.New("crawler: worker is required")
	case opts.Sink == nil:
		return nil, errors.New("crawler: sink is required")
	case opts.Concurrency < 1:
		return nil, fmt.Errorf("crawler: concurrency must be positive, got %d", opts.Concurrency)
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = opts.Concurrency
	}

	return &Controller{
		opts:     opts,
		frontier: frontier.New(),
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		stats: Summary{
			RunID:   opts.RunID,
			SeedURL: opts.SeedURL,
			Errors:  make(map[ErrorKind]int),
			Issues:  make(map[Category]int),
		},
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	slog.Debug("Crawl state change", "from", prev, "to", s)
}

// Run crawls from the seed until the frontier empties, the timeout or
// budget is hit, ctx is cancelled, or the fetcher becomes unavailable.
// Buffered records are flushed and every resource released before it
// returns, whatever the reason.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return c.Snapshot(), ErrAlreadyStarted
	}

	c.mu.Lock()
	c.startedAt = time.Now()
	c.stats.StartedAt = c.startedAt.UTC()
	c.mu.Unlock()

	seed, err := c.opts.Normalizer.Normalize(c.opts.SeedURL)
	if err != nil {
		releaseErr := c.stop(StopAborted)
		return c.Snapshot(), errors.Join(fmt.Errorf("%w: %v", ErrInvalidSeed, err), releaseErr)
	}
	c.frontier.Enqueue(seed)

	slog.Info("Starting crawl",
		"run_id", c.opts.RunID,
		"seed", seed,
		"concurrency", c.opts.Concurrency,
		"batch_size", c.opts.BatchSize,
		"limit", c.opts.Limit,
		"timeout", c.opts.CrawlTimeout)

	// In-flight fetches end with ctx, or at CrawlTimeout+ShutdownGrace at
	// the latest.
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	var deadline time.Time
	if c.opts.CrawlTimeout > 0 {
		deadline = c.startedAt.Add(c.opts.CrawlTimeout)
		hard := time.AfterFunc(c.opts.CrawlTimeout+c.opts.ShutdownGrace, func() {
			slog.Warn("Hard deadline reached, cancelling in-flight fetches")
			cancelFetch()
		})
		defer hard.Stop()
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	go newProgressReporter(c.opts.ProgressInterval, c.Snapshot).run(progressCtx)

	reason, fatal := c.loop(ctx, fetchCtx, deadline)
	stopProgress()

	if reason == StopFrontierEmpty {
		c.setState(StateDraining)
	} else {
		c.setState(StateTimedOut)
	}

	stopErr := c.stop(reason)
	summary := c.Snapshot()

	slog.Info("Crawl finished",
		"run_id", c.opts.RunID,
		"reason", reason,
		"pages", summary.PagesCrawled,
		"errors", summary.ErrorTotal(),
		"peak_in_flight", summary.PeakInFlight,
		"duration", summary.Duration.Round(time.Millisecond))

	if fatal != nil {
		return summary, errors.Join(fmt.Errorf("crawl aborted: %w", fatal), stopErr)
	}
	return summary, stopErr
}

// loop is the Running state. It returns why it stopped and, for aborts, the
// fetcher error.
func (c *Controller) loop(ctx, fetchCtx context.Context, deadline time.Time) (StopReason, error) {
	dispatched := 0

	for {
		if ctx.Err() != nil {
			return StopCancelled, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return StopTimeout, nil
		}

		n := c.opts.BatchSize
		if c.opts.Limit > 0 {
			remaining := c.opts.Limit - dispatched
			if remaining <= 0 {
				return StopBudget, nil
			}
			n = min(n, remaining)
		}

		urls := c.frontier.DequeueBatch(n)
		if len(urls) == 0 {
			return StopFrontierEmpty, nil
		}
		dispatched += len(urls)

		results, fatal := c.runBatch(fetchCtx, urls)
		c.collect(ctx, results)

		if fatal != nil {
			slog.Error("Fetcher unavailable, aborting crawl", "error", fatal)
			return StopAborted, fatal
		}
	}
}

// runBatch fetches urls concurrently, never more than Concurrency at once.
func (c *Controller) runBatch(ctx context.Context, urls []string) ([]Result, error) {
	results := make([]Result, len(urls))

	var (
		wg      sync.WaitGroup
		fatalMu sync.Mutex
		fatal   error
	)

	for i, u := range urls {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			results[i] = c.canceledResult(u, err)
			continue
		}

		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			defer c.sem.Release(1)

			c.enter()
			defer c.inFlight.Add(-1)

			res, err := c.opts.Worker.Process(ctx, u)
			results[i] = res
			if err != nil {
				fatalMu.Lock()
				if fatal == nil {
					fatal = err
				}
				fatalMu.Unlock()
			}
		}(i, u)
	}

	wg.Wait()
	return results, fatal
}

func (c *Controller) enter() {
	n := c.inFlight.Add(1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (c *Controller) canceledResult(u string, err error) Result {
	now := time.Now().UTC()
	return Result{Record: PageRecord{
		RunID:        c.opts.RunID,
		URL:          u,
		FinalURL:     u,
		ErrorKind:    ErrorCanceled,
		ErrorMessage: err.Error(),
		CrawledAt:    now,
	}}
}

// collect hands a finished batch to the sink and feeds discovered links
// back into the frontier.
func (c *Controller) collect(ctx context.Context, results []Result) {
	records := make([]PageRecord, 0, len(results))
	enqueued := 0

	for _, res := range results {
		rec := res.Record
		records = append(records, rec)
		c.account(&rec)

		if rec.FinalURL != "" && rec.FinalURL != rec.URL {
			if final, err := c.opts.Normalizer.Normalize(rec.FinalURL); err == nil {
				c.frontier.MarkVisited(final)
			}
		}

		for _, link := range res.Links {
			normalized, err := c.opts.Normalizer.Normalize(link)
			if err != nil {
				continue
			}
			if c.frontier.Enqueue(normalized) {
				enqueued++
			}
		}
	}

	// A cancelled ctx must not keep the batch out of the sink.
	if err := c.opts.Sink.Write(context.WithoutCancel(ctx), records); err != nil {
		slog.Error("Result sink write failed", "error", err)
	}

	slog.Debug("Batch complete", "pages", len(records), "enqueued", enqueued, "queued", c.frontier.Len())
}

func (c *Controller) account(rec *PageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.PagesCrawled++
	if rec.Failed() {
		c.stats.Errors[rec.ErrorKind]++
	}
	for _, check := range rec.Checks {
		switch check.Outcome {
		case OutcomeIssue:
			c.stats.Issues[check.Category] += len(check.Issues)
		case OutcomeFailed:
			c.stats.FailedChecks++
		}
	}
}

// stop moves to Stopped: flush the sink and release every resource.
func (c *Controller) stop(reason StopReason) error {
	var errs []error
	if err := c.opts.Sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}
	for _, closer := range c.opts.Closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	c.endedAt = time.Now()
	c.stats.StopReason = reason
	c.mu.Unlock()

	c.setState(StateStopped)
	return errors.Join(errs...)
}

// Snapshot returns a copy of the current statistics.
func (c *Controller) Snapshot() Summary {
	c.mu.Lock()
	s := c.stats
	s.Errors = make(map[ErrorKind]int, len(c.stats.Errors))
	for k, v := range c.stats.Errors {
		s.Errors[k] = v
	}
	s.Issues = make(map[Category]int, len(c.stats.Issues))
	for k, v := range c.stats.Issues {
		s.Issues[k] = v
	}
	switch {
	case !c.endedAt.IsZero():
		s.Duration = c.endedAt.Sub(c.startedAt)
	case !c.startedAt.IsZero():
		s.Duration = time.Since(c.startedAt)
	}
	c.mu.Unlock()

	s.Visited = c.frontier.Visited()
	s.Queued = c.frontier.Len()
	s.PeakInFlight = int(c.peak.Load())
	s.FlushErrors = c.opts.Sink.FlushErrors()
	s.State = c.State()
	return s
}
