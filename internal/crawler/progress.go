package crawler

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
)

// progressReporter logs crawl progress on a ticker until ctx ends.
type progressReporter struct {
	interval time.Duration
	snapshot func() Summary
	proc     *process.Process // nil when the process handle is unavailable
}

func newProgressReporter(interval time.Duration, snapshot func() Summary) *progressReporter {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		slog.Debug("Process stats unavailable", "error", err)
		proc = nil
	}
	return &progressReporter{interval: interval, snapshot: snapshot, proc: proc}
}

func (p *progressReporter) run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.report(ctx)
		}
	}
}

func (p *progressReporter) report(ctx context.Context) {
	s := p.snapshot()
	rate := pagesPerSecond(s.PagesCrawled, s.Duration)

	attrs := []any{
		"crawled", s.PagesCrawled,
		"queued", s.Queued,
		"visited", s.Visited,
		"errors", s.ErrorTotal(),
		"rate", humanize.FormatFloat("#.##", rate),
		"elapsed", s.Duration.Round(time.Second),
	}
	if eta, ok := estimateRemaining(s.Queued, rate); ok {
		attrs = append(attrs, "eta", eta.Round(time.Second))
	}
	if p.proc != nil {
		if mem, err := p.proc.MemoryInfoWithContext(ctx); err == nil {
			attrs = append(attrs, "rss", humanize.Bytes(mem.RSS))
		}
	}

	slog.Info("Crawl progress", attrs...)
}

func pagesPerSecond(pages int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(pages) / elapsed.Seconds()
}

// estimateRemaining guesses how long the current queue takes at rate. The
// queue grows as pages are discovered, so this is a lower bound.
func estimateRemaining(queued int, rate float64) (time.Duration, bool) {
	if rate <= 0 {
		return 0, false
	}
	return time.Duration(float64(queued) / rate * float64(time.Second)), true
}
