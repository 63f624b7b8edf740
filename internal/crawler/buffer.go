package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// BufferedSink collects records and hands them downstream in batches of at
// least threshold records. It is the checkpoint that keeps partial results
// on disk while a crawl is still running.
type BufferedSink struct {
	mu          sync.Mutex
	next        Sink
	threshold   int
	buf         []PageRecord
	written     int
	flushErrors int
	closed      bool
}

// NewBufferedSink wraps next. threshold <= 0 flushes on every write.
func NewBufferedSink(next Sink, threshold int) *BufferedSink {
	if threshold < 1 {
		threshold = 1
	}
	return &BufferedSink{next: next, threshold: threshold}
}

// Write buffers records and flushes once the threshold is reached.
func (b *BufferedSink) Write(ctx context.Context, records []PageRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("buffered sink: write after close")
	}
	b.buf = append(b.buf, records...)
	if len(b.buf) < b.threshold {
		return nil
	}
	return b.flushLocked(ctx)
}

// Flush writes every buffered record downstream.
func (b *BufferedSink) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// flushLocked drops the batch on failure: a record is never written twice.
func (b *BufferedSink) flushLocked(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}

	batch := b.buf
	b.buf = nil

	if err := b.next.Write(ctx, batch); err != nil {
		b.flushErrors++
		slog.Error("Failed to flush page records", "records", len(batch), "error", err)
		return fmt.Errorf("flush %d records: %w", len(batch), err)
	}

	b.written += len(batch)
	slog.Debug("Flushed page records", "records", len(batch), "total", b.written)
	return nil
}

// Close flushes what is left and closes the downstream sink.
func (b *BufferedSink) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	flushErr := b.flushLocked(context.Background())
	return errors.Join(flushErr, b.next.Close())
}

// Buffered returns the number of records waiting for a flush.
func (b *BufferedSink) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Written returns the number of records accepted downstream.
func (b *BufferedSink) Written() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// FlushErrors returns how many flushes failed.
func (b *BufferedSink) FlushErrors() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushErrors
}

// MultiSink fans records out to several sinks. A failing sink does not stop
// the others.
type MultiSink []Sink

// Write writes records to every sink.
func (m MultiSink) Write(ctx context.Context, records []PageRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
