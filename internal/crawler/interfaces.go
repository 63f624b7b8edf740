package crawler

import (
	"context"
)

// Check is one pluggable diagnostic run against every successfully parsed
// page. Implementations must be safe for concurrent use.
type Check interface {
	Name() string
	Category() Category
	Run(ctx context.Context, page *Page) CheckResult
}

// Sink persists page records. Write may be called with records in any
// order; Close flushes and releases the destination.
type Sink interface {
	Write(ctx context.Context, records []PageRecord) error
	Close() error
}
