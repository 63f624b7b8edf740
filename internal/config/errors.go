package config

import "errors"

var (
	// ErrNoSeedURL is returned when no seed URL is provided
	ErrNoSeedURL = errors.New("no seed URL provided")
	// ErrInvalidConcurrency is returned when concurrency is not greater than 0
	ErrInvalidConcurrency = errors.New("concurrency must be greater than 0")
	// ErrInvalidBatchSize is returned when batch size is not greater than 0
	ErrInvalidBatchSize = errors.New("batch_size must be greater than 0")
	// ErrInvalidTimeout is returned when request timeout is not greater than 0
	ErrInvalidTimeout = errors.New("request_timeout must be greater than 0")
	// ErrNegativeDuration is returned when a duration setting is negative
	ErrNegativeDuration = errors.New("durations cannot be negative")
	// ErrInvalidLimit is returned when the page limit is negative
	ErrInvalidLimit = errors.New("limit cannot be negative")
	// ErrInvalidFlushThreshold is returned when flush threshold is not greater than 0
	ErrInvalidFlushThreshold = errors.New("flush_threshold must be greater than 0")
	// ErrUnknownFetcher is returned for fetchers other than http and browser
	ErrUnknownFetcher = errors.New("unknown fetcher")
	// ErrUnknownScope is returned for scopes other than host and domain
	ErrUnknownScope = errors.New("unknown scope")
	// ErrUnknownLayout is returned for report layouts other than page and issue
	ErrUnknownLayout = errors.New("unknown report layout")
	// ErrNoOutput is returned when neither a report nor a database is configured
	ErrNoOutput = errors.New("report_path and database_path cannot both be empty")
	// ErrInvalidHeader is returned for headers not in "Name: Value" form
	ErrInvalidHeader = errors.New("invalid header format")
)
