// Package config provides configuration management for the auditor.
// It defines configuration structures and default values for crawl and audit parameters.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Fetcher kinds
const (
	FetcherHTTP    = "http"
	FetcherBrowser = "browser"
)

// Scope modes
const (
	ScopeHost   = "host"
	ScopeDomain = "domain"
)

// Report layouts
const (
	LayoutPage  = "page"
	LayoutIssue = "issue"
)

// BasicAuth contains HTTP Basic Authentication credentials
type BasicAuth struct {
	Username    string `mapstructure:"username" yaml:"username"`         // Username for basic auth
	Password    string `mapstructure:"password" yaml:"password"`         // Password for basic auth
	UsernameEnv string `mapstructure:"username_env" yaml:"username_env"` // Environment variable for username
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env"` // Environment variable for password
}

// BearerAuth contains a bearer token
type BearerAuth struct {
	Token    string `mapstructure:"token" yaml:"token"`
	TokenEnv string `mapstructure:"token_env" yaml:"token_env"`
}

// APIKeyAuth sends a static key in a custom header
type APIKeyAuth struct {
	Header string `mapstructure:"header" yaml:"header"`
	Value  string `mapstructure:"value" yaml:"value"`
}

// Auth contains authentication configuration
type Auth struct {
	Type   string      `mapstructure:"type" yaml:"type"` // basic, bearer or api-key
	Basic  *BasicAuth  `mapstructure:"basic" yaml:"basic"`
	Bearer *BearerAuth `mapstructure:"bearer" yaml:"bearer"`
	APIKey *APIKeyAuth `mapstructure:"apikey" yaml:"apikey"`
}

// Viewport is a named browser window size used for layout checks
type Viewport struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Width  int64  `mapstructure:"width" yaml:"width"`
	Height int64  `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds headless browser settings
type BrowserConfig struct {
	ExecPath      string        `mapstructure:"exec_path" yaml:"exec_path"`           // Chrome binary, empty = auto-detect
	Headless      bool          `mapstructure:"headless" yaml:"headless"`             // Run without a window
	SettleTimeout time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"` // Wait for document.readyState=complete
	Viewports     []Viewport    `mapstructure:"viewports" yaml:"viewports"`           // Layout check sizes
}

// NormalizeConfig controls URL canonicalization and frontier admission
type NormalizeConfig struct {
	StripQuery        bool     `mapstructure:"strip_query" yaml:"strip_query"`               // Drop the query string entirely
	Scope             string   `mapstructure:"scope" yaml:"scope"`                           // host or domain
	BlockedExtensions []string `mapstructure:"blocked_extensions" yaml:"blocked_extensions"` // Never enqueue these file types
	BlockedPaths      []string `mapstructure:"blocked_paths" yaml:"blocked_paths"`           // Never enqueue paths containing these
}

// LogConfig controls log output
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// AuditConfig holds crawl and audit configuration
type AuditConfig struct {
	// Crawl parameters
	SeedURL          string        `mapstructure:"seed_url" yaml:"seed_url"`                   // Starting URL
	Concurrency      int           `mapstructure:"concurrency" yaml:"concurrency"`             // Max fetches in flight
	BatchSize        int           `mapstructure:"batch_size" yaml:"batch_size"`               // URLs dequeued per iteration
	CrawlTimeout     time.Duration `mapstructure:"crawl_timeout" yaml:"crawl_timeout"`         // Wall-clock budget, 0 = none
	ShutdownGrace    time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`       // In-flight allowance after timeout
	Limit            int           `mapstructure:"limit" yaml:"limit"`                         // Stop after N pages (0=unlimited)
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`     // Per-fetch timeout
	RequestDelay     time.Duration `mapstructure:"request_delay" yaml:"request_delay"`         // Per-host delay, 0 = none
	UserAgent        string        `mapstructure:"user_agent" yaml:"user_agent"`               // HTTP User-Agent header
	IgnoreRobots     bool          `mapstructure:"ignore_robots" yaml:"ignore_robots"`         // Skip robots.txt checks
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`       // Response body cap
	Fetcher          string        `mapstructure:"fetcher" yaml:"fetcher"`                     // http or browser
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"` // Progress log period

	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Normalize NormalizeConfig `mapstructure:"normalize" yaml:"normalize"`

	// Authentication and headers
	Auth    *Auth    `mapstructure:"auth" yaml:"auth"`
	Headers []string `mapstructure:"headers" yaml:"headers"` // "Name: Value"

	// URL filtering
	IncludePatterns []string `mapstructure:"include_patterns" yaml:"include_patterns"` // Regex patterns for URLs to include
	ExcludePatterns []string `mapstructure:"exclude_patterns" yaml:"exclude_patterns"` // Regex patterns for URLs to exclude

	// Audit
	Checks          []string      `mapstructure:"checks" yaml:"checks"`                       // Check names, "all" for every check
	ImageProbeLimit int           `mapstructure:"image_probe_limit" yaml:"image_probe_limit"` // Images probed per page
	SlowTTFB        time.Duration `mapstructure:"slow_ttfb" yaml:"slow_ttfb"`                 // Performance threshold

	// Output
	FlushThreshold int    `mapstructure:"flush_threshold" yaml:"flush_threshold"` // Records buffered before a sink write
	ReportPath     string `mapstructure:"report_path" yaml:"report_path"`         // CSV report, empty = none
	ReportLayout   string `mapstructure:"report_layout" yaml:"report_layout"`     // page or issue
	DatabasePath   string `mapstructure:"database_path" yaml:"database_path"`     // SQLite database, empty = none

	Log LogConfig `mapstructure:"log" yaml:"log"`
}

// DefaultViewports are the device sizes checked by the browser fetcher
func DefaultViewports() []Viewport {
	return []Viewport{
		{Name: "Mobile", Width: 375, Height: 667},
		{Name: "Tablet", Width: 768, Height: 1024},
		{Name: "Desktop", Width: 1366, Height: 768},
	}
}

// DefaultBlockedExtensions lists non-page resources that never enter the frontier
func DefaultBlockedExtensions() []string {
	return []string{
		".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".avif", ".ico",
		".pdf", ".zip", ".gz", ".rar", ".css", ".js", ".xml", ".txt",
		".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
		".mp3", ".mp4", ".webm", ".woff", ".woff2",
	}
}

// DefaultBlockedPaths lists listing/feed style paths that duplicate content
func DefaultBlockedPaths() []string {
	return []string{
		"/page/", "/tag/", "/category/", "/author/", "/feed/", "/rss/", "/atom/",
		"/wp-json/", "/wp-admin/", "/print/", "/search/", "/comment/", "/trackback/",
	}
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *AuditConfig {
	return &AuditConfig{
		Concurrency:      10,
		BatchSize:        25,
		CrawlTimeout:     60 * time.Minute,
		ShutdownGrace:    30 * time.Second,
		Limit:            0, // unlimited
		RequestTimeout:   30 * time.Second,
		RequestDelay:     0,
		UserAgent:        "PageAudit/1.0",
		MaxBodyBytes:     10 << 20,
		Fetcher:          FetcherHTTP,
		ProgressInterval: 10 * time.Second,
		Browser: BrowserConfig{
			Headless:      true,
			SettleTimeout: 10 * time.Second,
			Viewports:     DefaultViewports(),
		},
		Normalize: NormalizeConfig{
			StripQuery:        true,
			Scope:             ScopeHost,
			BlockedExtensions: DefaultBlockedExtensions(),
			BlockedPaths:      DefaultBlockedPaths(),
		},
		Checks:          []string{"all"},
		ImageProbeLimit: 5,
		SlowTTFB:        2 * time.Second,
		FlushThreshold:  20,
		ReportPath:      "./audit_report.csv",
		ReportLayout:    LayoutPage,
		Log:             LogConfig{Level: "info"},
	}
}

// Validate checks if the configuration is valid
func (c *AuditConfig) Validate() error {
	// Note: SeedURL is checked by the controller, --show-config works without one

	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	if c.RequestTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.CrawlTimeout < 0 || c.ShutdownGrace < 0 || c.RequestDelay < 0 {
		return ErrNegativeDuration
	}

	if c.Limit < 0 {
		return ErrInvalidLimit
	}

	if c.FlushThreshold <= 0 {
		return ErrInvalidFlushThreshold
	}

	switch c.Fetcher {
	case FetcherHTTP, FetcherBrowser:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFetcher, c.Fetcher)
	}

	switch c.Normalize.Scope {
	case ScopeHost, ScopeDomain:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScope, c.Normalize.Scope)
	}

	switch c.ReportLayout {
	case LayoutPage, LayoutIssue:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownLayout, c.ReportLayout)
	}

	if c.ReportPath == "" && c.DatabasePath == "" {
		return ErrNoOutput
	}

	if _, err := ParseHeaders(c.Headers); err != nil {
		return err
	}

	return nil
}

// GetBasicAuthCredentials returns the basic auth username and password,
// resolving environment variables if specified
func (c *AuditConfig) GetBasicAuthCredentials() (username, password string) {
	if c.Auth == nil || c.Auth.Basic == nil {
		return "", ""
	}

	basic := c.Auth.Basic

	// Get username
	if basic.UsernameEnv != "" {
		username = os.Getenv(basic.UsernameEnv)
	} else {
		username = basic.Username
	}

	// Get password
	if basic.PasswordEnv != "" {
		password = os.Getenv(basic.PasswordEnv)
	} else {
		password = basic.Password
	}

	return username, password
}

// GetBearerToken returns the bearer token, resolving its environment variable if set
func (c *AuditConfig) GetBearerToken() string {
	if c.Auth == nil || c.Auth.Bearer == nil {
		return ""
	}
	if c.Auth.Bearer.TokenEnv != "" {
		return os.Getenv(c.Auth.Bearer.TokenEnv)
	}
	return c.Auth.Bearer.Token
}

// GetAPIKeyCredentials returns the API key header name and value
func (c *AuditConfig) GetAPIKeyCredentials() (header, value string) {
	if c.Auth == nil || c.Auth.APIKey == nil {
		return "", ""
	}
	return c.Auth.APIKey.Header, c.Auth.APIKey.Value
}

// ParseHeaders converts "Name: Value" entries into a map
func ParseHeaders(headers []string) (map[string]string, error) {
	out := make(map[string]string, len(headers))
	for _, header := range headers {
		colonIndex := strings.Index(header, ":")
		if colonIndex <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHeader, header)
		}

		key := strings.TrimSpace(header[:colonIndex])
		value := strings.TrimSpace(header[colonIndex+1:])
		if key == "" || value == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHeader, header)
		}
		out[key] = value
	}
	return out, nil
}
