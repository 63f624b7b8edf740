package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/masahif/pageaudit/internal/audit"
	"github.com/masahif/pageaudit/internal/config"
	"github.com/masahif/pageaudit/internal/crawler"
	"github.com/masahif/pageaudit/internal/fetch"
	"github.com/masahif/pageaudit/internal/logging"
	"github.com/masahif/pageaudit/internal/report"
	"github.com/masahif/pageaudit/internal/storage"
	"github.com/masahif/pageaudit/internal/urlnorm"
)

func setupLogging(cfg *config.AuditConfig) (io.Closer, error) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Log.Level)
	logCfg.FilePath = cfg.Log.File
	return logging.SetDefault(*logCfg)
}

// newHTTPClient builds the HTTP client shared by the fetcher, robots.txt
// lookups and image probes.
func newHTTPClient(cfg *config.AuditConfig) (*fetch.HTTPClient, map[string]string, error) {
	client := fetch.NewHTTPClient(cfg.UserAgent, cfg.RequestTimeout, cfg.MaxBodyBytes)

	if cfg.Auth != nil {
		switch cfg.Auth.Type {
		case "basic":
			if username, password := cfg.GetBasicAuthCredentials(); username != "" {
				client.SetBasicAuth(username, password)
				slog.Info("Basic authentication configured", "username", username)
			}
		case "bearer":
			if token := cfg.GetBearerToken(); token != "" {
				client.SetBearerAuth(token)
				slog.Info("Bearer authentication configured")
			}
		case "api-key":
			if header, value := cfg.GetAPIKeyCredentials(); header != "" && value != "" {
				client.SetAPIKeyAuth(header, value)
				slog.Info("API key authentication configured", "header", header)
			}
		case "":
		default:
			return nil, nil, fmt.Errorf("unknown auth type %q", cfg.Auth.Type)
		}
	}

	headers, err := config.ParseHeaders(cfg.Headers)
	if err != nil {
		return nil, nil, err
	}
	if len(headers) > 0 {
		client.SetCustomHeaders(headers)
		slog.Info("Custom headers configured", "count", len(headers))
	}

	return client, headers, nil
}

func newFetcher(cfg *config.AuditConfig, client *fetch.HTTPClient, headers map[string]string) (fetch.Fetcher, error) {
	if cfg.Fetcher != config.FetcherBrowser {
		return client, nil
	}

	viewports := make([]fetch.Viewport, 0, len(cfg.Browser.Viewports))
	for _, vp := range cfg.Browser.Viewports {
		viewports = append(viewports, fetch.Viewport{Name: vp.Name, Width: vp.Width, Height: vp.Height})
	}

	return fetch.NewBrowser(fetch.BrowserOptions{
		ExecPath:      cfg.Browser.ExecPath,
		Headless:      cfg.Browser.Headless,
		UserAgent:     cfg.UserAgent,
		Timeout:       cfg.RequestTimeout,
		SettleTimeout: cfg.Browser.SettleTimeout,
		Viewports:     viewports,
		Headers:       headers,
	})
}

// redactedConfig renders cfg as YAML without credentials or custom headers.
func redactedConfig(cfg *config.AuditConfig) string {
	snapshot := *cfg
	snapshot.Auth = nil
	snapshot.Headers = nil
	data, err := yaml.Marshal(&snapshot)
	if err != nil {
		return ""
	}
	return string(data)
}

// runPipeline wires every component for one crawl and runs it to
// completion. The returned summary is valid even when err is not nil.
func runPipeline(parent context.Context, cfg *config.AuditConfig) (crawler.Summary, error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()

	normalizer, err := urlnorm.New(urlnorm.Policy{
		StripQuery:        cfg.Normalize.StripQuery,
		BlockedExtensions: cfg.Normalize.BlockedExtensions,
		BlockedPaths:      cfg.Normalize.BlockedPaths,
		Include:           cfg.IncludePatterns,
		Exclude:           cfg.ExcludePatterns,
	})
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("invalid URL patterns: %w", err)
	}

	seed, err := normalizer.Normalize(cfg.SeedURL)
	if err != nil {
		return crawler.Summary{}, fmt.Errorf("%w: %v", crawler.ErrInvalidSeed, err)
	}
	scope, err := urlnorm.NewScope(seed, cfg.Normalize.Scope)
	if err != nil {
		return crawler.Summary{}, err
	}

	client, headers, err := newHTTPClient(cfg)
	if err != nil {
		return crawler.Summary{}, err
	}

	browserMode := cfg.Fetcher == config.FetcherBrowser
	checks, err := audit.Build(cfg.Checks, audit.Deps{
		Prober:          client,
		ImageProbeLimit: cfg.ImageProbeLimit,
		SlowTTFB:        cfg.SlowTTFB,
		Browser:         browserMode,
	})
	if err != nil {
		_ = client.Close()
		return crawler.Summary{}, err
	}

	fetcher, err := newFetcher(cfg, client, headers)
	if err != nil {
		_ = client.Close()
		return crawler.Summary{}, fmt.Errorf("failed to start fetcher: %w", err)
	}
	closers := []io.Closer{client}
	if browserMode {
		closers = append([]io.Closer{fetcher}, closers...)
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	var robots *crawler.RobotsParser
	if !cfg.IgnoreRobots {
		robots = crawler.NewRobotsParser(client, cfg.UserAgent)
	}

	processor, err := crawler.NewProcessor(crawler.ProcessorOptions{
		RunID:      runID,
		Fetcher:    fetcher,
		Robots:     robots,
		Limiter:    crawler.NewRateLimiter(cfg.RequestDelay),
		Scope:      scope,
		Checks:     checks,
		Normalizer: normalizer,
	})
	if err != nil {
		closeAll()
		return crawler.Summary{}, err
	}

	var (
		sinks crawler.MultiSink
		store *storage.SQLiteStorage
	)
	if cfg.ReportPath != "" {
		csvWriter, err := report.NewCSVWriter(cfg.ReportPath, cfg.ReportLayout)
		if err != nil {
			closeAll()
			return crawler.Summary{}, err
		}
		sinks = append(sinks, csvWriter)
	}
	if cfg.DatabasePath != "" {
		store, err = storage.NewSQLiteStorage(cfg.DatabasePath)
		if err == nil {
			err = store.BeginRun(ctx, storage.Run{ID: runID, SeedURL: seed, StartedAt: time.Now(), Config: redactedConfig(cfg)})
			if err != nil {
				_ = store.Close()
			}
		}
		if err != nil {
			_ = sinks.Close()
			closeAll()
			return crawler.Summary{}, fmt.Errorf("failed to open database: %w", err)
		}
		defer func() { _ = store.Close() }()
		sinks = append(sinks, store.PageSink())
	}

	controller, err := crawler.NewController(crawler.Options{
		SeedURL:          seed,
		RunID:            runID,
		Concurrency:      cfg.Concurrency,
		BatchSize:        cfg.BatchSize,
		CrawlTimeout:     cfg.CrawlTimeout,
		ShutdownGrace:    cfg.ShutdownGrace,
		Limit:            cfg.Limit,
		ProgressInterval: cfg.ProgressInterval,
		Normalizer:       normalizer,
		Worker:           processor,
		Sink:             crawler.NewBufferedSink(sinks, cfg.FlushThreshold),
		Closers:          closers,
	})
	if err != nil {
		_ = sinks.Close()
		closeAll()
		return crawler.Summary{}, err
	}

	slog.Info("Audit configured",
		"run_id", runID,
		"fetcher", cfg.Fetcher,
		"checks", len(checks),
		"robots", !cfg.IgnoreRobots,
		"report", cfg.ReportPath,
		"database", cfg.DatabasePath)

	summary, runErr := controller.Run(ctx)

	if store != nil {
		if err := store.FinishRun(context.WithoutCancel(ctx), summary); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("failed to record run: %w", err))
		}
	}

	return summary, runErr
}
