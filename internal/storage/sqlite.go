// Package storage persists crawl runs, page records and check results in
// SQLite and reads them back for the summary command.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/masahif/pageaudit/internal/crawler"
	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"
)

// ErrNoRuns is returned by LatestRun on an empty database.
var ErrNoRuns = errors.New("no crawl runs recorded")

const metaLastRun = "last_run_id"

// Run is one row of crawl_runs.
type Run struct {
	ID           string
	SeedURL      string
	StartedAt    time.Time
	FinishedAt   time.Time // zero while the run is in progress or was killed
	State        string
	StopReason   string
	PagesCrawled int
	Config       string // YAML snapshot of the effective configuration
}

// SQLiteStorage stores crawl results in a SQLite database
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool - single connection prevents lock conflicts
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	storage := &SQLiteStorage{db: db}

	if err := storage.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// InitSchema creates the database schema
func (s *SQLiteStorage) InitSchema() error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB cache
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 30000", // 30 second timeout for locks
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginRun records the start of a crawl.
func (s *SQLiteStorage) BeginRun(ctx context.Context, run Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO crawl_runs (id, seed_url, started_at, state, config)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.SeedURL, run.StartedAt.UTC(), crawler.StateRunning.String(), run.Config); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO crawl_meta (key, value) VALUES (?, ?)",
		metaLastRun, run.ID,
	); err != nil {
		return fmt.Errorf("failed to set meta: %w", err)
	}

	return tx.Commit()
}

// SavePages stores a batch of records and their check results in one
// transaction and advances the page checkpoint of every run involved.
// A URL already stored for the run is skipped.
func (s *SQLiteStorage) SavePages(ctx context.Context, records []crawler.PageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pageStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO pages (
			run_id, url, final_url, status_code, content_type, error_kind, error_message,
			internal_links, external_links, ttfb_ms, duration_ms, crawled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = pageStmt.Close() }()

	checkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO page_checks (page_id, name, category, outcome, issue_count, issues, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = checkStmt.Close() }()

	inserted := make(map[string]int)
	for i := range records {
		rec := &records[i]

		result, err := pageStmt.ExecContext(ctx,
			rec.RunID,
			rec.URL,
			rec.FinalURL,
			nullInt(rec.StatusCode),
			rec.ContentType,
			string(rec.ErrorKind),
			rec.ErrorMessage,
			rec.InternalLinks,
			rec.ExternalLinks,
			rec.TTFB.Milliseconds(),
			rec.Duration.Milliseconds(),
			rec.CrawledAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert page %s: %w", rec.URL, err)
		}
		if n, err := result.RowsAffected(); err != nil || n == 0 {
			continue
		}
		pageID, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert ID for %s: %w", rec.URL, err)
		}
		inserted[rec.RunID]++

		for _, check := range rec.Checks {
			issues, err := json.Marshal(check.Issues)
			if err != nil {
				return fmt.Errorf("failed to marshal issues: %w", err)
			}
			var detail []byte
			if len(check.Detail) > 0 {
				if detail, err = json.Marshal(check.Detail); err != nil {
					return fmt.Errorf("failed to marshal detail: %w", err)
				}
			}
			if _, err := checkStmt.ExecContext(ctx,
				pageID, check.Name, string(check.Category), string(check.Outcome),
				len(check.Issues), string(issues), nullString(string(detail)),
			); err != nil {
				return fmt.Errorf("failed to insert check %s for %s: %w", check.Name, rec.URL, err)
			}
		}
	}

	for runID, n := range inserted {
		if _, err := tx.ExecContext(ctx,
			"UPDATE crawl_runs SET pages_crawled = pages_crawled + ? WHERE id = ?",
			n, runID,
		); err != nil {
			return fmt.Errorf("failed to checkpoint run %s: %w", runID, err)
		}
	}

	return tx.Commit()
}

// FinishRun stores the final state of a crawl.
func (s *SQLiteStorage) FinishRun(ctx context.Context, summary crawler.Summary) error {
	finished := summary.StartedAt.Add(summary.Duration)
	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_runs SET finished_at = ?, state = ?, stop_reason = ?
		WHERE id = ?
	`, finished.UTC(), summary.State.String(), string(summary.StopReason), summary.RunID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to finish run: unknown run %q", summary.RunID)
	}
	return nil
}

// LatestRun returns the most recently started run.
func (s *SQLiteStorage) LatestRun(ctx context.Context) (*Run, error) {
	id, err := s.GetMeta(ctx, metaLastRun)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrNoRuns
	}
	return s.GetRun(ctx, id)
}

// GetRun loads one run by id.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		run        Run
		finishedAt sql.NullTime
		stopReason sql.NullString
		config     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, seed_url, started_at, finished_at, state, stop_reason, pages_crawled, config
		FROM crawl_runs WHERE id = ?
	`, id).Scan(&run.ID, &run.SeedURL, &run.StartedAt, &finishedAt, &run.State, &stopReason, &run.PagesCrawled, &config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ErrNoRuns)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	run.StopReason = stopReason.String
	run.Config = config.String
	return &run, nil
}

// IssueCounts sums issues per category for a run.
func (s *SQLiteStorage) IssueCounts(ctx context.Context, runID string) (map[crawler.Category]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT category, issues FROM run_issue_counts WHERE run_id = ? AND issues > 0",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query issue counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[crawler.Category]int)
	for rows.Next() {
		var (
			category string
			n        int
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("failed to scan issue count: %w", err)
		}
		out[crawler.Category(category)] = n
	}
	return out, rows.Err()
}

// ErrorCounts counts failed pages per error kind for a run.
func (s *SQLiteStorage) ErrorCounts(ctx context.Context, runID string) (map[crawler.ErrorKind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT error_kind, COUNT(*) FROM pages
		WHERE run_id = ? AND error_kind != ''
		GROUP BY error_kind
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query error counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[crawler.ErrorKind]int)
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan error count: %w", err)
		}
		out[crawler.ErrorKind(kind)] = n
	}
	return out, rows.Err()
}

// GetMeta retrieves a metadata value
func (s *SQLiteStorage) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM crawl_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta: %w", err)
	}
	return value, nil
}

// PageSink adapts the storage to crawler.Sink. Closing the sink leaves the
// database open so the run can still be finished.
func (s *SQLiteStorage) PageSink() crawler.Sink {
	return pageSink{s}
}

type pageSink struct{ s *SQLiteStorage }

func (p pageSink) Write(ctx context.Context, records []crawler.PageRecord) error {
	return p.s.SavePages(ctx, records)
}

func (pageSink) Close() error { return nil }

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
