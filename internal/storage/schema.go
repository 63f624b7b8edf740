package storage

const schemaSQL = `
-- One row per crawl. pages_crawled is checkpointed after every flushed batch
-- so an interrupted run still shows how far it got.
CREATE TABLE IF NOT EXISTS crawl_runs (
    id TEXT PRIMARY KEY NOT NULL,
    seed_url TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    state TEXT NOT NULL DEFAULT 'running',
    stop_reason TEXT,
    pages_crawled INTEGER NOT NULL DEFAULT 0,
    config TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON crawl_runs(started_at);

-- One row per crawled URL per run. error_kind is empty for successful fetches.
CREATE TABLE IF NOT EXISTS pages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES crawl_runs(id) ON DELETE CASCADE,
    url TEXT NOT NULL,
    final_url TEXT,
    status_code INTEGER,
    content_type TEXT,
    error_kind TEXT NOT NULL DEFAULT '',
    error_message TEXT,
    internal_links INTEGER NOT NULL DEFAULT 0,
    external_links INTEGER NOT NULL DEFAULT 0,
    ttfb_ms INTEGER,
    duration_ms INTEGER,
    crawled_at DATETIME NOT NULL,
    UNIQUE(run_id, url)
);

CREATE INDEX IF NOT EXISTS idx_pages_run ON pages(run_id);
CREATE INDEX IF NOT EXISTS idx_pages_error ON pages(run_id, error_kind) WHERE error_kind != '';

-- Diagnostic results. issues and detail are JSON.
CREATE TABLE IF NOT EXISTS page_checks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    page_id INTEGER NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    category TEXT NOT NULL,
    outcome TEXT NOT NULL CHECK (outcome IN ('issue', 'pass', 'failed')),
    issue_count INTEGER NOT NULL DEFAULT 0,
    issues TEXT,
    detail TEXT
);

CREATE INDEX IF NOT EXISTS idx_checks_page ON page_checks(page_id);
CREATE INDEX IF NOT EXISTS idx_checks_outcome ON page_checks(outcome, category);

-- Issue totals per run and category (for reporting)
CREATE VIEW IF NOT EXISTS run_issue_counts AS
SELECT
    p.run_id,
    c.category,
    SUM(c.issue_count) AS issues,
    SUM(CASE WHEN c.outcome = 'failed' THEN 1 ELSE 0 END) AS failed_checks
FROM page_checks c
JOIN pages p ON p.id = c.page_id
GROUP BY p.run_id, c.category;

-- Crawl meta table stores metadata as key-value pairs
CREATE TABLE IF NOT EXISTS crawl_meta (
    key TEXT PRIMARY KEY NOT NULL,
    value TEXT NOT NULL
);
`
