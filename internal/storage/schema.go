package storage

// schemaVersion is recorded in crawl_meta.
const schemaVersion = "2"

// columnMigrations add columns to databases created by older versions.
var columnMigrations = []struct{ table, column, ddl string }{
	{"discovered_pages", "final_url", `ALTER TABLE discovered_pages ADD COLUMN final_url TEXT NOT NULL DEFAULT ''`},
}

const schemaSQL = `
-- Crawler definitions. Credentials are sealed separately from the
-- configuration document.
CREATE TABLE IF NOT EXISTS crawlers (
    id TEXT PRIMARY KEY NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    base_url TEXT NOT NULL,
    config TEXT NOT NULL,
    credentials BLOB,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- One row per execution of a crawler
-- status lifecycle: pending -> running -> completed | failed | cancelled
CREATE TABLE IF NOT EXISTS crawl_runs (
    id TEXT PRIMARY KEY NOT NULL,
    crawler_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),

    -- Progress
    current_url TEXT NOT NULL DEFAULT '',
    current_depth INTEGER NOT NULL DEFAULT 0,
    queue_size INTEGER NOT NULL DEFAULT 0,
    pages_discovered INTEGER NOT NULL DEFAULT 0,
    pages_crawled INTEGER NOT NULL DEFAULT 0,
    pages_failed INTEGER NOT NULL DEFAULT 0,
    pages_skipped INTEGER NOT NULL DEFAULT 0,

    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    completed_at DATETIME,
    duration_ms INTEGER NOT NULL DEFAULT 0,

    -- NULL when no strategy ran or the outcome was unknown
    auth_successful INTEGER,
    auth_outcome TEXT NOT NULL DEFAULT '',
    errors TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_runs_crawler ON crawl_runs(crawler_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON crawl_runs(status);

-- Pages found by a run; a canonical URL appears at most once per run
CREATE TABLE IF NOT EXISTS discovered_pages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES crawl_runs(id) ON DELETE CASCADE,
    url TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    status_code INTEGER NOT NULL DEFAULT 0,
    response_time_ms INTEGER NOT NULL DEFAULT 0,
    depth INTEGER NOT NULL DEFAULT 0,
    parent_url TEXT NOT NULL DEFAULT '',
    final_url TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',

    links TEXT NOT NULL DEFAULT '[]',
    has_forms INTEGER NOT NULL DEFAULT 0,
    has_login_form INTEGER NOT NULL DEFAULT 0,
    form_count INTEGER NOT NULL DEFAULT 0,
    link_count INTEGER NOT NULL DEFAULT 0,
    image_count INTEGER NOT NULL DEFAULT 0,
    extracted TEXT NOT NULL DEFAULT '{}',
    error TEXT NOT NULL DEFAULT '',

    first_crawled_at DATETIME NOT NULL,
    last_crawled_at DATETIME NOT NULL,
    UNIQUE(run_id, url)
);

CREATE INDEX IF NOT EXISTS idx_pages_run_depth ON discovered_pages(run_id, depth);
CREATE INDEX IF NOT EXISTS idx_pages_content_hash ON discovered_pages(content_hash) WHERE content_hash != '';

-- Persisted browsing state; one active session per crawler
CREATE TABLE IF NOT EXISTS auth_sessions (
    crawler_id TEXT PRIMARY KEY NOT NULL,
    name TEXT NOT NULL DEFAULT 'default',
    state BLOB NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL,
    last_used_at DATETIME NOT NULL
);

-- View summarizing runs for reporting
CREATE VIEW IF NOT EXISTS run_summary AS
SELECT
    r.id, r.crawler_id, c.name AS crawler_name, r.status,
    r.pages_discovered, r.pages_crawled, r.pages_failed, r.pages_skipped,
    r.started_at, r.completed_at, r.duration_ms
FROM crawl_runs r
LEFT JOIN crawlers c ON c.id = r.crawler_id;

-- Crawl meta table stores metadata as key-value pairs
CREATE TABLE IF NOT EXISTS crawl_meta (
    key TEXT PRIMARY KEY NOT NULL,
    value TEXT NOT NULL
);
`
