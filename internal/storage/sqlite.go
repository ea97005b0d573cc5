// Package storage provides data persistence for the discovery crawler.
// It implements SQLite-based storage for crawler definitions, runs,
// discovered pages and persisted authentication sessions.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/config"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/crawler"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/session"
	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a crawler or run does not exist
	ErrNotFound = errors.New("not found")
	// ErrNoSealer is returned when inline credentials would be stored unsealed
	ErrNoSealer = errors.New("credentials need a sealer to be stored")
)

// SQLiteStorage implements crawler.Store and session.Backend using SQLite
type SQLiteStorage struct {
	db     *sql.DB
	sealer session.Sealer
}

var (
	_ crawler.Store   = (*SQLiteStorage)(nil)
	_ session.Backend = (*SQLiteStorage)(nil)
)

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

// SetSealer enables storing crawler credentials, sealed with sealer.
func (s *SQLiteStorage) SetSealer(sealer session.Sealer) {
	s.sealer = sealer
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
	for _, m := range columnMigrations {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&n); err != nil {
			return fmt.Errorf("failed to inspect %s: %w", m.table, err)
		}
		if n > 0 {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", m.table, m.column, err)
		}
	}
	return s.SetMeta(context.Background(), "schema_version", schemaVersion)
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SaveCrawler inserts or replaces a crawler definition. Inline credentials
// are sealed into their own column and never written to the config document.
func (s *SQLiteStorage) SaveCrawler(ctx context.Context, cfg *config.CrawlerConfig) error {
	if cfg.ID == "" {
		return errors.New("crawler id is required")
	}
	doc := cfg.Clone()
	creds := doc.Auth.Credentials
	doc.Auth.Credentials = config.Credentials{UsernameEnv: creds.UsernameEnv, PasswordEnv: creds.PasswordEnv}

	var sealed []byte
	if creds.Username != "" || creds.Password != "" || len(creds.Extra) > 0 {
		if s.sealer == nil {
			return ErrNoSealer
		}
		var err error
		if sealed, err = s.sealer.SealJSON(creds); err != nil {
			return fmt.Errorf("failed to seal credentials: %w", err)
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal crawler: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crawlers (id, name, base_url, config, credentials, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			base_url = excluded.base_url,
			config = excluded.config,
			credentials = excluded.credentials,
			updated_at = excluded.updated_at
	`, cfg.ID, cfg.Name, cfg.BaseURL, string(data), sealed, now, now)
	if err != nil {
		return fmt.Errorf("failed to save crawler: %w", err)
	}
	return nil
}

// GetCrawler loads a crawler definition with its credentials unsealed.
func (s *SQLiteStorage) GetCrawler(ctx context.Context, id string) (*config.CrawlerConfig, error) {
	var (
		data   string
		sealed []byte
	)
	err := s.db.QueryRowContext(ctx, "SELECT config, credentials FROM crawlers WHERE id = ?", id).Scan(&data, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("crawler %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crawler: %w", err)
	}
	return s.decodeCrawler(data, sealed)
}

// ListCrawlers returns all crawler definitions ordered by name.
func (s *SQLiteStorage) ListCrawlers(ctx context.Context) ([]*config.CrawlerConfig, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT config, credentials FROM crawlers ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query crawlers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*config.CrawlerConfig
	for rows.Next() {
		var (
			data   string
			sealed []byte
		)
		if err := rows.Scan(&data, &sealed); err != nil {
			return nil, fmt.Errorf("failed to scan crawler: %w", err)
		}
		cfg, err := s.decodeCrawler(data, sealed)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) decodeCrawler(data string, sealed []byte) (*config.CrawlerConfig, error) {
	cfg := config.DefaultConfig()
	if err := json.Unmarshal([]byte(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to decode crawler: %w", err)
	}
	if len(sealed) > 0 {
		if s.sealer == nil {
			return nil, ErrNoSealer
		}
		var creds config.Credentials
		if err := s.sealer.OpenJSON(sealed, &creds); err != nil {
			return nil, fmt.Errorf("failed to open credentials: %w", err)
		}
		creds.UsernameEnv = cfg.Auth.Credentials.UsernameEnv
		creds.PasswordEnv = cfg.Auth.Credentials.PasswordEnv
		cfg.Auth.Credentials = creds
	}
	return cfg, nil
}

// CreateRun inserts a new run row
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *crawler.CrawlRun) error {
	errs, err := marshalErrors(run.Errors)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crawl_runs (id, crawler_id, status, created_at, errors)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.CrawlerID, string(run.Status), time.Now().UTC(), errs)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRun writes the progress and final state of a run
func (s *SQLiteStorage) UpdateRun(ctx context.Context, run *crawler.CrawlRun) error {
	errs, err := marshalErrors(run.Errors)
	if err != nil {
		return err
	}
	var authOK sql.NullBool
	if run.AuthSuccessful != nil {
		authOK = sql.NullBool{Bool: *run.AuthSuccessful, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_runs SET
			status = ?,
			current_url = ?,
			current_depth = ?,
			queue_size = ?,
			pages_discovered = ?,
			pages_crawled = ?,
			pages_failed = ?,
			pages_skipped = ?,
			started_at = ?,
			completed_at = ?,
			duration_ms = ?,
			auth_successful = ?,
			auth_outcome = ?,
			errors = ?
		WHERE id = ?
	`,
		string(run.Status),
		run.CurrentURL,
		run.CurrentDepth,
		run.QueueSize,
		run.PagesDiscovered,
		run.PagesCrawled,
		run.PagesFailed,
		run.PagesSkipped,
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		run.Duration.Milliseconds(),
		authOK,
		run.AuthOutcome,
		errs,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

const runColumns = `id, crawler_id, status, current_url, current_depth, queue_size,
	pages_discovered, pages_crawled, pages_failed, pages_skipped,
	started_at, completed_at, duration_ms, auth_successful, auth_outcome, errors`

// GetRun loads a run by id
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*crawler.CrawlRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM crawl_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns the newest runs first. An empty crawlerID lists runs of
// all crawlers; limit <= 0 means no limit.
func (s *SQLiteStorage) ListRuns(ctx context.Context, crawlerID string, limit int) ([]*crawler.CrawlRun, error) {
	query := "SELECT " + runColumns + " FROM crawl_runs"
	var args []any
	if crawlerID != "" {
		query += " WHERE crawler_id = ?"
		args = append(args, crawlerID)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*crawler.CrawlRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FailStaleRuns marks runs left pending or running by a previous process
// as failed. It returns the number of runs changed.
func (s *SQLiteStorage) FailStaleRuns(ctx context.Context) (int64, error) {
	errs, _ := json.Marshal([]string{"interrupted: process exited before the run finished"})
	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_runs
		SET status = 'failed', completed_at = ?, errors = ?
		WHERE status IN ('pending', 'running')
	`, time.Now().UTC(), string(errs))
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale runs: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*crawler.CrawlRun, error) {
	var (
		run         crawler.CrawlRun
		status      string
		startedAt   sql.NullTime
		completedAt sql.NullTime
		durationMS  int64
		authOK      sql.NullBool
		errs        string
	)
	err := row.Scan(
		&run.ID, &run.CrawlerID, &status, &run.CurrentURL, &run.CurrentDepth, &run.QueueSize,
		&run.PagesDiscovered, &run.PagesCrawled, &run.PagesFailed, &run.PagesSkipped,
		&startedAt, &completedAt, &durationMS, &authOK, &run.AuthOutcome, &errs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Status = crawler.RunStatus(status)
	run.StartedAt = startedAt.Time
	run.CompletedAt = completedAt.Time
	run.Duration = time.Duration(durationMS) * time.Millisecond
	if authOK.Valid {
		v := authOK.Bool
		run.AuthSuccessful = &v
	}
	if err := json.Unmarshal([]byte(errs), &run.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode run errors: %w", err)
	}
	if run.Errors == nil {
		run.Errors = []string{}
	}
	return &run, nil
}

// SavePage upserts a page by (run, URL). When the row exists only its
// timing fields are refreshed and created is false.
func (s *SQLiteStorage) SavePage(ctx context.Context, page *crawler.DiscoveredPage) (bool, error) {
	links, err := json.Marshal(nonNil(page.Links))
	if err != nil {
		return false, fmt.Errorf("failed to marshal links: %w", err)
	}
	extracted := []byte("{}")
	if len(page.Extracted) > 0 {
		if extracted, err = json.Marshal(page.Extracted); err != nil {
			return false, fmt.Errorf("failed to marshal extracted values: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO discovered_pages (
			run_id, url, title, description, status_code, response_time_ms,
			depth, parent_url, final_url, content_hash, links, has_forms, has_login_form,
			form_count, link_count, image_count, extracted, error,
			first_crawled_at, last_crawled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, url) DO NOTHING
	`,
		page.RunID, page.URL, page.Title, page.Description, page.StatusCode, page.ResponseTime.Milliseconds(),
		page.Depth, page.ParentURL, page.FinalURL, page.ContentHash, string(links), page.HasForms, page.HasLoginForm,
		page.FormCount, page.LinkCount, page.ImageCount, string(extracted), page.Error,
		page.FirstCrawledAt.UTC(), page.LastCrawledAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert page: %w", err)
	}

	created := true
	if n, _ := res.RowsAffected(); n == 0 {
		created = false
		if _, err := tx.ExecContext(ctx, `
			UPDATE discovered_pages SET last_crawled_at = ?, response_time_ms = ?
			WHERE run_id = ? AND url = ?
		`, page.LastCrawledAt.UTC(), page.ResponseTime.Milliseconds(), page.RunID, page.URL); err != nil {
			return false, fmt.Errorf("failed to refresh page: %w", err)
		}
	} else if id, err := res.LastInsertId(); err == nil {
		page.ID = id
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit page: %w", err)
	}
	return created, nil
}

// ListPages returns the pages of a run in discovery order
func (s *SQLiteStorage) ListPages(ctx context.Context, runID string) ([]*crawler.DiscoveredPage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, url, title, description, status_code, response_time_ms,
			depth, parent_url, final_url, content_hash, links, has_forms, has_login_form,
			form_count, link_count, image_count, extracted, error,
			first_crawled_at, last_crawled_at
		FROM discovered_pages
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pages []*crawler.DiscoveredPage
	for rows.Next() {
		var (
			p          crawler.DiscoveredPage
			responseMS int64
			links      string
			extracted  string
		)
		if err := rows.Scan(
			&p.ID, &p.RunID, &p.URL, &p.Title, &p.Description, &p.StatusCode, &responseMS,
			&p.Depth, &p.ParentURL, &p.FinalURL, &p.ContentHash, &links, &p.HasForms, &p.HasLoginForm,
			&p.FormCount, &p.LinkCount, &p.ImageCount, &extracted, &p.Error,
			&p.FirstCrawledAt, &p.LastCrawledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		p.ResponseTime = time.Duration(responseMS) * time.Millisecond
		if err := json.Unmarshal([]byte(links), &p.Links); err != nil {
			return nil, fmt.Errorf("failed to decode links of %s: %w", p.URL, err)
		}
		if err := json.Unmarshal([]byte(extracted), &p.Extracted); err != nil {
			return nil, fmt.Errorf("failed to decode extracted values of %s: %w", p.URL, err)
		}
		pages = append(pages, &p)
	}
	return pages, rows.Err()
}

// UpsertSession stores the sealed session of a crawler, replacing any
// previous one.
func (s *SQLiteStorage) UpsertSession(ctx context.Context, crawlerID, name string, blob []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (crawler_id, name, state, active, created_at, last_used_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(crawler_id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			active = 1,
			last_used_at = excluded.last_used_at
	`, crawlerID, name, blob, at.UTC(), at.UTC())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// ActiveSession returns the active sealed session of a crawler, or
// session.ErrNoSession.
func (s *SQLiteStorage) ActiveSession(ctx context.Context, crawlerID string) (string, []byte, error) {
	var (
		name string
		blob []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, state FROM auth_sessions
		WHERE crawler_id = ? AND active = 1
		ORDER BY last_used_at DESC
		LIMIT 1
	`, crawlerID).Scan(&name, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, session.ErrNoSession
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to get session: %w", err)
	}
	return name, blob, nil
}

// TouchSession records that the session of a crawler was used.
func (s *SQLiteStorage) TouchSession(ctx context.Context, crawlerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE auth_sessions SET last_used_at = ? WHERE crawler_id = ?", at.UTC(), crawlerID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// DeleteSessions removes the sessions of a crawler.
func (s *SQLiteStorage) DeleteSessions(ctx context.Context, crawlerID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM auth_sessions WHERE crawler_id = ?", crawlerID); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	return nil
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

// SetMeta stores a metadata value
func (s *SQLiteStorage) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO crawl_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set meta: %w", err)
	}
	return nil
}

func marshalErrors(errs []string) (string, error) {
	data, err := json.Marshal(nonNil(errs))
	if err != nil {
		return "", fmt.Errorf("failed to marshal run errors: %w", err)
	}
	return string(data), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
