package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/browser"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/config"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/crawler"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/secret"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/session"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test_discovery.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func newTestSealer(t *testing.T) *secret.Sealer {
	t.Helper()
	sealer, err := secret.NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	return sealer
}

func TestCrawlerRoundTrip(t *testing.T) {
	storage := newTestStorage(t)
	storage.SetSealer(newTestSealer(t))
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.ID = "c1"
	cfg.Name = "Portal"
	cfg.BaseURL = "https://portal.example.test/"
	cfg.MaxPages = 25
	cfg.RequestDelay = 250 * time.Millisecond
	cfg.ExcludePatterns = []string{`\.pdf$`}
	cfg.Auth = config.AuthConfig{
		Type:           config.AuthBasic,
		SubmitSelector: "#go",
		Credentials: config.Credentials{
			Username:    "qa",
			Password:    "hunter2",
			PasswordEnv: "PORTAL_PASSWORD",
			Extra:       map[string]string{"otp": "123456"},
		},
	}

	if err := storage.SaveCrawler(ctx, cfg); err != nil {
		t.Fatalf("SaveCrawler failed: %v", err)
	}

	var doc string
	if err := storage.db.QueryRow("SELECT config FROM crawlers WHERE id = 'c1'").Scan(&doc); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	for _, secretValue := range []string{"hunter2", "123456"} {
		if bytes.Contains([]byte(doc), []byte(secretValue)) {
			t.Errorf("Credential %q stored in plain config document", secretValue)
		}
	}

	got, err := storage.GetCrawler(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCrawler failed: %v", err)
	}
	if got.Name != "Portal" || got.MaxPages != 25 || got.RequestDelay != 250*time.Millisecond {
		t.Errorf("Unexpected crawler: %+v", got)
	}
	if len(got.ExcludePatterns) != 1 || got.ExcludePatterns[0] != `\.pdf$` {
		t.Errorf("Exclude patterns lost: %v", got.ExcludePatterns)
	}
	creds := got.Auth.Credentials
	if creds.Username != "qa" || creds.Password != "hunter2" || creds.PasswordEnv != "PORTAL_PASSWORD" || creds.Extra["otp"] != "123456" {
		t.Errorf("Credentials not restored: %+v", creds)
	}

	cfg.Name = "Portal v2"
	if err := storage.SaveCrawler(ctx, cfg); err != nil {
		t.Fatalf("SaveCrawler update failed: %v", err)
	}
	all, err := storage.ListCrawlers(ctx)
	if err != nil {
		t.Fatalf("ListCrawlers failed: %v", err)
	}
	if len(all) != 1 || all[0].Name != "Portal v2" {
		t.Errorf("Expected one updated crawler, got %d", len(all))
	}

	if _, err := storage.GetCrawler(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSaveCrawlerWithoutSealer(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.ID = "c1"
	cfg.BaseURL = "https://example.test/"
	cfg.Auth.Credentials = config.Credentials{Password: "hunter2"}
	if err := storage.SaveCrawler(ctx, cfg); !errors.Is(err, ErrNoSealer) {
		t.Errorf("Expected ErrNoSealer, got %v", err)
	}

	cfg.Auth.Credentials = config.Credentials{UsernameEnv: "U", PasswordEnv: "P"}
	if err := storage.SaveCrawler(ctx, cfg); err != nil {
		t.Errorf("Env-only credentials should not need a sealer: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	run := &crawler.CrawlRun{ID: "r1", CrawlerID: "c1", Status: crawler.StatusPending}
	if err := storage.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := storage.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != crawler.StatusPending || got.AuthSuccessful != nil || len(got.Errors) != 0 || !got.StartedAt.IsZero() {
		t.Errorf("Unexpected pending run: %+v", got)
	}

	started := time.Now().UTC().Truncate(time.Second)
	ok := false
	run.Status = crawler.StatusCompleted
	run.StartedAt = started
	run.CompletedAt = started.Add(3 * time.Second)
	run.Duration = 3 * time.Second
	run.PagesDiscovered = 4
	run.PagesCrawled = 3
	run.PagesFailed = 1
	run.PagesSkipped = 2
	run.CurrentURL = "https://example.test/last"
	run.AuthSuccessful = &ok
	run.AuthOutcome = "not_authenticated"
	run.Errors = []string{"authentication: still on login page"}
	if err := storage.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	got, err = storage.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != crawler.StatusCompleted || got.PagesDiscovered != 4 || got.PagesFailed != 1 || got.PagesSkipped != 2 {
		t.Errorf("Counts not persisted: %+v", got)
	}
	if !got.StartedAt.Equal(started) || got.Duration != 3*time.Second {
		t.Errorf("Timing not persisted: started %v, duration %v", got.StartedAt, got.Duration)
	}
	if got.AuthSuccessful == nil || *got.AuthSuccessful {
		t.Errorf("Expected auth_successful=false, got %v", got.AuthSuccessful)
	}
	if len(got.Errors) != 1 || got.Errors[0] != run.Errors[0] {
		t.Errorf("Errors not persisted: %v", got.Errors)
	}

	if err := storage.UpdateRun(ctx, &crawler.CrawlRun{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := storage.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListRunsAndFailStale(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for _, r := range []*crawler.CrawlRun{
		{ID: "a", CrawlerID: "c1", Status: crawler.StatusPending},
		{ID: "b", CrawlerID: "c1", Status: crawler.StatusPending},
		{ID: "c", CrawlerID: "c2", Status: crawler.StatusPending},
	} {
		if err := storage.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}
	done := &crawler.CrawlRun{ID: "a", CrawlerID: "c1", Status: crawler.StatusCompleted}
	if err := storage.UpdateRun(ctx, done); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	runs, err := storage.ListRuns(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "b" {
		t.Errorf("Expected newest c1 run first, got %d runs", len(runs))
	}
	if runs, _ := storage.ListRuns(ctx, "", 1); len(runs) != 1 {
		t.Errorf("Expected limit to apply, got %d", len(runs))
	}

	n, err := storage.FailStaleRuns(ctx)
	if err != nil {
		t.Fatalf("FailStaleRuns failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 stale runs, got %d", n)
	}
	stale, _ := storage.GetRun(ctx, "b")
	if stale.Status != crawler.StatusFailed || stale.CompletedAt.IsZero() || len(stale.Errors) != 1 {
		t.Errorf("Stale run not failed: %+v", stale)
	}
	if kept, _ := storage.GetRun(ctx, "a"); kept.Status != crawler.StatusCompleted {
		t.Errorf("Completed run changed to %s", kept.Status)
	}
}

func TestSavePageUpsert(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	if err := storage.CreateRun(ctx, &crawler.CrawlRun{ID: "r1", CrawlerID: "c1", Status: crawler.StatusRunning}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	first := time.Now().UTC().Truncate(time.Second)
	page := &crawler.DiscoveredPage{
		RunID:          "r1",
		URL:            "https://example.test/",
		Title:          "Home",
		Description:    "Landing",
		StatusCode:     200,
		ResponseTime:   120 * time.Millisecond,
		ContentHash:    "abc",
		Links:          []string{"https://example.test/a", "https://example.test/b"},
		HasForms:       true,
		HasLoginForm:   true,
		FormCount:      1,
		LinkCount:      3,
		ImageCount:     2,
		Extracted:      map[string]any{"heading": "Welcome"},
		FirstCrawledAt: first,
		LastCrawledAt:  first,
	}
	created, err := storage.SavePage(ctx, page)
	if err != nil {
		t.Fatalf("SavePage failed: %v", err)
	}
	if !created || page.ID == 0 {
		t.Errorf("Expected new row with id, got created=%v id=%d", created, page.ID)
	}

	again := *page
	again.Title = "Changed"
	again.ResponseTime = 80 * time.Millisecond
	again.LastCrawledAt = first.Add(time.Minute)
	created, err = storage.SavePage(ctx, &again)
	if err != nil {
		t.Fatalf("SavePage upsert failed: %v", err)
	}
	if created {
		t.Error("Expected duplicate URL to refresh the existing row")
	}

	failed := &crawler.DiscoveredPage{
		RunID: "r1", URL: "https://example.test/slow", Depth: 1, ParentURL: "https://example.test/",
		Error: "navigate: timeout", FirstCrawledAt: first, LastCrawledAt: first,
	}
	redirected := &crawler.DiscoveredPage{
		RunID: "r1", URL: "https://example.test/settings", FinalURL: "https://example.test/login",
		StatusCode: 200, Depth: 1, ParentURL: "https://example.test/", FirstCrawledAt: first, LastCrawledAt: first,
	}
	for _, p := range []*crawler.DiscoveredPage{failed, redirected} {
		if _, err := storage.SavePage(ctx, p); err != nil {
			t.Fatalf("SavePage failed: %v", err)
		}
	}

	pages, err := storage.ListPages(ctx, "r1")
	if err != nil {
		t.Fatalf("ListPages failed: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("Expected 3 pages, got %d", len(pages))
	}
	home := pages[0]
	if home.Title != "Home" || !home.LastCrawledAt.Equal(first.Add(time.Minute)) || home.ResponseTime != 80*time.Millisecond {
		t.Errorf("Upsert should refresh timing only: title %q, last %v, response %v", home.Title, home.LastCrawledAt, home.ResponseTime)
	}
	if !home.FirstCrawledAt.Equal(first) {
		t.Errorf("first_crawled_at changed to %v", home.FirstCrawledAt)
	}
	if len(home.Links) != 2 || !home.HasLoginForm || home.ImageCount != 2 || home.Extracted["heading"] != "Welcome" {
		t.Errorf("Page fields not persisted: %+v", home)
	}
	if slow := pages[1]; !slow.Failed() || slow.Error == "" || len(slow.Links) != 0 || slow.Depth != 1 {
		t.Errorf("Degraded page not persisted: %+v", slow)
	}
	if moved := pages[2]; moved.URL != redirected.URL || moved.FinalURL != redirected.FinalURL {
		t.Errorf("Redirect target not persisted: url %q final %q", moved.URL, moved.FinalURL)
	}
	if home.FinalURL != "" {
		t.Errorf("Expected no final URL without a redirect, got %q", home.FinalURL)
	}
}

func TestInitSchemaAddsFinalURLColumn(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	oldSchema := strings.Replace(schemaSQL, "    final_url TEXT NOT NULL DEFAULT '',\n", "", 1)
	if _, err := db.Exec(oldSchema); err != nil {
		t.Fatalf("Failed to create old schema: %v", err)
	}
	_ = db.Close()

	storage, err := NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("Failed to open old database: %v", err)
	}
	defer func() { _ = storage.Close() }()

	ctx := context.Background()
	if err := storage.CreateRun(ctx, &crawler.CrawlRun{ID: "r1", CrawlerID: "c1", Status: crawler.StatusPending}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	now := time.Now()
	page := &crawler.DiscoveredPage{
		RunID: "r1", URL: "https://example.test/a", FinalURL: "https://example.test/b",
		StatusCode: 200, FirstCrawledAt: now, LastCrawledAt: now,
	}
	if _, err := storage.SavePage(ctx, page); err != nil {
		t.Fatalf("SavePage on migrated database failed: %v", err)
	}
	// A second open must not try to add the column again.
	again, err := NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	_ = again.Close()
}

func TestSessionBackend(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if _, _, err := storage.ActiveSession(ctx, "c1"); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}

	now := time.Now()
	if err := storage.UpsertSession(ctx, "c1", "default", []byte("one"), now); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}
	if err := storage.UpsertSession(ctx, "c1", "sso", []byte("two"), now.Add(time.Second)); err != nil {
		t.Fatalf("UpsertSession failed: %v", err)
	}

	name, blob, err := storage.ActiveSession(ctx, "c1")
	if err != nil {
		t.Fatalf("ActiveSession failed: %v", err)
	}
	if name != "sso" || string(blob) != "two" {
		t.Errorf("Expected last writer to win, got %q %q", name, blob)
	}
	var count int
	_ = storage.db.QueryRow("SELECT COUNT(*) FROM auth_sessions WHERE crawler_id = 'c1'").Scan(&count)
	if count != 1 {
		t.Errorf("Expected one session row, got %d", count)
	}

	if err := storage.TouchSession(ctx, "c1", now.Add(time.Hour)); err != nil {
		t.Errorf("TouchSession failed: %v", err)
	}
	if err := storage.DeleteSessions(ctx, "c1"); err != nil {
		t.Fatalf("DeleteSessions failed: %v", err)
	}
	if _, _, err := storage.ActiveSession(ctx, "c1"); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("Expected ErrNoSession after delete, got %v", err)
	}
}

func TestSessionStoreOnSQLite(t *testing.T) {
	storage := newTestStorage(t)
	store := session.NewStore(storage, newTestSealer(t))
	ctx := context.Background()

	state := &session.StorageState{
		Cookies:      []session.Cookie{{Name: "sid", Value: "valid", Domain: "example.test", Path: "/"}},
		LocalStorage: []session.StorageItem{{Origin: "https://example.test", Name: "token", Value: "t"}},
	}
	if err := store.Save(ctx, "c1", "default", state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	_, blob, _ := storage.ActiveSession(ctx, "c1")
	if bytes.Contains(blob, []byte("valid")) {
		t.Error("Session stored unsealed")
	}

	got, err := store.Load(ctx, "c1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got == nil || len(got.Cookies) != 1 || got.Cookies[0].Value != "valid" || len(got.LocalStorage) != 1 {
		t.Errorf("Unexpected state: %+v", got)
	}
}

func TestMeta(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if v, err := storage.GetMeta(ctx, "schema_version"); err != nil || v != schemaVersion {
		t.Errorf("schema_version = %q, %v", v, err)
	}
	if v, _ := storage.GetMeta(ctx, "missing"); v != "" {
		t.Errorf("Expected empty value, got %q", v)
	}
	if err := storage.SetMeta(ctx, "k", "v"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	if v, _ := storage.GetMeta(ctx, "k"); v != "v" {
		t.Errorf("Expected v, got %q", v)
	}
}

func TestCoordinatorOnSQLite(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.ID = "c1"
	cfg.BaseURL = "http://127.0.0.1:1/"
	if err := storage.SaveCrawler(ctx, cfg); err != nil {
		t.Fatalf("SaveCrawler failed: %v", err)
	}

	coord := crawler.NewCoordinator(storage, session.NewStore(storage, newTestSealer(t)), crawler.Options{Engine: failingEngine{}})
	handle, err := coord.Start(ctx, "c1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-handle.Done

	run, err := storage.GetRun(ctx, handle.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != crawler.StatusFailed || run.CompletedAt.IsZero() || len(run.Errors) == 0 {
		t.Errorf("Expected persisted failed run, got %+v", run)
	}
}

type failingEngine struct{}

func (failingEngine) Launch(context.Context, browser.Options) (browser.Browser, error) {
	return nil, errors.New("no browser binary")
}
