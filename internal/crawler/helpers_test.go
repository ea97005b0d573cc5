package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/browser"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/config"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/session"
)

// memStore keeps runs and pages in memory.
type memStore struct {
	mu       sync.Mutex
	crawlers map[string]*config.CrawlerConfig
	runs     map[string]*CrawlRun
	pages    map[string][]*DiscoveredPage
	updates  int

	savePanic bool
}

func newMemStore() *memStore {
	return &memStore{
		crawlers: make(map[string]*config.CrawlerConfig),
		runs:     make(map[string]*CrawlRun),
		pages:    make(map[string][]*DiscoveredPage),
	}
}

func (s *memStore) GetCrawler(_ context.Context, id string) (*config.CrawlerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.crawlers[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return cfg.Clone(), nil
}

func (s *memStore) CreateRun(_ context.Context, run *CrawlRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *memStore) UpdateRun(_ context.Context, run *CrawlRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	s.updates++
	return nil
}

func (s *memStore) SavePage(_ context.Context, page *DiscoveredPage) (bool, error) {
	if s.savePanic {
		panic("disk on fire")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pages[page.RunID] {
		if p.URL == page.URL {
			p.LastCrawledAt = page.LastCrawledAt
			p.ResponseTime = page.ResponseTime
			return false, nil
		}
	}
	cp := *page
	s.pages[page.RunID] = append(s.pages[page.RunID], &cp)
	return true, nil
}

func (s *memStore) run(id string) *CrawlRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *memStore) pagesOf(runID string) []*DiscoveredPage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*DiscoveredPage(nil), s.pages[runID]...)
}

// memSessions is a session store without encryption.
type memSessions struct {
	mu     sync.Mutex
	states map[string]*session.StorageState
}

func newMemSessions() *memSessions {
	return &memSessions{states: make(map[string]*session.StorageState)}
}

func (m *memSessions) Load(_ context.Context, crawlerID string) (*session.StorageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[crawlerID], nil
}

func (m *memSessions) Save(_ context.Context, crawlerID, _ string, state *session.StorageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[crawlerID] = state
	return nil
}

// failingEngine cannot start a browser.
type failingEngine struct{}

func (failingEngine) Launch(context.Context, browser.Options) (browser.Browser, error) {
	return nil, errors.New("no browser binary")
}

// site is a fixture web application with per-path hit counters.
type site struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func (s *site) hitsFor(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// newSite serves pages from a path -> body map; robots is served when
// non-empty. Every page is wrapped in a minimal HTML document.
func newSite(t *testing.T, robots string, pages map[string]string) *site {
	t.Helper()
	s := &site{hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()

		if r.URL.Path == "/robots.txt" {
			if robots == "" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(robots))
			return
		}
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		title := strings.Trim(r.URL.Path, "/")
		if title == "" {
			title = "Home"
		}
		_, _ = fmt.Fprintf(w, "<html><head><title>%s</title></head><body>%s</body></html>", title, body)
	}))
	t.Cleanup(s.Close)
	return s
}

// links renders anchors for paths.
func links(paths ...string) string {
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, `<a href="%s">%s</a>`, p, p)
	}
	return b.String()
}

func testConfig(baseURL string) *config.CrawlerConfig {
	cfg := config.DefaultConfig()
	cfg.ID = "crawler-test"
	cfg.Name = "test"
	cfg.BaseURL = baseURL
	cfg.Engine = config.EngineHTTP
	cfg.RequestDelay = 0
	cfg.NavigationTimeout = 5 * time.Second
	cfg.WaitTimeout = time.Second
	cfg.RespectRobotsTxt = false
	cfg.UserAgent = "Test-Discovery/1.0"
	return cfg
}

func newTestCoordinator(store Store, sessions SessionStore) *Coordinator {
	return NewCoordinator(store, sessions, Options{})
}

// countingResolver records lookups.
type countingResolver struct {
	calls atomic.Int32
	err   error
}

func (r *countingResolver) LookupHost(context.Context, string) ([]string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return []string{"192.0.2.1"}, nil
}
