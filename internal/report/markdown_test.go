package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/crawler"
)

func testRun() (*crawler.CrawlRun, []*crawler.DiscoveredPage) {
	ok := false
	run := &crawler.CrawlRun{
		ID:              "run-1",
		CrawlerID:       "crawler-1",
		Status:          crawler.StatusCompleted,
		PagesDiscovered: 4,
		PagesCrawled:    3,
		PagesFailed:     1,
		PagesSkipped:    2,
		StartedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:        1500 * time.Millisecond,
		AuthSuccessful:  &ok,
		AuthOutcome:     "not_authenticated",
		Errors:          []string{"authentication: login form not found"},
	}
	pages := []*crawler.DiscoveredPage{
		{URL: "https://example.test/", StatusCode: 200, Depth: 0},
		{URL: "https://example.test/login", StatusCode: 200, Depth: 1, HasLoginForm: true},
		{URL: "https://example.test/missing", StatusCode: 404, Depth: 1},
		{URL: "https://example.test/settings", FinalURL: "https://example.test/login", StatusCode: 200, Depth: 1, HasLoginForm: true},
		{URL: "https://example.test/slow", Depth: 2, Error: "navigation timeout"},
	}
	return run, pages
}

func TestWriter(t *testing.T) {
	run, pages := testRun()
	var buf bytes.Buffer
	if err := NewWriter(&buf).Write(run, pages); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"# Site Discovery Report",
		"run-1",
		"## Pages by Depth",
		"depth 1",
		"## Failed Pages",
		"https://example.test/missing",
		"navigation timeout",
		"## Pages with Login Forms",
		"`https://example.test/login`",
		"`https://example.test/settings` (redirects to `https://example.test/login`)",
		"## Run Errors",
		"login form not found",
		"Authentication failed",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q", want)
		}
	}
}

func TestWriterEmptyRun(t *testing.T) {
	run := &crawler.CrawlRun{ID: "run-2", Status: crawler.StatusCancelled}
	var buf bytes.Buffer
	if err := NewWriter(&buf).Write(run, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output := buf.String()

	if !strings.Contains(output, "No pages were discovered.") {
		t.Error("expected empty depth section")
	}
	if !strings.Contains(output, "cancelled") {
		t.Error("expected cancellation warning")
	}
	if strings.Contains(output, "## Run Errors") {
		t.Error("did not expect an errors section")
	}
}

func TestDepthHistogram(t *testing.T) {
	_, pages := testRun()
	got := DepthHistogram(pages)
	want := map[int]int{0: 1, 1: 3, 2: 1}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for d, n := range want {
		if got[d] != n {
			t.Errorf("depth %d: expected %d, got %d", d, n, got[d])
		}
	}
}

func TestAuthText(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name string
		run  crawler.CrawlRun
		want string
	}{
		{"none", crawler.CrawlRun{}, "-"},
		{"unknown", crawler.CrawlRun{AuthOutcome: "unknown"}, "unknown (unconfirmed)"},
		{"success", crawler.CrawlRun{AuthSuccessful: &yes, AuthOutcome: "authenticated"}, "✅ authenticated"},
		{"failure", crawler.CrawlRun{AuthSuccessful: &no, AuthOutcome: "not_authenticated"}, "❌ not_authenticated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := authText(&tt.run); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
