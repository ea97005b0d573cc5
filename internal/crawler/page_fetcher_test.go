package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/browser"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/config"
)

func newTestSlot(t *testing.T) *Slot {
	t.Helper()
	b, err := browser.HTTPEngine{}.Launch(context.Background(), browser.Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	page, err := b.NewPage(context.Background())
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	return NewSlot(page)
}

const productPage = `<meta name="description" content="All our widgets">
<h1>  Widget
 catalogue </h1>
<span class="price">1</span><span class="price">2</span>
<a href="/a">A</a><a href="b?x=1">B</a><a href="mailto:x@example.test">Mail</a><a href="/a">A again</a>
<img src="/i.png"><img src="/j.png">
<form><input type="text" name="q"></form>
<form><input type="password" name="p"></form>`

func TestPageFetcherExtracts(t *testing.T) {
	s := newSite(t, "", map[string]string{"/shop/": productPage})
	cfg := testConfig(s.URL)
	cfg.ExtractionRules = []config.ExtractionRule{
		{Name: "heading", Selector: "h1"},
		{Name: "prices", Selector: ".price", Multiple: true},
		{Name: "missing", Selector: "#nope"},
	}
	cfg.WaitConditions = []config.WaitCondition{
		{Type: config.WaitSelector, Value: "h1"},
		{Type: config.WaitSelector, Value: "#never", Timeout: 50 * time.Millisecond},
		{Type: config.WaitTimeout, Value: "20ms"},
	}

	rec := NewPageFetcher(cfg, nil).Fetch(context.Background(), newTestSlot(t), Item{URL: s.URL + "/shop/", Depth: 2, Parent: s.URL + "/"})

	if rec.Failed() {
		t.Fatalf("Unexpected failure: %s", rec.Error)
	}
	if rec.StatusCode != 200 || rec.Title != "shop" || rec.Description != "All our widgets" {
		t.Errorf("Unexpected metadata: status %d, title %q, description %q", rec.StatusCode, rec.Title, rec.Description)
	}
	if rec.Depth != 2 || rec.ParentURL != s.URL+"/" {
		t.Errorf("Lineage not recorded: depth %d, parent %q", rec.Depth, rec.ParentURL)
	}
	want := []string{s.URL + "/a", s.URL + "/shop/b?x=1"}
	if len(rec.Links) != len(want) {
		t.Fatalf("Expected links %v, got %v", want, rec.Links)
	}
	for i := range want {
		if rec.Links[i] != want[i] {
			t.Errorf("Link %d = %q, expected %q", i, rec.Links[i], want[i])
		}
	}
	if rec.LinkCount != 4 || rec.ImageCount != 2 || rec.FormCount != 2 {
		t.Errorf("Unexpected counts: links %d, images %d, forms %d", rec.LinkCount, rec.ImageCount, rec.FormCount)
	}
	if !rec.HasForms || !rec.HasLoginForm {
		t.Error("Expected form and login form flags")
	}
	if rec.Extracted["heading"] != "Widget catalogue" {
		t.Errorf("heading = %v", rec.Extracted["heading"])
	}
	if prices, ok := rec.Extracted["prices"].([]string); !ok || len(prices) != 2 {
		t.Errorf("prices = %v", rec.Extracted["prices"])
	}
	if rec.Extracted["missing"] != nil {
		t.Errorf("missing = %v", rec.Extracted["missing"])
	}
	if rec.ContentHash == "" || rec.ResponseTime <= 0 {
		t.Errorf("Expected content hash and response time, got %q and %v", rec.ContentHash, rec.ResponseTime)
	}
}

func TestPageFetcherFragmentReusesDocument(t *testing.T) {
	s := newSite(t, "", map[string]string{"/page": `<h2 id="section">S</h2><a href="/next">n</a>`})
	cfg := testConfig(s.URL)
	fetcher := NewPageFetcher(cfg, nil)
	slot := newTestSlot(t)
	ctx := context.Background()

	first := fetcher.Fetch(ctx, slot, Item{URL: s.URL + "/page"})
	second := fetcher.Fetch(ctx, slot, Item{URL: s.URL + "/page", Target: s.URL + "/page#section"})

	if s.hitsFor("/page") != 1 {
		t.Errorf("Expected one navigation, got %d", s.hitsFor("/page"))
	}
	if second.Failed() || second.StatusCode != first.StatusCode {
		t.Errorf("Expected fragment record to reuse status %d, got %d (%s)", first.StatusCode, second.StatusCode, second.Error)
	}
	if second.URL != first.URL {
		t.Errorf("Expected same canonical URL, got %q and %q", first.URL, second.URL)
	}
}

func TestPageFetcherHTTPErrorStatus(t *testing.T) {
	s := newSite(t, "", map[string]string{})
	rec := NewPageFetcher(testConfig(s.URL), nil).Fetch(context.Background(), newTestSlot(t), Item{URL: s.URL + "/gone"})

	if rec.Failed() {
		t.Fatalf("A 404 is a fetched page, got failure %q", rec.Error)
	}
	if rec.StatusCode != 404 {
		t.Errorf("Expected 404, got %d", rec.StatusCode)
	}
}

func TestPageFetcherDegradedRecord(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/")
	cfg.NavigationTimeout = time.Second

	rec := NewPageFetcher(cfg, nil).Fetch(context.Background(), newTestSlot(t), Item{URL: "http://127.0.0.1:1/", Depth: 1})

	if rec.StatusCode != 0 || rec.Error == "" {
		t.Errorf("Expected degraded record, got status %d, error %q", rec.StatusCode, rec.Error)
	}
	if rec.Links != nil || rec.Depth != 1 || rec.URL != "http://127.0.0.1:1/" {
		t.Errorf("Unexpected degraded record: %+v", rec)
	}
}

func TestFixedWait(t *testing.T) {
	tests := []struct {
		wc   config.WaitCondition
		want time.Duration
	}{
		{config.WaitCondition{Type: config.WaitTimeout, Timeout: time.Second}, time.Second},
		{config.WaitCondition{Type: config.WaitTimeout, Value: "250ms"}, 250 * time.Millisecond},
		{config.WaitCondition{Type: config.WaitTimeout, Value: "1500"}, 1500 * time.Millisecond},
		{config.WaitCondition{Type: config.WaitTimeout, Value: "soon"}, 0},
	}
	for _, tt := range tests {
		if got := fixedWait(tt.wc); got != tt.want {
			t.Errorf("fixedWait(%+v) = %v, want %v", tt.wc, got, tt.want)
		}
	}
}
