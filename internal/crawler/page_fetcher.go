package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cast"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/browser"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/config"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/parser"
)

// settleTimeout bounds the network-idle wait after each navigation.
const settleTimeout = 2 * time.Second

// Slot is one browser page used by the run, with its last navigation.
type Slot struct {
	Page browser.Page
	last *browser.Response
}

// NewSlot wraps page.
func NewSlot(page browser.Page) *Slot {
	return &Slot{Page: page}
}

// PageFetcher visits one frontier item and extracts its page record.
type PageFetcher struct {
	cfg    *config.CrawlerConfig
	rules  []parser.Rule
	logger *slog.Logger
	now    func() time.Time
}

// NewPageFetcher creates a fetcher for cfg.
func NewPageFetcher(cfg *config.CrawlerConfig, logger *slog.Logger) *PageFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	rules := make([]parser.Rule, 0, len(cfg.ExtractionRules))
	for _, r := range cfg.ExtractionRules {
		rules = append(rules, parser.Rule{Name: r.Name, Selector: r.Selector, Attribute: r.Attribute, Multiple: r.Multiple})
	}
	return &PageFetcher{cfg: cfg, rules: rules, logger: logger, now: time.Now}
}

// Fetch navigates slot to item and returns the page record. Failures yield
// a degraded record with status 0 rather than an error.
func (f *PageFetcher) Fetch(ctx context.Context, slot *Slot, item Item) *DiscoveredPage {
	start := f.now()
	rec := &DiscoveredPage{
		URL:            item.URL,
		Depth:          item.Depth,
		ParentURL:      item.Parent,
		FirstCrawledAt: start.UTC(),
		LastCrawledAt:  start.UTC(),
	}

	if err := f.visit(ctx, slot, item, rec); err != nil {
		f.logger.Warn("Failed to fetch page", "url", item.URL, "depth", item.Depth, "error", err)
		rec.StatusCode = 0
		rec.Error = err.Error()
		rec.Links = nil
		rec.ResponseTime = f.now().Sub(start)
	}
	return rec
}

func (f *PageFetcher) visit(ctx context.Context, slot *Slot, item Item, rec *DiscoveredPage) error {
	page := slot.Page
	target := item.Target
	if target == "" {
		target = item.URL
	}

	if frag := parser.Fragment(target); frag != "" && slot.last != nil && parser.SameDocument(page.URL(), target) {
		// Same document: no navigation, only a best-effort scroll.
		if err := page.ScrollToFragment(ctx, frag); err != nil {
			f.logger.Debug("Scroll to fragment failed", "url", target, "error", err)
		}
		rec.StatusCode = slot.last.StatusCode
	} else {
		navCtx, cancel := context.WithTimeout(ctx, f.cfg.NavigationTimeout)
		resp, err := page.Navigate(navCtx, target)
		cancel()
		if err != nil {
			return err
		}
		slot.last = resp
		rec.StatusCode = resp.StatusCode
		rec.ResponseTime = resp.Elapsed
		// The record stays keyed by the frontier URL.
		if final, err := parser.Canonicalize(resp.URL); err == nil && final != item.URL {
			rec.FinalURL = final
		}
	}

	if err := page.WaitIdle(ctx, min(settleTimeout, f.cfg.WaitTimeout)); err != nil {
		f.logger.Debug("Page did not settle", "url", rec.URL, "error", err)
	}
	f.applyWaits(ctx, page, page.URL())

	content, err := page.HTML(ctx)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	p, err := parser.NewHTMLParser(page.URL(), f.rules)
	if err != nil {
		return err
	}
	res, err := p.Parse(content)
	if err != nil {
		return err
	}

	rec.Title = res.Title
	rec.Description = res.Description
	rec.ContentHash = res.ContentHash
	rec.Links = res.Links
	rec.LinkCount = res.LinkCount
	rec.ImageCount = res.ImageCount
	rec.FormCount = res.FormCount
	rec.HasForms = res.HasForms()
	rec.HasLoginForm = res.HasLoginForm
	rec.Extracted = res.Extracted
	if rec.ResponseTime == 0 {
		rec.ResponseTime = f.now().Sub(rec.FirstCrawledAt)
	}

	f.logger.Debug("Fetched page", "url", rec.URL, "final_url", rec.FinalURL, "status", rec.StatusCode, "links", len(rec.Links))
	return nil
}

// applyWaits runs the configured readiness conditions. Each is bounded and
// a failure only logs.
func (f *PageFetcher) applyWaits(ctx context.Context, page browser.Page, pageURL string) {
	for _, wc := range f.cfg.WaitConditions {
		timeout := wc.Timeout
		if timeout <= 0 {
			timeout = f.cfg.WaitTimeout
		}

		var err error
		switch wc.Type {
		case config.WaitSelector:
			err = page.WaitSelector(ctx, wc.Value, timeout)
		case config.WaitFunction:
			err = page.WaitFunction(ctx, wc.Value, timeout)
		case config.WaitTimeout:
			err = sleep(ctx, fixedWait(wc))
		}
		if err != nil {
			f.logger.Warn("Wait condition not met", "url", pageURL, "type", wc.Type, "value", wc.Value, "error", err)
		}
	}
}

// fixedWait reads the pause of a timeout condition: its Timeout, or Value
// as a duration string or a number of milliseconds.
func fixedWait(wc config.WaitCondition) time.Duration {
	if wc.Timeout > 0 {
		return wc.Timeout
	}
	if d, err := time.ParseDuration(wc.Value); err == nil {
		return d
	}
	return time.Duration(cast.ToInt64(wc.Value)) * time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
