// Package crawler implements site discovery: a breadth-first crawl of one
// web application through a browser-controlled page, with robots.txt
// politeness, authentication and persisted run progress.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/auth"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/browser"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/config"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/parser"
)

// dnsTimeout bounds the pre-flight lookup.
const dnsTimeout = 5 * time.Second

// Options configure a Coordinator.
type Options struct {
	// Engine overrides the engine named by each crawler definition.
	Engine browser.Engine
	// RobotsCacheTTL expires robots.txt bodies within a run; zero keeps
	// them until the run ends.
	RobotsCacheTTL time.Duration
	Resolver       Resolver
	Logger         *slog.Logger
}

// Coordinator owns crawl run lifecycles. At most one run per crawler is
// active within a coordinator.
type Coordinator struct {
	store    Store
	sessions SessionStore
	opts     Options
	logger   *slog.Logger

	mu        sync.Mutex
	byCrawler map[string]*activeRun
	byRun     map[string]*activeRun
}

// NewCoordinator creates a coordinator. sessions may be nil, which disables
// session persistence.
func NewCoordinator(store Store, sessions SessionStore, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	return &Coordinator{
		store:     store,
		sessions:  sessions,
		opts:      opts,
		logger:    opts.Logger,
		byCrawler: make(map[string]*activeRun),
		byRun:     make(map[string]*activeRun),
	}
}

// RunHandle refers to a run executing in the background.
type RunHandle struct {
	RunID string
	// Done is closed once the run reached a terminal status.
	Done <-chan struct{}
	run  *activeRun
}

// Result returns the final run after Done is closed, or a snapshot before.
func (h *RunHandle) Result() *CrawlRun {
	return h.run.snapshot()
}

// Start loads crawler crawlerID from the store and runs it in the
// background.
func (c *Coordinator) Start(ctx context.Context, crawlerID string) (*RunHandle, error) {
	cfg, err := c.store.GetCrawler(ctx, crawlerID)
	if err != nil {
		return nil, fmt.Errorf("load crawler %s: %w", crawlerID, err)
	}
	ar, err := c.begin(ctx, cfg)
	if err != nil {
		return nil, err
	}
	go c.execute(ar)
	return &RunHandle{RunID: ar.run.ID, Done: ar.done, run: ar}, nil
}

// Run executes cfg synchronously and returns the final run. Configuration
// errors are returned before any run exists; everything after is reported
// through the run's status and errors.
func (c *Coordinator) Run(ctx context.Context, cfg *config.CrawlerConfig) (*CrawlRun, error) {
	ar, err := c.begin(ctx, cfg)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, ar.cancel)
	defer stop()
	c.execute(ar)
	return ar.snapshot(), nil
}

// Cancel stops an active run. In-flight page fetches finish first.
func (c *Coordinator) Cancel(runID string) error {
	c.mu.Lock()
	ar, ok := c.byRun[runID]
	c.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	ar.cancel()
	return nil
}

// IsRunning reports whether crawlerID has an active run.
func (c *Coordinator) IsRunning(crawlerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byCrawler[crawlerID]
	return ok
}

// Snapshot returns the live state of an active run.
func (c *Coordinator) Snapshot(runID string) (*CrawlRun, bool) {
	c.mu.Lock()
	ar, ok := c.byRun[runID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return ar.snapshot(), true
}

// Subscribe streams progress of an active run. The channel is closed when
// the run ends or unsubscribe is called. Slow subscribers miss updates.
func (c *Coordinator) Subscribe(runID string) (<-chan Progress, func(), error) {
	c.mu.Lock()
	ar, ok := c.byRun[runID]
	c.mu.Unlock()
	if !ok {
		return nil, nil, ErrRunNotFound
	}
	ch, unsubscribe := ar.subscribe()
	return ch, unsubscribe, nil
}

// Wait blocks until every active run finished or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		var pending *activeRun
		for _, ar := range c.byRun {
			pending = ar
			break
		}
		c.mu.Unlock()
		if pending == nil {
			return nil
		}
		select {
		case <-pending.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown cancels every active run and waits for them to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, ar := range c.byRun {
		ar.cancel()
	}
	c.mu.Unlock()
	return c.Wait(ctx)
}

// begin validates cfg, reserves the crawler and creates the pending run.
func (c *Coordinator) begin(ctx context.Context, cfg *config.CrawlerConfig) (*activeRun, error) {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	run := &CrawlRun{
		ID:        uuid.NewString(),
		CrawlerID: cfg.ID,
		Status:    StatusPending,
		Errors:    []string{},
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar := &activeRun{
		cfg:    cfg,
		run:    run,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[int]chan Progress),
	}

	c.mu.Lock()
	if _, busy := c.byCrawler[cfg.ID]; busy {
		c.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.ID)
	}
	c.byCrawler[cfg.ID] = ar
	c.byRun[run.ID] = ar
	c.mu.Unlock()

	if err := c.store.CreateRun(ctx, run); err != nil {
		c.release(ar)
		cancel()
		return nil, fmt.Errorf("create run: %w", err)
	}
	return ar, nil
}

func (c *Coordinator) release(ar *activeRun) {
	c.mu.Lock()
	delete(c.byCrawler, ar.cfg.ID)
	delete(c.byRun, ar.run.ID)
	c.mu.Unlock()
}

// execute drives a run to a terminal status. A deferred finalizer makes
// sure no run is left running, including after a panic.
func (c *Coordinator) execute(ar *activeRun) {
	log := c.logger.With("run_id", ar.run.ID, "crawler_id", ar.cfg.ID)
	persistCtx := context.WithoutCancel(ar.ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Crawl loop panicked", "panic", r, "stack", string(debug.Stack()))
			ar.fail(fmt.Errorf("panic: %v", r))
		}
		ar.update(func(r *CrawlRun) {
			if !r.Status.Terminal() {
				r.Status = StatusCompleted
			}
			r.CompletedAt = time.Now().UTC()
			if !r.StartedAt.IsZero() {
				r.Duration = r.CompletedAt.Sub(r.StartedAt)
			}
			r.CurrentURL = ""
		})
		final := ar.snapshot()
		if err := c.store.UpdateRun(persistCtx, final); err != nil {
			log.Error("Failed to persist final run state", "error", err)
		}
		ar.publish(nil)
		c.release(ar)
		ar.cancel()
		ar.finish()
		log.Info("Crawl finished", "status", string(final.Status), "pages_discovered", final.PagesDiscovered,
			"pages_failed", final.PagesFailed, "duration", final.Duration)
	}()

	ar.update(func(r *CrawlRun) {
		r.Status = StatusRunning
		r.StartedAt = time.Now().UTC()
	})
	if err := c.store.UpdateRun(persistCtx, ar.snapshot()); err != nil {
		ar.fail(fmt.Errorf("persist run start: %w", err))
		return
	}
	log.Info("Crawl started", "base_url", ar.cfg.BaseURL, "max_pages", ar.cfg.MaxPages, "max_depth", ar.cfg.MaxDepth)

	if err := c.crawl(ar, log); err != nil {
		if errors.Is(err, context.Canceled) && ar.ctx.Err() != nil {
			ar.update(func(r *CrawlRun) { r.Status = StatusCancelled })
			return
		}
		ar.fail(err)
		return
	}
	if ar.ctx.Err() != nil {
		ar.update(func(r *CrawlRun) { r.Status = StatusCancelled })
	}
}

func (c *Coordinator) crawl(ar *activeRun, log *slog.Logger) error {
	ctx, cfg := ar.ctx, ar.cfg
	// Fetches and writes outlive cancellation so in-flight work completes.
	workCtx := context.WithoutCancel(ctx)

	if err := checkDNS(ctx, c.opts.Resolver, cfg.BaseURL, dnsTimeout); err != nil {
		log.Warn("DNS pre-check failed, continuing", "error", err)
	}

	engine := c.opts.Engine
	if engine == nil {
		var err error
		if engine, err = browser.NewEngine(string(cfg.Engine)); err != nil {
			return err
		}
	}
	b, err := engine.Launch(workCtx, browser.Options{
		UserAgent:      cfg.UserAgent,
		ViewportWidth:  cfg.Viewport.Width,
		ViewportHeight: cfg.Viewport.Height,
		Headers:        cfg.Headers,
		Timeout:        cfg.NavigationTimeout,
		BrowserPath:    cfg.BrowserPath,
		RemoteURL:      cfg.RemoteURL,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer func() { _ = b.Close() }()

	slots := make([]*Slot, 0, cfg.ConcurrentRequests)
	for i := 0; i < max(1, cfg.ConcurrentRequests); i++ {
		page, err := b.NewPage(workCtx)
		if err != nil {
			return fmt.Errorf("open page: %w", err)
		}
		slots = append(slots, NewSlot(page))
	}

	restored := c.restoreSession(ctx, cfg, slots, log)

	handler := auth.NewHandler(c.sessions, log)
	authRes := handler.Authenticate(ctx, slots[0].Page, cfg, restored)
	ar.update(func(r *CrawlRun) {
		r.AuthSuccessful = authRes.Successful()
		r.AuthOutcome = string(authRes.Outcome)
		if authRes.Err != nil {
			r.Errors = append(r.Errors, "authentication: "+authRes.Err.Error())
		}
	})

	gate := NewRobotsGate(NewRobotsCache(c.opts.RobotsCacheTTL), cfg.UserAgent, cfg.RobotsTimeout)
	defer gate.Close()
	filter, err := NewLinkFilter(cfg)
	if err != nil {
		return err
	}
	limiter := NewDelayLimiter(cfg.RequestDelay)
	if cfg.RespectRobotsTxt {
		limiter.Raise(gate.CrawlDelay(ctx, cfg.BaseURL))
	}
	fetcher := NewPageFetcher(cfg, log)

	frontier := NewFrontier()
	seed, err := parser.Canonicalize(cfg.BaseURL)
	if err != nil {
		return err
	}
	frontier.Push(Item{URL: seed, Target: cfg.BaseURL, Depth: 0})

	for ctx.Err() == nil {
		remaining := cfg.MaxPages - ar.snapshot().PagesDiscovered
		if remaining <= 0 {
			log.Info("Reached max pages", "max_pages", cfg.MaxPages)
			break
		}

		batch := c.admit(ctx, ar, frontier, gate, min(len(slots), remaining))
		if len(batch) == 0 {
			if frontier.Len() == 0 {
				break
			}
			continue
		}

		results := make([]*DiscoveredPage, len(batch))
		g := new(errgroup.Group)
		g.SetLimit(len(slots))
		for i, item := range batch {
			slot := slots[i]
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						log.Error("Page fetch panicked", "url", item.URL, "panic", r, "stack", string(debug.Stack()))
						err = fmt.Errorf("panic fetching %s: %v", item.URL, r)
					}
				}()
				results[i] = fetcher.Fetch(workCtx, slot, item)
				return nil
			})
		}
		fetchErr := g.Wait()

		for _, page := range results {
			if page == nil {
				continue
			}
			if err := c.record(workCtx, ar, frontier, filter, gate, page); err != nil {
				return err
			}
		}
		if fetchErr != nil {
			return fetchErr
		}

		if frontier.Len() > 0 && ctx.Err() == nil {
			if err := limiter.Pause(ctx); err != nil {
				break
			}
		}
	}

	if cfg.SessionPersistence && c.sessions != nil && authRes.Outcome != auth.NotAuthenticated && ctx.Err() == nil {
		c.saveSession(workCtx, cfg, slots[0], log)
	}
	return ctx.Err()
}

// admit pops up to n items that may be fetched, skipping visited,
// too-deep and robots-disallowed entries.
func (c *Coordinator) admit(ctx context.Context, ar *activeRun, frontier *Frontier, gate *RobotsGate, n int) []Item {
	var batch []Item
	for len(batch) < n && frontier.Len() > 0 {
		for _, item := range frontier.PopBatch(n - len(batch)) {
			if frontier.Visited(item.URL) || item.Depth > ar.cfg.MaxDepth {
				continue
			}
			if !gate.IsAllowed(ctx, item.URL, ar.cfg.RespectRobotsTxt) {
				c.logger.Info("URL disallowed by robots.txt", "url", item.URL)
				ar.update(func(r *CrawlRun) { r.PagesSkipped++ })
				continue
			}
			batch = append(batch, item)
		}
	}
	return batch
}

// record persists one fetched page, updates progress and enqueues its links.
func (c *Coordinator) record(ctx context.Context, ar *activeRun, frontier *Frontier, filter *LinkFilter, gate *RobotsGate, page *DiscoveredPage) error {
	cfg := ar.cfg
	page.RunID = ar.run.ID
	frontier.MarkVisited(page.URL)

	created, err := c.store.SavePage(ctx, page)
	if err != nil {
		return fmt.Errorf("save page %s: %w", page.URL, err)
	}

	// Links of a page that redirected out of scope are not followed.
	follow := page.FinalURL == "" || filter.Allow(page.FinalURL)
	if created && follow && !page.Failed() && page.Depth < cfg.MaxDepth {
		for _, link := range page.Links {
			key, err := parser.Canonicalize(link)
			if err != nil || frontier.Seen(key) || !filter.Allow(link) {
				continue
			}
			if !gate.IsAllowed(ctx, link, cfg.RespectRobotsTxt) {
				frontier.Skip(key)
				ar.update(func(r *CrawlRun) { r.PagesSkipped++ })
				continue
			}
			frontier.Push(Item{URL: key, Target: link, Depth: page.Depth + 1, Parent: page.URL})
		}
	}

	ar.update(func(r *CrawlRun) {
		if created {
			r.PagesDiscovered++
			if page.Failed() {
				r.PagesFailed++
			} else {
				r.PagesCrawled++
			}
		}
		r.CurrentURL = page.URL
		r.CurrentDepth = page.Depth
		r.QueueSize = frontier.Len()
	})
	snap := ar.snapshot()
	if err := c.store.UpdateRun(ctx, snap); err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	ar.publish(page)
	return nil
}

func (c *Coordinator) restoreSession(ctx context.Context, cfg *config.CrawlerConfig, slots []*Slot, log *slog.Logger) bool {
	if !cfg.SessionPersistence || c.sessions == nil {
		return false
	}
	state, err := c.sessions.Load(ctx, cfg.ID)
	if err != nil {
		log.Warn("Failed to load saved session", "error", err)
		return false
	}
	if state.Empty() {
		return false
	}
	for _, s := range slots {
		if err := s.Page.RestoreStorageState(ctx, state); err != nil {
			log.Warn("Failed to restore saved session", "error", err)
			return false
		}
	}
	log.Info("Restored saved session", "cookie_count", len(state.Cookies))
	return true
}

func (c *Coordinator) saveSession(ctx context.Context, cfg *config.CrawlerConfig, slot *Slot, log *slog.Logger) {
	state, err := slot.Page.StorageState(ctx)
	if err != nil {
		log.Warn("Failed to capture session", "error", err)
		return
	}
	if state.Empty() {
		return
	}
	if err := c.sessions.Save(ctx, cfg.ID, cfg.SessionName, state); err != nil {
		log.Warn("Failed to save session", "error", err)
	}
}

// activeRun is the in-memory state of an executing run.
type activeRun struct {
	cfg    *config.CrawlerConfig
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	run     *CrawlRun
	subs    map[int]chan Progress
	nextSub int
}

func (a *activeRun) update(fn func(*CrawlRun)) {
	a.mu.Lock()
	fn(a.run)
	a.mu.Unlock()
}

func (a *activeRun) snapshot() *CrawlRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run.Clone()
}

func (a *activeRun) fail(err error) {
	a.update(func(r *CrawlRun) {
		r.Status = StatusFailed
		r.Errors = append(r.Errors, err.Error())
	})
}

func (a *activeRun) subscribe() (<-chan Progress, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan Progress, 16)
	select {
	case <-a.done:
		close(ch)
		return ch, func() {}
	default:
	}
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if c, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(c)
		}
	}
}

func (a *activeRun) publish(page *DiscoveredPage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := progressOf(a.run, page)
	for _, ch := range a.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

func (a *activeRun) finish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
	close(a.done)
}
