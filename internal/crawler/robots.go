package crawler

import (
	"bufio"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/browser"
)

// RobotsCache holds raw robots.txt bodies by origin. A nil body records a
// missing or unreachable file. With a zero TTL entries live as long as the
// cache.
type RobotsCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]robotsEntry
	group   singleflight.Group
}

type robotsEntry struct {
	body      *string
	fetchedAt time.Time
}

// NewRobotsCache creates a cache.
func NewRobotsCache(ttl time.Duration) *RobotsCache {
	return &RobotsCache{ttl: ttl, now: time.Now, entries: make(map[string]robotsEntry)}
}

func (c *RobotsCache) lookup(origin string) (robotsEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[origin]
	if ok && c.ttl > 0 && c.now().Sub(e.fetchedAt) > c.ttl {
		return robotsEntry{}, false
	}
	return e, ok
}

func (c *RobotsCache) store(origin string, body *string) {
	c.mu.Lock()
	c.entries[origin] = robotsEntry{body: body, fetchedAt: c.now()}
	c.mu.Unlock()
}

// RobotsGate decides whether a URL may be crawled under robots.txt.
// Fetch failures resolve to allowed.
type RobotsGate struct {
	cache     *RobotsCache
	client    *browser.HTTPClient
	userAgent string
	timeout   time.Duration
}

// NewRobotsGate creates a gate for userAgent backed by cache.
func NewRobotsGate(cache *RobotsCache, userAgent string, timeout time.Duration) *RobotsGate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RobotsGate{
		cache:     cache,
		client:    browser.NewHTTPClient(userAgent, timeout, nil),
		userAgent: userAgent,
		timeout:   timeout,
	}
}

// IsAllowed reports whether rawURL may be fetched. respect is the already
// normalized robots flag; false disables the gate.
func (g *RobotsGate) IsAllowed(ctx context.Context, rawURL string, respect bool) bool {
	if !respect {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}
	body := g.body(ctx, u.Scheme+"://"+u.Host)
	if body == nil {
		return true
	}

	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return parseRobots(*body, g.userAgent).Allows(target)
}

// CrawlDelay returns the Crawl-delay that applies to the gate's user agent
// at the origin of rawURL.
func (g *RobotsGate) CrawlDelay(ctx context.Context, rawURL string) time.Duration {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0
	}
	body := g.body(ctx, u.Scheme+"://"+u.Host)
	if body == nil {
		return 0
	}
	return parseRobots(*body, g.userAgent).CrawlDelay
}

// Close releases idle connections.
func (g *RobotsGate) Close() {
	g.client.Close()
}

func (g *RobotsGate) body(ctx context.Context, origin string) *string {
	if e, ok := g.cache.lookup(origin); ok {
		return e.body
	}
	v, _, _ := g.cache.group.Do(origin, func() (any, error) {
		if e, ok := g.cache.lookup(origin); ok {
			return e.body, nil
		}
		body := g.fetch(ctx, origin)
		g.cache.store(origin, body)
		return body, nil
	})
	return v.(*string)
}

func (g *RobotsGate) fetch(ctx context.Context, origin string) *string {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Get(ctx, origin+"/robots.txt")
	if err != nil {
		slog.Warn("Failed to fetch robots.txt, allowing", "origin", origin, "error", err)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		slog.Debug("No robots.txt", "origin", origin, "status_code", resp.StatusCode)
		return nil
	}
	body := string(resp.Body)
	return &body
}

// RobotRules contains the rules applicable to one user agent
type RobotRules struct {
	Disallowed []string
	Allowed    []string
	CrawlDelay time.Duration
	Sitemaps   []string
}

// Allows applies longest-match precedence: the most specific matching rule
// decides, and Allow wins a tie.
func (r *RobotRules) Allows(target string) bool {
	return longestMatch(target, r.Allowed) >= longestMatch(target, r.Disallowed)
}

// longestMatch returns the length of the longest pattern matching target,
// or -1.
func longestMatch(target string, patterns []string) int {
	best := -1
	for _, p := range patterns {
		if len(p) > best && matchesPattern(target, p) {
			best = len(p)
		}
	}
	return best
}

// parseRobots collects the rules of every group addressed to userAgent or
// to "*". A group is a run of User-agent lines followed by its rules.
func parseRobots(content, userAgent string) *RobotRules {
	rules := &RobotRules{}
	ua := strings.ToLower(userAgent)

	var (
		agents   []string
		inRules  bool
		applies  bool
		sawDelay bool
	)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		directive, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		directive = strings.ToLower(strings.TrimSpace(directive))
		value = strings.TrimSpace(value)

		switch directive {
		case "user-agent":
			if inRules {
				agents = agents[:0]
				inRules = false
			}
			agents = append(agents, strings.ToLower(value))
			applies = agentApplies(agents, ua)
		case "disallow":
			inRules = true
			if applies && value != "" {
				rules.Disallowed = append(rules.Disallowed, value)
			}
		case "allow":
			inRules = true
			if applies && value != "" {
				rules.Allowed = append(rules.Allowed, value)
			}
		case "crawl-delay":
			inRules = true
			if applies && !sawDelay {
				if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
					rules.CrawlDelay = time.Duration(secs * float64(time.Second))
					sawDelay = true
				}
			}
		case "sitemap":
			rules.Sitemaps = append(rules.Sitemaps, value)
		}
	}
	return rules
}

func agentApplies(agents []string, ua string) bool {
	for _, a := range agents {
		if a == "*" || (a != "" && strings.Contains(ua, a)) {
			return true
		}
	}
	return false
}

// matchesPattern checks if a path matches a robots.txt pattern. '*' matches
// any sequence and a trailing '$' anchors the end.
func matchesPattern(path, pattern string) bool {
	anchored := strings.HasSuffix(pattern, "$")
	pattern = strings.TrimSuffix(pattern, "$")

	if !strings.Contains(pattern, "*") {
		if anchored {
			return path == pattern
		}
		return strings.HasPrefix(path, pattern)
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(path, parts[0]) {
		return false
	}
	remaining := path[len(parts[0]):]
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		if anchored && i == len(parts)-1 {
			return strings.HasSuffix(remaining, parts[i])
		}
		idx := strings.Index(remaining, parts[i])
		if idx == -1 {
			return false
		}
		remaining = remaining[idx+len(parts[i]):]
	}
	return !anchored || remaining == "" || parts[len(parts)-1] == ""
}
