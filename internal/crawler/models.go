package crawler

import "time"

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CrawlRun is one execution of a crawler definition.
type CrawlRun struct {
	ID        string    `json:"id"`
	CrawlerID string    `json:"crawler_id"`
	Status    RunStatus `json:"status"`

	CurrentURL   string `json:"current_url,omitempty"`
	CurrentDepth int    `json:"current_depth"`
	QueueSize    int    `json:"queue_size"`

	PagesDiscovered int `json:"pages_discovered"`
	PagesCrawled    int `json:"pages_crawled"`
	PagesFailed     int `json:"pages_failed"`
	PagesSkipped    int `json:"pages_skipped"` // refused by robots.txt

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	// AuthSuccessful is nil when no strategy ran or the outcome was unknown.
	AuthSuccessful *bool    `json:"auth_successful"`
	AuthOutcome    string   `json:"auth_outcome,omitempty"`
	Errors         []string `json:"errors"`
}

// Clone returns a copy safe to hand to other goroutines.
func (r *CrawlRun) Clone() *CrawlRun {
	c := *r
	c.Errors = append([]string(nil), r.Errors...)
	if r.AuthSuccessful != nil {
		v := *r.AuthSuccessful
		c.AuthSuccessful = &v
	}
	return &c
}

// DiscoveredPage is one crawled URL within a run.
type DiscoveredPage struct {
	ID           int64         `json:"id,omitempty"`
	RunID        string        `json:"run_id"`
	URL          string        `json:"url"` // canonical
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	StatusCode   int           `json:"status_code"` // 0 when the fetch failed
	ResponseTime time.Duration `json:"response_time"`
	Depth        int           `json:"depth"`
	ParentURL    string        `json:"parent_url,omitempty"`
	FinalURL     string        `json:"final_url,omitempty"` // set when navigation redirected
	ContentHash  string        `json:"content_hash,omitempty"`

	Links        []string `json:"links"`
	HasForms     bool     `json:"has_forms"`
	HasLoginForm bool     `json:"has_login_form"`
	FormCount    int      `json:"form_count"`
	LinkCount    int      `json:"link_count"`
	ImageCount   int      `json:"image_count"`

	Extracted map[string]any `json:"extracted,omitempty"`
	Error     string         `json:"error,omitempty"`

	FirstCrawledAt time.Time `json:"first_crawled_at"`
	LastCrawledAt  time.Time `json:"last_crawled_at"`
}

// Failed reports whether the record is a degraded fetch result.
func (p *DiscoveredPage) Failed() bool {
	return p.StatusCode == 0
}

// Item is a frontier entry.
type Item struct {
	URL    string // canonical, the dedup key
	Target string // resolved link as found, fragment preserved
	Depth  int
	Parent string
}

// Progress is the unit streamed to run subscribers after every page.
type Progress struct {
	RunID           string          `json:"run_id"`
	Status          RunStatus       `json:"status"`
	CurrentURL      string          `json:"current_url,omitempty"`
	CurrentDepth    int             `json:"current_depth"`
	QueueSize       int             `json:"queue_size"`
	PagesDiscovered int             `json:"pages_discovered"`
	PagesCrawled    int             `json:"pages_crawled"`
	PagesFailed     int             `json:"pages_failed"`
	Errors          []string        `json:"errors"`
	Page            *DiscoveredPage `json:"page,omitempty"`
}

func progressOf(r *CrawlRun, page *DiscoveredPage) Progress {
	return Progress{
		RunID:           r.ID,
		Status:          r.Status,
		CurrentURL:      r.CurrentURL,
		CurrentDepth:    r.CurrentDepth,
		QueueSize:       r.QueueSize,
		PagesDiscovered: r.PagesDiscovered,
		PagesCrawled:    r.PagesCrawled,
		PagesFailed:     r.PagesFailed,
		Errors:          append([]string(nil), r.Errors...),
		Page:            page,
	}
}
