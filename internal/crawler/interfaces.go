package crawler

import (
	"context"
	"errors"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/config"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/session"
)

var (
	// ErrAlreadyRunning is returned when a crawler already has an active run.
	ErrAlreadyRunning = errors.New("crawler already has an active run")
	// ErrRunNotFound is returned for runs this coordinator is not executing.
	ErrRunNotFound = errors.New("run not found")
)

// Store handles run persistence.
type Store interface {
	GetCrawler(ctx context.Context, id string) (*config.CrawlerConfig, error)
	CreateRun(ctx context.Context, run *CrawlRun) error
	UpdateRun(ctx context.Context, run *CrawlRun) error
	// SavePage upserts by (run, URL). created is false when an existing row
	// only had its timing fields refreshed.
	SavePage(ctx context.Context, page *DiscoveredPage) (created bool, err error)
}

// SessionStore persists browsing state between runs.
type SessionStore interface {
	Load(ctx context.Context, crawlerID string) (*session.StorageState, error)
	Save(ctx context.Context, crawlerID, name string, state *session.StorageState) error
}

// Resolver is the DNS lookup used for the pre-flight check.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}
