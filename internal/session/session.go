// Package session persists authenticated browsing state between crawl runs
// so that later runs can skip re-authentication.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Cookie is a browser cookie as captured from a page context.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds, 0 for session cookies
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HostOnly bool    `json:"hostOnly,omitempty"`
}

// Expired reports whether the cookie has an expiry in the past.
func (c Cookie) Expired(now time.Time) bool {
	return c.Expires > 0 && float64(now.Unix()) > c.Expires
}

// StorageItem is one Web Storage entry for an origin.
type StorageItem struct {
	Origin string `json:"origin"`
	Name   string `json:"name"`
	Value  string `json:"value"`
}

// StorageState is the opaque triple persisted for a crawler.
type StorageState struct {
	Cookies        []Cookie      `json:"cookies"`
	LocalStorage   []StorageItem `json:"localStorage"`
	SessionStorage []StorageItem `json:"sessionStorage"`
}

// Empty reports whether the state carries nothing worth persisting.
func (s *StorageState) Empty() bool {
	return s == nil || (len(s.Cookies) == 0 && len(s.LocalStorage) == 0 && len(s.SessionStorage) == 0)
}

// Record is a persisted session row.
type Record struct {
	CrawlerID  string
	Name       string
	State      *StorageState
	Active     bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Backend is the persistence the Store relies on. The SQLite storage
// implements it; blobs are sealed before they reach the backend.
type Backend interface {
	UpsertSession(ctx context.Context, crawlerID, name string, blob []byte, at time.Time) error
	ActiveSession(ctx context.Context, crawlerID string) (name string, blob []byte, err error)
	TouchSession(ctx context.Context, crawlerID string, at time.Time) error
	DeleteSessions(ctx context.Context, crawlerID string) error
}

// Sealer protects session blobs at rest.
type Sealer interface {
	SealJSON(v any) ([]byte, error)
	OpenJSON(blob []byte, v any) error
}

// ErrNoSession is returned by the backend when no active session exists.
var ErrNoSession = errors.New("session: none")

// Store saves and restores StorageState per crawler. At most one session
// per crawler is active; saves upsert (last writer wins).
type Store struct {
	backend Backend
	sealer  Sealer
	now     func() time.Time
}

// NewStore creates a Store.
func NewStore(backend Backend, sealer Sealer) *Store {
	return &Store{backend: backend, sealer: sealer, now: time.Now}
}

// Save persists state for crawlerID under name. Expired cookies are dropped.
func (s *Store) Save(ctx context.Context, crawlerID, name string, state *StorageState) error {
	if state == nil {
		return nil
	}
	if name == "" {
		name = "default"
	}
	clean := *state
	clean.Cookies = make([]Cookie, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		if !c.Expired(s.now()) {
			clean.Cookies = append(clean.Cookies, c)
		}
	}

	blob, err := s.sealer.SealJSON(&clean)
	if err != nil {
		return fmt.Errorf("session: seal: %w", err)
	}
	if err := s.backend.UpsertSession(ctx, crawlerID, name, blob, s.now()); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	slog.Debug("Saved session", "crawler_id", crawlerID, "session_name", name, "cookie_count", len(clean.Cookies))
	return nil
}

// Load returns the most recently used active session for crawlerID, or
// nil when none exists. A session that can no longer be decrypted is
// treated as absent.
func (s *Store) Load(ctx context.Context, crawlerID string) (*StorageState, error) {
	name, blob, err := s.backend.ActiveSession(ctx, crawlerID)
	if errors.Is(err, ErrNoSession) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}

	var state StorageState
	if err := s.sealer.OpenJSON(blob, &state); err != nil {
		slog.Warn("Discarding unreadable session", "crawler_id", crawlerID, "session_name", name, "error", err)
		return nil, nil
	}
	if err := s.backend.TouchSession(ctx, crawlerID, s.now()); err != nil {
		slog.Warn("Failed to update session last-used time", "crawler_id", crawlerID, "error", err)
	}
	return &state, nil
}

// Clear removes all sessions for crawlerID.
func (s *Store) Clear(ctx context.Context, crawlerID string) error {
	return s.backend.DeleteSessions(ctx, crawlerID)
}
