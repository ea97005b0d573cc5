// Package browser abstracts the browser-controlled page the crawler drives.
// Two engines are provided: chromium (headless Chrome over the DevTools
// protocol via rod) and http (plain HTTP with a cookie jar and a form
// driver, no JavaScript).
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/session"
)

var (
	// ErrUnsupported is returned for operations an engine cannot perform.
	ErrUnsupported = errors.New("browser: operation not supported by engine")
	// ErrNotFound is returned when a selector matches nothing.
	ErrNotFound = errors.New("browser: element not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("browser: closed")
)

// Options configure a browser context.
type Options struct {
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	Headers        map[string]string
	Timeout        time.Duration // per request for the http engine
	BrowserPath    string        // chromium binary; empty lets the launcher download/find one
	RemoteURL      string        // DevTools websocket of an already running Chrome
	Logger         *slog.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.ViewportWidth <= 0 {
		o.ViewportWidth = 1280
	}
	if o.ViewportHeight <= 0 {
		o.ViewportHeight = 720
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Response describes the outcome of a navigation.
type Response struct {
	StatusCode int
	URL        string // final URL after redirects
	Elapsed    time.Duration
}

// Page is a single browser tab.
type Page interface {
	Navigate(ctx context.Context, url string) (*Response, error)
	URL() string
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)

	// WaitIdle waits until network activity settles.
	WaitIdle(ctx context.Context, timeout time.Duration) error
	WaitSelector(ctx context.Context, selector string, timeout time.Duration) error
	// WaitFunction waits until a JavaScript predicate returns truthy.
	WaitFunction(ctx context.Context, js string, timeout time.Duration) error

	Has(ctx context.Context, selector string) (bool, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	ScrollToFragment(ctx context.Context, fragment string) error

	StorageState(ctx context.Context) (*session.StorageState, error)
	RestoreStorageState(ctx context.Context, state *session.StorageState) error

	Close() error
}

// Browser is an isolated browsing context that hands out pages.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Engine launches browsers.
type Engine interface {
	Launch(ctx context.Context, opts Options) (Browser, error)
}

// NewEngine returns the engine registered under name.
func NewEngine(name string) (Engine, error) {
	switch name {
	case "chromium", "":
		return ChromiumEngine{}, nil
	case "http":
		return HTTPEngine{}, nil
	}
	return nil, fmt.Errorf("browser: unknown engine %q", name)
}
