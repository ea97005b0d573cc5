// Package auth establishes an authenticated browsing context before a crawl.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/browser"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/config"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/session"
)

// Result is recorded on the run. Authentication never fails a run.
type Result struct {
	Outcome  Outcome
	Strategy config.AuthType
	Restored bool // a persisted session produced the outcome
	Err      error
}

// Successful maps the outcome onto the run's auth_successful field.
// Unknown yields nil: proceed, but flagged.
func (r Result) Successful() *bool {
	var v bool
	switch r.Outcome {
	case Authenticated:
		v = true
	case NotAuthenticated:
		v = false
	default:
		return nil
	}
	return &v
}

// SessionLoader returns a crawler's persisted storage state, or nil.
type SessionLoader interface {
	Load(ctx context.Context, crawlerID string) (*session.StorageState, error)
}

// Handler runs the configured strategy against a page.
type Handler struct {
	sessions SessionLoader
	logger   *slog.Logger
}

// NewHandler creates a Handler. sessions may be nil. logger is expected to
// carry the crawler attributes already.
func NewHandler(sessions SessionLoader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sessions: sessions, logger: logger}
}

// Authenticate runs the strategy for cfg.Auth.Type. restored tells the
// handler the browser context already carries a persisted session, in which
// case form-driven strategies first check whether it is still valid.
func (h *Handler) Authenticate(ctx context.Context, page browser.Page, cfg *config.CrawlerConfig, restored bool) Result {
	strategy := cfg.Auth.Type
	if strategy == "" {
		strategy = config.AuthNone
	}
	log := h.logger.With("strategy", string(strategy))

	var res Result
	switch strategy {
	case config.AuthNone:
		res = h.none(ctx, page, cfg, restored)
	case config.AuthBasic:
		res = h.withRestored(ctx, page, cfg, restored, h.basic)
	case config.AuthFederated:
		res = h.federated(ctx, page, cfg, restored)
	case config.AuthCustom:
		res = h.withRestored(ctx, page, cfg, restored, h.custom)
	default:
		res = Result{Outcome: Unknown, Err: fmt.Errorf("unknown auth type %q", strategy)}
	}
	res.Strategy = strategy

	if res.Err != nil {
		log.Warn("Authentication did not succeed", "outcome", string(res.Outcome), "error", res.Err)
	} else {
		log.Info("Authentication finished", "outcome", string(res.Outcome), "restored", res.Restored)
	}
	return res
}

func (h *Handler) none(ctx context.Context, page browser.Page, cfg *config.CrawlerConfig, restored bool) Result {
	if !restored {
		return Result{Outcome: Unknown}
	}
	if err := h.navigate(ctx, page, cfg, cfg.BaseURL); err != nil {
		return Result{Outcome: Unknown, Err: err}
	}
	return Result{Outcome: h.detector(cfg).Detect(ctx, page), Restored: true}
}

type strategyFunc func(ctx context.Context, page browser.Page, cfg *config.CrawlerConfig) Result

// withRestored skips the login flow when a restored session already lands
// on an authenticated page.
func (h *Handler) withRestored(ctx context.Context, page browser.Page, cfg *config.CrawlerConfig, restored bool, login strategyFunc) Result {
	if restored {
		if err := h.navigate(ctx, page, cfg, cfg.BaseURL); err == nil {
			if h.detector(cfg).Detect(ctx, page) == Authenticated {
				return Result{Outcome: Authenticated, Restored: true}
			}
		}
		h.logger.Debug("Restored session not accepted, logging in")
	}
	return login(ctx, page, cfg)
}

func (h *Handler) basic(ctx context.Context, page browser.Page, cfg *config.CrawlerConfig) Result {
	a := cfg.Auth
	loginURL := a.LoginURL
	if loginURL == "" {
		loginURL = cfg.BaseURL
	}
	if err := h.navigate(ctx, page, cfg, loginURL); err != nil {
		return Result{Outcome: NotAuthenticated, Err: err}
	}
	h.settle(ctx, page, cfg)

	username, password := a.Credentials.Resolve()
	for _, f := range []struct{ name, selector, value string }{
		{"username", a.UsernameSelector, username},
		{"password", a.PasswordSelector, password},
	} {
		if f.selector == "" {
			continue
		}
		if err := h.step(ctx, cfg, 0, func(ctx context.Context) error { return page.Fill(ctx, f.selector, f.value) }); err != nil {
			h.logger.Warn("Skipping login field", "field", f.name, "selector", f.selector, "error", err)
		}
	}

	if err := h.step(ctx, cfg, 0, func(ctx context.Context) error { return page.Click(ctx, a.SubmitSelector) }); err != nil {
		return Result{Outcome: NotAuthenticated, Err: fmt.Errorf("submit %s: %w", a.SubmitSelector, err)}
	}
	h.settle(ctx, page, cfg)

	out := h.detector(cfg).Detect(ctx, page)
	res := Result{Outcome: out}
	if out == NotAuthenticated {
		res.Err = errors.New("login form submitted but page still looks unauthenticated")
	}
	return res
}

func (h *Handler) federated(ctx context.Context, page browser.Page, cfg *config.CrawlerConfig, restored bool) Result {
	det := h.detector(cfg)
	if err := h.navigate(ctx, page, cfg, cfg.BaseURL); err != nil {
		return Result{Outcome: NotAuthenticated, Err: err}
	}
	out := det.Detect(ctx, page)
	if out != NotAuthenticated {
		return Result{Outcome: out, Restored: restored}
	}

	if !restored && h.sessions != nil {
		state, err := h.sessions.Load(ctx, cfg.ID)
		if err != nil {
			h.logger.Warn("Failed to load session", "error", err)
		}
		if !state.Empty() {
			if err := page.RestoreStorageState(ctx, state); err != nil {
				return Result{Outcome: NotAuthenticated, Err: fmt.Errorf("restore session: %w", err)}
			}
			if err := h.navigate(ctx, page, cfg, cfg.BaseURL); err != nil {
				return Result{Outcome: NotAuthenticated, Err: err}
			}
			// Off the login page after restoring counts as success.
			if det.Detect(ctx, page) != NotAuthenticated {
				return Result{Outcome: Authenticated, Restored: true}
			}
		}
	}
	return Result{Outcome: NotAuthenticated, Err: errors.New("federated identity not established; crawling public content")}
}

func (h *Handler) custom(ctx context.Context, page browser.Page, cfg *config.CrawlerConfig) Result {
	creds := cfg.Auth.Credentials
	for i, s := range cfg.Auth.Steps {
		value := s.Value
		if s.Credential != "" {
			value = creds.Lookup(s.Credential)
		} else {
			value = Substitute(value, creds)
		}

		var run func(ctx context.Context) error
		switch s.Action {
		case config.StepGoto:
			run = func(ctx context.Context) error {
				_, err := page.Navigate(ctx, value)
				return err
			}
		case config.StepFill:
			run = func(ctx context.Context) error { return page.Fill(ctx, s.Selector, value) }
		case config.StepClick:
			run = func(ctx context.Context) error { return page.Click(ctx, s.Selector) }
		case config.StepWait:
			run = func(ctx context.Context) error { return page.WaitSelector(ctx, s.Selector, h.timeout(cfg, s.Timeout)) }
		default:
			return Result{Outcome: NotAuthenticated, Err: fmt.Errorf("step %d: unknown action %q", i+1, s.Action)}
		}

		h.logger.Debug("Running auth step", "step", i+1, "action", s.Action, "selector", s.Selector)
		timeout := s.Timeout
		if s.Action == config.StepGoto && timeout == 0 {
			timeout = cfg.NavigationTimeout
		}
		if err := h.step(ctx, cfg, timeout, run); err != nil {
			return Result{Outcome: NotAuthenticated, Err: fmt.Errorf("step %d (%s): %w", i+1, s.Action, err)}
		}
	}
	h.settle(ctx, page, cfg)
	return Result{Outcome: h.detector(cfg).Detect(ctx, page)}
}

func (h *Handler) detector(cfg *config.CrawlerConfig) Detector {
	if cfg.Auth.SuccessSelector != "" {
		return SelectorDetector{Selector: cfg.Auth.SuccessSelector}
	}
	return HeuristicDetector{Indicators: cfg.Auth.LoginIndicators}
}

func (h *Handler) navigate(ctx context.Context, page browser.Page, cfg *config.CrawlerConfig, target string) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout(cfg, cfg.NavigationTimeout))
	defer cancel()
	if _, err := page.Navigate(ctx, target); err != nil {
		return fmt.Errorf("navigate %s: %w", target, err)
	}
	return nil
}

// settle waits for network idle; a timeout means proceed anyway.
func (h *Handler) settle(ctx context.Context, page browser.Page, cfg *config.CrawlerConfig) {
	timeout := h.timeout(cfg, 0)
	if err := page.WaitIdle(ctx, timeout); err != nil {
		h.logger.Debug("Network idle wait ended", "error", err)
	}
}

func (h *Handler) step(ctx context.Context, cfg *config.CrawlerConfig, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout(cfg, timeout))
	defer cancel()
	return fn(ctx)
}

func (h *Handler) timeout(cfg *config.CrawlerConfig, d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if cfg.WaitTimeout > 0 {
		return cfg.WaitTimeout
	}
	return 10 * time.Second
}

var placeholder = regexp.MustCompile(`\{\{\s*(username|password|credential:([\w.-]+))\s*\}\}`)

// Substitute replaces {{username}}, {{password}} and {{credential:name}}.
func Substitute(s string, creds config.Credentials) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholder.FindStringSubmatch(m)
		if sub[2] != "" {
			return creds.Lookup(sub[2])
		}
		return creds.Lookup(sub[1])
	})
}
