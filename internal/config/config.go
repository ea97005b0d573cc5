// Package config provides configuration management for the discovery crawler.
// It defines crawler definitions, authentication settings, default values and
// the normalization applied at the configuration-loading boundary.
package config

import (
	"fmt"
	"maps"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
)

// Engine selects the browser implementation used to drive a crawl.
type Engine string

const (
	// EngineChromium drives a headless Chrome through the DevTools protocol.
	EngineChromium Engine = "chromium"
	// EngineHTTP fetches pages with a plain HTTP client and a cookie jar. No JavaScript.
	EngineHTTP Engine = "http"
)

// AuthType names an authentication strategy.
type AuthType string

const (
	AuthNone      AuthType = "none"
	AuthBasic     AuthType = "basic"
	AuthFederated AuthType = "federated"
	AuthCustom    AuthType = "custom"
)

// Wait condition kinds.
const (
	WaitSelector = "selector"
	WaitFunction = "function"
	WaitTimeout  = "timeout"
)

// Custom authentication step actions.
const (
	StepGoto  = "goto"
	StepFill  = "fill"
	StepClick = "click"
	StepWait  = "wait"
)

// Credentials holds login secrets. Values may be given inline or resolved
// from environment variables named by the *Env fields.
type Credentials struct {
	Username    string            `mapstructure:"username" yaml:"username" json:"username,omitempty"`
	Password    string            `mapstructure:"password" yaml:"password" json:"password,omitempty"`
	UsernameEnv string            `mapstructure:"username_env" yaml:"username_env" json:"username_env,omitempty"`
	PasswordEnv string            `mapstructure:"password_env" yaml:"password_env" json:"password_env,omitempty"`
	Extra       map[string]string `mapstructure:"extra" yaml:"extra" json:"extra,omitempty"`
}

// Resolve returns the username and password, reading environment variables
// when an indirection is configured.
func (c Credentials) Resolve() (username, password string) {
	username = c.Username
	if c.UsernameEnv != "" {
		username = os.Getenv(c.UsernameEnv)
	}
	password = c.Password
	if c.PasswordEnv != "" {
		password = os.Getenv(c.PasswordEnv)
	}
	return username, password
}

// Lookup returns a named credential: "username", "password" or a key of Extra.
func (c Credentials) Lookup(name string) string {
	username, password := c.Resolve()
	switch strings.ToLower(name) {
	case "username", "user":
		return username
	case "password", "pass":
		return password
	}
	return c.Extra[name]
}

// Empty reports whether no usable credential is configured.
func (c Credentials) Empty() bool {
	u, p := c.Resolve()
	return u == "" && p == "" && len(c.Extra) == 0
}

// AuthStep is one scripted action of the custom strategy.
type AuthStep struct {
	Action     string        `mapstructure:"action" yaml:"action" json:"action"`
	Selector   string        `mapstructure:"selector" yaml:"selector,omitempty" json:"selector,omitempty"`
	Value      string        `mapstructure:"value" yaml:"value,omitempty" json:"value,omitempty"`
	Credential string        `mapstructure:"credential" yaml:"credential,omitempty" json:"credential,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// AuthConfig configures the authentication handler.
type AuthConfig struct {
	Type             AuthType    `mapstructure:"type" yaml:"type" json:"type"`
	LoginURL         string      `mapstructure:"login_url" yaml:"login_url,omitempty" json:"login_url,omitempty"`
	UsernameSelector string      `mapstructure:"username_selector" yaml:"username_selector,omitempty" json:"username_selector,omitempty"`
	PasswordSelector string      `mapstructure:"password_selector" yaml:"password_selector,omitempty" json:"password_selector,omitempty"`
	SubmitSelector   string      `mapstructure:"submit_selector" yaml:"submit_selector,omitempty" json:"submit_selector,omitempty"`
	SuccessSelector  string      `mapstructure:"success_selector" yaml:"success_selector,omitempty" json:"success_selector,omitempty"`
	LoginIndicators  []string    `mapstructure:"login_indicators" yaml:"login_indicators,omitempty" json:"login_indicators,omitempty"`
	Credentials      Credentials `mapstructure:"credentials" yaml:"credentials,omitempty" json:"credentials"`
	Steps            []AuthStep  `mapstructure:"steps" yaml:"steps,omitempty" json:"steps,omitempty"`
}

// WaitCondition is a readiness condition applied after each navigation.
type WaitCondition struct {
	Type    string        `mapstructure:"type" yaml:"type" json:"type"`
	Value   string        `mapstructure:"value" yaml:"value,omitempty" json:"value,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ExtractionRule maps a CSS selector to a named value on each page.
type ExtractionRule struct {
	Name      string `mapstructure:"name" yaml:"name" json:"name"`
	Selector  string `mapstructure:"selector" yaml:"selector" json:"selector"`
	Attribute string `mapstructure:"attribute" yaml:"attribute,omitempty" json:"attribute,omitempty"`
	Multiple  bool   `mapstructure:"multiple" yaml:"multiple,omitempty" json:"multiple,omitempty"`
}

// Viewport is the browser window size.
type Viewport struct {
	Width  int `mapstructure:"width" yaml:"width" json:"width"`
	Height int `mapstructure:"height" yaml:"height" json:"height"`
}

// CrawlerConfig is the definition of one crawl target. It is immutable for
// the duration of a run; the coordinator works on a Clone.
type CrawlerConfig struct {
	ID      string `mapstructure:"id" yaml:"id,omitempty" json:"id"`
	Name    string `mapstructure:"name" yaml:"name" json:"name"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url" json:"base_url"`

	// Crawl bounds
	MaxPages           int           `mapstructure:"max_pages" yaml:"max_pages" json:"max_pages"`
	MaxDepth           int           `mapstructure:"max_depth" yaml:"max_depth" json:"max_depth"`
	ConcurrentRequests int           `mapstructure:"concurrent_requests" yaml:"concurrent_requests" json:"concurrent_requests"`
	RequestDelay       time.Duration `mapstructure:"request_delay" yaml:"request_delay" json:"request_delay"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout" json:"navigation_timeout"`
	WaitTimeout        time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout" json:"wait_timeout"`
	RobotsTimeout      time.Duration `mapstructure:"robots_timeout" yaml:"robots_timeout" json:"robots_timeout"`
	RobotsCacheTTL     time.Duration `mapstructure:"robots_cache_ttl" yaml:"robots_cache_ttl" json:"robots_cache_ttl"`

	// Browser
	Engine      Engine            `mapstructure:"engine" yaml:"engine" json:"engine"`
	BrowserPath string            `mapstructure:"browser_path" yaml:"browser_path,omitempty" json:"browser_path,omitempty"`
	RemoteURL   string            `mapstructure:"remote_url" yaml:"remote_url,omitempty" json:"remote_url,omitempty"`
	Viewport    Viewport          `mapstructure:"viewport" yaml:"viewport" json:"viewport"`
	UserAgent   string            `mapstructure:"user_agent" yaml:"user_agent" json:"user_agent"`
	Headers     map[string]string `mapstructure:"headers" yaml:"headers,omitempty" json:"headers,omitempty"`

	Auth AuthConfig `mapstructure:"auth" yaml:"auth" json:"auth"`

	// URL filtering
	IncludePatterns []string `mapstructure:"include_patterns" yaml:"include_patterns,omitempty" json:"include_patterns,omitempty"`
	ExcludePatterns []string `mapstructure:"exclude_patterns" yaml:"exclude_patterns,omitempty" json:"exclude_patterns,omitempty"`
	FollowExternal  bool     `mapstructure:"follow_external" yaml:"follow_external" json:"follow_external"`

	WaitConditions  []WaitCondition  `mapstructure:"wait_conditions" yaml:"wait_conditions,omitempty" json:"wait_conditions,omitempty"`
	ExtractionRules []ExtractionRule `mapstructure:"extraction_rules" yaml:"extraction_rules,omitempty" json:"extraction_rules,omitempty"`

	RespectRobotsTxt   bool   `mapstructure:"respect_robots_txt" yaml:"respect_robots_txt" json:"respect_robots_txt"`
	SessionPersistence bool   `mapstructure:"session_persistence" yaml:"session_persistence" json:"session_persistence"`
	SessionName        string `mapstructure:"session_name" yaml:"session_name,omitempty" json:"session_name,omitempty"`
}

// DefaultUserAgent is the crawler's identifying user agent product token.
const DefaultUserAgent = "VPATDiscovery/1.0"

// DefaultConfig returns a crawler definition with default values
func DefaultConfig() *CrawlerConfig {
	return &CrawlerConfig{
		MaxPages:           100,
		MaxDepth:           3,
		ConcurrentRequests: 1,
		RequestDelay:       1 * time.Second,
		NavigationTimeout:  30 * time.Second,
		WaitTimeout:        10 * time.Second,
		RobotsTimeout:      5 * time.Second,
		Engine:             EngineChromium,
		Viewport:           Viewport{Width: 1280, Height: 720},
		UserAgent:          DefaultUserAgent,
		Auth:               AuthConfig{Type: AuthNone},
		RespectRobotsTxt:   true,
		SessionName:        "default",
	}
}

// Validate checks if the definition is usable for a run.
func (c *CrawlerConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrMissingBaseURL
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.BaseURL)
	}
	if c.MaxPages <= 0 {
		return ErrInvalidMaxPages
	}
	if c.MaxDepth < 0 {
		return ErrInvalidMaxDepth
	}
	if c.ConcurrentRequests <= 0 {
		return ErrInvalidConcurrency
	}
	if c.NavigationTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.RequestDelay < 0 {
		c.RequestDelay = 0
	}
	switch c.Engine {
	case EngineChromium, EngineHTTP:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEngine, c.Engine)
	}

	for _, p := range slices.Concat(c.IncludePatterns, c.ExcludePatterns) {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidPattern, p, err)
		}
	}
	for _, w := range c.WaitConditions {
		switch w.Type {
		case WaitSelector, WaitFunction, WaitTimeout:
		default:
			return fmt.Errorf("%w: %q", ErrInvalidWaitCondition, w.Type)
		}
	}
	for _, r := range c.ExtractionRules {
		if r.Name == "" || r.Selector == "" {
			return ErrInvalidExtractionRule
		}
	}
	return c.Auth.validate()
}

func (a *AuthConfig) validate() error {
	if a.Type == "" {
		a.Type = AuthNone
	}
	switch a.Type {
	case AuthNone, AuthFederated:
		return nil
	case AuthBasic:
		if a.SubmitSelector == "" {
			return fmt.Errorf("%w: basic auth needs submit_selector", ErrInvalidAuth)
		}
		return nil
	case AuthCustom:
		if len(a.Steps) == 0 {
			return fmt.Errorf("%w: custom auth needs at least one step", ErrInvalidAuth)
		}
		for i, s := range a.Steps {
			switch s.Action {
			case StepGoto:
				if s.Value == "" {
					return fmt.Errorf("%w: step %d: goto needs value", ErrInvalidAuth, i)
				}
			case StepFill, StepClick, StepWait:
				if s.Selector == "" {
					return fmt.Errorf("%w: step %d: %s needs selector", ErrInvalidAuth, i, s.Action)
				}
			default:
				return fmt.Errorf("%w: step %d: unknown action %q", ErrInvalidAuth, i, s.Action)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalidAuth, a.Type)
}

// Origin returns scheme://host of the base URL.
func (c *CrawlerConfig) Origin() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Clone returns a deep copy.
func (c *CrawlerConfig) Clone() *CrawlerConfig {
	out := *c
	out.Headers = maps.Clone(c.Headers)
	out.IncludePatterns = slices.Clone(c.IncludePatterns)
	out.ExcludePatterns = slices.Clone(c.ExcludePatterns)
	out.WaitConditions = slices.Clone(c.WaitConditions)
	out.ExtractionRules = slices.Clone(c.ExtractionRules)
	out.Auth.LoginIndicators = slices.Clone(c.Auth.LoginIndicators)
	out.Auth.Steps = slices.Clone(c.Auth.Steps)
	out.Auth.Credentials.Extra = maps.Clone(c.Auth.Credentials.Extra)
	return &out
}

// Redacted returns a copy safe to display: secrets are masked.
func (c *CrawlerConfig) Redacted() *CrawlerConfig {
	out := c.Clone()
	creds := &out.Auth.Credentials
	if creds.Password != "" {
		creds.Password = "********"
	}
	for k := range creds.Extra {
		creds.Extra[k] = "********"
	}
	return out
}

// ParseHeaders converts "Name: Value" strings into a header map.
// Malformed entries are returned in skipped.
func ParseHeaders(lines []string) (headers map[string]string, skipped []string) {
	headers = make(map[string]string)
	for _, line := range lines {
		colon := strings.Index(line, ":")
		if colon <= 0 {
			skipped = append(skipped, line)
			continue
		}
		key := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		if key == "" || value == "" {
			skipped = append(skipped, line)
			continue
		}
		headers[key] = value
	}
	return headers, skipped
}
