package crawler

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/config"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/parser"
)

// LinkFilter decides which extracted links may enter the frontier, apart
// from robots.txt and depth which the coordinator applies.
type LinkFilter struct {
	origin         string
	followExternal bool
	// skipLogout drops logout links while the crawl holds a session.
	skipLogout     bool
	include        []*regexp.Regexp
	exclude        []*regexp.Regexp
}

// NewLinkFilter compiles the patterns of cfg once per run.
func NewLinkFilter(cfg *config.CrawlerConfig) (*LinkFilter, error) {
	origin, err := parser.Origin(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	f := &LinkFilter{
		origin:         origin,
		followExternal: cfg.FollowExternal,
		skipLogout:     cfg.Auth.Type != "" && cfg.Auth.Type != config.AuthNone,
	}
	for _, p := range cfg.IncludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("include pattern %q: %w", p, err)
		}
		f.include = append(f.include, re)
	}
	for _, p := range cfg.ExcludePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		f.exclude = append(f.exclude, re)
	}
	return f, nil
}

// Allow reports whether rawURL passes the host and pattern rules.
func (f *LinkFilter) Allow(rawURL string) bool {
	if !parser.IsHTTP(rawURL) {
		return false
	}
	if !f.followExternal && !f.sameOrigin(rawURL) {
		return false
	}
	if f.skipLogout && isLogout(rawURL) {
		return false
	}

	// If include patterns are specified, URL must match at least one
	if len(f.include) > 0 {
		matched := false
		for _, re := range f.include {
			if re.MatchString(rawURL) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, re := range f.exclude {
		if re.MatchString(rawURL) {
			return false
		}
	}
	return true
}

func (f *LinkFilter) sameOrigin(rawURL string) bool {
	origin, err := parser.Origin(rawURL)
	if err != nil {
		return false
	}
	if origin == f.origin {
		return true
	}
	// Default ports are equivalent to none.
	a, errA := parser.Canonicalize(origin)
	b, errB := parser.Canonicalize(f.origin)
	return errA == nil && errB == nil && a == b
}

var logoutNames = map[string]bool{
	"logout": true, "log-out": true, "log_out": true,
	"signout": true, "sign-out": true, "sign_out": true,
	"logoff": true, "log-off": true,
}

// isLogout reports whether a path segment or query value of rawURL names a
// logout action.
func isLogout(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	for _, seg := range strings.Split(strings.ToLower(u.Path), "/") {
		if logoutNames[strings.TrimSuffix(seg, path.Ext(seg))] {
			return true
		}
	}
	for _, values := range u.Query() {
		for _, v := range values {
			if logoutNames[strings.ToLower(v)] {
				return true
			}
		}
	}
	return false
}
