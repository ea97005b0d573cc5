package auth

import (
	"context"
	"net/url"
	"strings"
	"unicode"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/browser"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/parser"
)

// Outcome is the three-valued result of an authentication check.
type Outcome string

const (
	Authenticated    Outcome = "authenticated"
	NotAuthenticated Outcome = "not_authenticated"
	Unknown          Outcome = "unknown"
)

// Detector decides whether the page currently shows an authenticated area.
type Detector interface {
	Detect(ctx context.Context, page browser.Page) Outcome
}

// substantialBody is the visible text length treated as a content area.
const substantialBody = 500

// loginMarkers are matched as whole words of the path, query and title.
var loginMarkers = []string{
	"login", "log in", "signin", "sign in", "sso", "oauth", "oauth2",
	"saml", "saml2", "auth", "authenticate", "single sign on",
}

// HeuristicDetector sniffs the landing state: login-looking URLs and titles
// or password inputs mean not authenticated; navigation, dashboard or
// logout markers or a substantial body mean authenticated.
type HeuristicDetector struct {
	// Indicators are extra words or phrases of a login page URL or title.
	Indicators []string
}

func (d HeuristicDetector) Detect(ctx context.Context, page browser.Page) Outcome {
	location := words(pathAndQuery(page.URL()))
	title, _ := page.Title(ctx)
	titleWords := words(title)

	for _, m := range append(loginMarkers, d.Indicators...) {
		phrase := words(m)
		if len(phrase) == 0 {
			continue
		}
		if containsPhrase(location, phrase) || containsPhrase(titleWords, phrase) {
			return NotAuthenticated
		}
	}

	content, err := page.HTML(ctx)
	if err != nil {
		return Unknown
	}
	sig, err := parser.ExtractSignals(content)
	if err != nil {
		return Unknown
	}
	switch {
	case sig.PasswordInputs > 0:
		return NotAuthenticated
	case sig.HasLogout, sig.HasDashboard, sig.HasNavigation, sig.BodyTextLength >= substantialBody:
		return Authenticated
	}
	return Unknown
}

// SelectorDetector reports authenticated when Selector is present.
type SelectorDetector struct {
	Selector string
}

func (d SelectorDetector) Detect(ctx context.Context, page browser.Page) Outcome {
	ok, err := page.Has(ctx, d.Selector)
	switch {
	case err != nil:
		return Unknown
	case ok:
		return Authenticated
	}
	return NotAuthenticated
}

func pathAndQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

// words splits s into lower-cased runs of letters and digits.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsPhrase(haystack, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(haystack); i++ {
		match := true
		for j, w := range phrase {
			if haystack[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
