package parser

import (
	"fmt"
	"net/url"

	whatwgUrl "github.com/nlnwa/whatwg-url/url"
)

var urlParser = whatwgUrl.NewParser(whatwgUrl.WithPercentEncodeSinglePercentSign())

// Canonicalize returns the identity form of an http(s) URL: WHATWG
// serialization (lowercase scheme and host, default port dropped, dot
// segments resolved, empty path as "/") without the fragment.
func Canonicalize(raw string) (string, error) {
	u, err := urlParser.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	out := u.Href(true)
	if !IsHTTP(out) {
		return "", fmt.Errorf("unsupported scheme in %q", raw)
	}
	return out, nil
}

// Resolve resolves href against base and returns the absolute URL with its
// fragment preserved.
func Resolve(base, href string) (string, error) {
	u, err := urlParser.ParseRef(base, href)
	if err != nil {
		return "", err
	}
	return u.Href(false), nil
}

// IsHTTP reports whether raw is a well-formed absolute http or https URL.
func IsHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// SameDocument reports whether a and b differ at most by fragment.
func SameDocument(a, b string) bool {
	ca, err := Canonicalize(a)
	if err != nil {
		return false
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false
	}
	return ca == cb
}

// Fragment returns the fragment of raw without the leading '#'.
func Fragment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Fragment
}

// Origin returns scheme://host[:port] of raw.
func Origin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL %q has no origin", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
