// Package parser provides HTML parsing and content extraction capabilities.
// It extracts metadata, links, structural signals and configured selector
// values from rendered page HTML, and canonicalizes URLs.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Rule maps a CSS selector to a named value.
type Rule struct {
	Name      string
	Selector  string
	Attribute string // empty means element text
	Multiple  bool
}

// HTMLParser extracts metadata and links from HTML rendered for pageURL.
type HTMLParser struct {
	pageURL string
	rules   []Rule
}

// ParseResult contains the parsed HTML data
type ParseResult struct {
	Title        string
	Description  string
	Links        []string // absolute http(s) URLs, document order, deduplicated
	LinkCount    int      // anchors with an href
	ImageCount   int
	FormCount    int
	HasLoginForm bool
	Extracted    map[string]any
	ContentHash  string
}

// NewHTMLParser creates a parser resolving links against pageURL.
func NewHTMLParser(pageURL string, rules []Rule) (*HTMLParser, error) {
	if !IsHTTP(pageURL) {
		return nil, fmt.Errorf("invalid page URL: %q", pageURL)
	}
	return &HTMLParser{pageURL: pageURL, rules: rules}, nil
}

// Parse parses HTML content and extracts title, description, outbound
// links, structural flags and the custom rule values. The content hash is
// computed over the salient text (title and description) only, so cosmetic
// markup changes do not alter it.
func (p *HTMLParser) Parse(content string) (*ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	result := &ParseResult{
		Links:     []string{},
		Extracted: map[string]any{},
	}

	result.Title = strings.TrimSpace(doc.Find("title").First().Text())
	result.Description = metaDescription(doc)

	base := p.pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := Resolve(p.pageURL, href); err == nil && IsHTTP(resolved) {
			base = resolved
		}
	}

	seen := make(map[string]bool)
	for _, n := range doc.Find("a[href], area[href]").Nodes {
		result.LinkCount++
		link, ok := resolveAnchor(base, n)
		if !ok || seen[link] {
			continue
		}
		seen[link] = true
		result.Links = append(result.Links, link)
	}

	result.ImageCount = doc.Find("img").Length()
	result.FormCount = doc.Find("form").Length()
	result.HasLoginForm = countPasswordInputs(doc) > 0

	for _, rule := range p.rules {
		result.Extracted[rule.Name] = applyRule(doc, rule)
	}

	result.ContentHash = Fingerprint(result.Title, result.Description)
	return result, nil
}

// HasForms reports whether any form was found.
func (r *ParseResult) HasForms() bool {
	return r.FormCount > 0
}

// Fingerprint is the deterministic content hash used for change detection.
func Fingerprint(title, description string) string {
	sum := sha256.Sum256([]byte(title + "\n" + description))
	return hex.EncodeToString(sum[:])
}

func metaDescription(doc *goquery.Document) string {
	var desc, og string
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, _ := s.Attr("content")
		name, _ := s.Attr("name")
		property, _ := s.Attr("property")
		switch {
		case strings.EqualFold(name, "description") && desc == "":
			desc = strings.TrimSpace(content)
		case strings.EqualFold(property, "og:description") && og == "":
			og = strings.TrimSpace(content)
		}
	})
	if desc == "" {
		return og
	}
	return desc
}

// resolveAnchor returns the absolute URL of an anchor node, or false for
// empty, scripted and non-http(s) targets.
func resolveAnchor(base string, n *html.Node) (string, bool) {
	href := strings.TrimSpace(attr(n, "href"))
	if href == "" {
		return "", false
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}
	abs, err := Resolve(base, href)
	if err != nil || !IsHTTP(abs) {
		return "", false
	}
	return abs, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func countPasswordInputs(doc *goquery.Document) int {
	count := 0
	doc.Find("input").Each(func(_ int, s *goquery.Selection) {
		if t, _ := s.Attr("type"); strings.EqualFold(strings.TrimSpace(t), "password") {
			count++
		}
	})
	return count
}

func applyRule(doc *goquery.Document, rule Rule) any {
	sel := doc.Find(rule.Selector)
	value := func(s *goquery.Selection) string {
		if rule.Attribute != "" {
			v, _ := s.Attr(rule.Attribute)
			return strings.TrimSpace(v)
		}
		return strings.Join(strings.Fields(s.Text()), " ")
	}

	if rule.Multiple {
		values := []string{}
		sel.Each(func(_ int, s *goquery.Selection) {
			values = append(values, value(s))
		})
		return values
	}
	if sel.Length() == 0 {
		return nil
	}
	return value(sel.First())
}
