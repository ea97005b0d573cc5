package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Signals are the structural hints used to guess whether a rendered page is
// a login screen or an authenticated area.
type Signals struct {
	Title          string
	PasswordInputs int
	BodyTextLength int
	HasNavigation  bool
	HasDashboard   bool
	HasLogout      bool
}

var logoutMarkers = []string{"logout", "log out", "log-out", "sign out", "signout", "sign-out"}

// ExtractSignals inspects rendered HTML.
func ExtractSignals(content string) (Signals, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return Signals{}, err
	}

	text := visibleText(doc.Find("body"))

	s := Signals{
		Title:          strings.TrimSpace(doc.Find("title").First().Text()),
		PasswordInputs: countPasswordInputs(doc),
		BodyTextLength: len(text),
		HasNavigation:  doc.Find(`nav, [role="navigation"]`).Length() > 0,
		HasDashboard: doc.Find(`[class*="dashboard"], [id*="dashboard"]`).Length() > 0 ||
			strings.Contains(strings.ToLower(text), "dashboard"),
	}

	doc.Find("a, button, [role=button]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		label := strings.ToLower(sel.Text())
		href, _ := sel.Attr("href")
		href = strings.ToLower(href)
		for _, m := range logoutMarkers {
			if strings.Contains(label, m) || strings.Contains(href, strings.ReplaceAll(m, " ", "")) {
				s.HasLogout = true
				return false
			}
		}
		return true
	})
	return s, nil
}

// visibleText joins the words of every text node under sel, skipping
// non-rendered elements. Adjacent blocks stay separated.
func visibleText(sel *goquery.Selection) string {
	var words []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			words = append(words, strings.Fields(n.Data)...)
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(words, " ")
}
