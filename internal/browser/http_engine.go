package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/parser"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/session"
)

// HTTPEngine drives pages with a plain HTTP client. Scripts are not run;
// forms are submitted by reading their fields from the parsed document.
type HTTPEngine struct{}

// Launch creates a browsing context with its own cookie jar.
func (HTTPEngine) Launch(_ context.Context, opts Options) (Browser, error) {
	opts.defaults()
	jar := newTrackingJar()
	client := NewHTTPClient(opts.UserAgent, opts.Timeout, jar)
	client.SetCustomHeaders(opts.Headers)
	return &httpBrowser{
		opts:   opts,
		jar:    jar,
		client: client,
		local:  make(map[string]map[string]string),
	}, nil
}

type httpBrowser struct {
	opts   Options
	jar    *trackingJar
	client *HTTPClient

	mu     sync.Mutex
	local  map[string]map[string]string // origin -> key -> value
	closed bool
}

func (b *httpBrowser) NewPage(context.Context) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return &httpPage{
		browser: b,
		session: make(map[string]map[string]string),
		fills:   make(map[*html.Node]string),
	}, nil
}

func (b *httpBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.client.Close()
	}
	return nil
}

type httpPage struct {
	browser *httpBrowser

	mu      sync.Mutex
	url     string
	content string
	doc     *goquery.Document
	fills   map[*html.Node]string
	session map[string]map[string]string
}

func (p *httpPage) Navigate(ctx context.Context, rawURL string) (*Response, error) {
	resp, err := p.browser.client.Get(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return p.load(resp)
}

func (p *httpPage) load(resp *HTTPResponse) (*Response, error) {
	content := ""
	if resp.IsHTML() {
		content = string(resp.Body)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", resp.FinalURL, err)
	}

	p.mu.Lock()
	p.url = resp.FinalURL
	p.content = content
	p.doc = doc
	p.fills = make(map[*html.Node]string)
	p.mu.Unlock()

	return &Response{
		StatusCode: resp.StatusCode,
		URL:        resp.FinalURL,
		Elapsed:    resp.Metrics.DownloadTime,
	}, nil
}

func (p *httpPage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *httpPage) Title(context.Context) (string, error) {
	doc := p.document()
	if doc == nil {
		return "", nil
	}
	return strings.TrimSpace(doc.Find("title").First().Text()), nil
}

func (p *httpPage) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content, nil
}

func (p *httpPage) WaitIdle(context.Context, time.Duration) error { return nil }

// WaitSelector checks the loaded document once; a static page cannot change.
func (p *httpPage) WaitSelector(ctx context.Context, selector string, _ time.Duration) error {
	ok, err := p.Has(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return nil
}

func (p *httpPage) WaitFunction(context.Context, string, time.Duration) error {
	return fmt.Errorf("%w: wait function requires a script engine", ErrUnsupported)
}

func (p *httpPage) Has(_ context.Context, selector string) (bool, error) {
	doc := p.document()
	if doc == nil {
		return false, nil
	}
	return doc.Find(selector).Length() > 0, nil
}

func (p *httpPage) Fill(_ context.Context, selector, value string) error {
	sel, err := p.first(selector)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.fills[sel.Get(0)] = value
	p.mu.Unlock()
	return nil
}

// Click follows links and submits the enclosing form of any other element.
func (p *httpPage) Click(ctx context.Context, selector string) error {
	sel, err := p.first(selector)
	if err != nil {
		return err
	}

	if goquery.NodeName(sel) == "a" {
		href, ok := sel.Attr("href")
		if !ok {
			return nil
		}
		target, err := parser.Resolve(p.URL(), href)
		if err != nil {
			return fmt.Errorf("click %s: %w", selector, err)
		}
		if parser.SameDocument(p.URL(), target) {
			return nil
		}
		_, err = p.Navigate(ctx, target)
		return err
	}

	form := sel.Closest("form")
	if form.Length() == 0 {
		return fmt.Errorf("%w: click on %s outside a form", ErrUnsupported, selector)
	}
	return p.submit(ctx, form, sel)
}

func (p *httpPage) submit(ctx context.Context, form, submitter *goquery.Selection) error {
	values := p.formValues(form, submitter)

	action, _ := form.Attr("action")
	target, err := parser.Resolve(p.URL(), action)
	if err != nil {
		return fmt.Errorf("form action %q: %w", action, err)
	}
	method := strings.ToUpper(strings.TrimSpace(form.AttrOr("method", "GET")))

	var resp *HTTPResponse
	if method == "POST" {
		resp, err = p.browser.client.PostForm(ctx, target, values)
	} else {
		u, perr := url.Parse(target)
		if perr != nil {
			return perr
		}
		u.RawQuery = values.Encode()
		u.Fragment = ""
		resp, err = p.browser.client.Get(ctx, u.String())
	}
	if err != nil {
		return fmt.Errorf("submit form: %w", err)
	}
	_, err = p.load(resp)
	return err
}

// formValues builds the successful controls of form.
func (p *httpPage) formValues(form, submitter *goquery.Selection) url.Values {
	p.mu.Lock()
	fills := p.fills
	p.mu.Unlock()

	values := url.Values{}
	var submitNode *html.Node
	if submitter != nil && submitter.Length() > 0 {
		submitNode = submitter.Get(0)
	}

	form.Find("input, select, textarea, button").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		if _, disabled := s.Attr("disabled"); disabled {
			return
		}
		node := s.Get(0)
		if v, ok := fills[node]; ok {
			values.Add(name, v)
			return
		}

		switch goquery.NodeName(s) {
		case "select":
			opt := s.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = s.Find("option").First()
			}
			if opt.Length() > 0 {
				values.Add(name, opt.AttrOr("value", strings.TrimSpace(opt.Text())))
			}
		case "textarea":
			values.Add(name, s.Text())
		case "button":
			if node == submitNode {
				values.Add(name, s.AttrOr("value", ""))
			}
		default:
			switch strings.ToLower(s.AttrOr("type", "text")) {
			case "checkbox", "radio":
				if _, checked := s.Attr("checked"); checked {
					values.Add(name, s.AttrOr("value", "on"))
				}
			case "submit", "image":
				if node == submitNode {
					values.Add(name, s.AttrOr("value", ""))
				}
			case "button", "reset", "file":
			default:
				values.Add(name, s.AttrOr("value", ""))
			}
		}
	})
	return values
}

func (p *httpPage) ScrollToFragment(context.Context, string) error { return nil }

func (p *httpPage) StorageState(context.Context) (*session.StorageState, error) {
	state := &session.StorageState{Cookies: p.browser.jar.snapshot()}

	p.browser.mu.Lock()
	state.LocalStorage = flattenStorage(p.browser.local)
	p.browser.mu.Unlock()

	p.mu.Lock()
	state.SessionStorage = flattenStorage(p.session)
	p.mu.Unlock()
	return state, nil
}

func (p *httpPage) RestoreStorageState(_ context.Context, state *session.StorageState) error {
	if state == nil {
		return nil
	}
	p.browser.jar.restore(state.Cookies)

	p.browser.mu.Lock()
	mergeStorage(p.browser.local, state.LocalStorage)
	p.browser.mu.Unlock()

	p.mu.Lock()
	mergeStorage(p.session, state.SessionStorage)
	p.mu.Unlock()
	return nil
}

func (p *httpPage) Close() error { return nil }

func (p *httpPage) document() *goquery.Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc
}

func (p *httpPage) first(selector string) (*goquery.Selection, error) {
	doc := p.document()
	if doc == nil {
		return nil, errors.New("no document loaded")
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return sel, nil
}

func flattenStorage(m map[string]map[string]string) []session.StorageItem {
	var items []session.StorageItem
	for origin, kv := range m {
		for k, v := range kv {
			items = append(items, session.StorageItem{Origin: origin, Name: k, Value: v})
		}
	}
	return items
}

func mergeStorage(m map[string]map[string]string, items []session.StorageItem) {
	for _, it := range items {
		if m[it.Origin] == nil {
			m[it.Origin] = make(map[string]string)
		}
		m[it.Origin][it.Name] = it.Value
	}
}
