package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/session"
)

// ChromiumEngine drives headless Chrome through the DevTools protocol.
type ChromiumEngine struct{}

// Launch starts a local Chrome, or connects to opts.RemoteURL when set.
func (ChromiumEngine) Launch(ctx context.Context, opts Options) (Browser, error) {
	opts.defaults()
	log := opts.Logger

	var (
		wsURL string
		lnch  *launcher.Launcher
	)
	if opts.RemoteURL != "" {
		wsURL = opts.RemoteURL
		log.Info("Connecting to remote browser", "url", wsURL)
	} else {
		lnch = launcher.New().Context(ctx).Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		if opts.BrowserPath != "" {
			lnch = lnch.Bin(opts.BrowserPath)
		}
		u, err := lnch.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		log.Debug("Launched local browser", "url", wsURL)
	}

	b := rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	// A fresh incognito context keeps runs from sharing cookies with a
	// remote browser's default profile.
	inc, err := b.Incognito()
	if err != nil {
		_ = b.Close()
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, fmt.Errorf("browser: incognito: %w", err)
	}

	return &chromiumBrowser{opts: opts, root: b, browser: inc, lnch: lnch}, nil
}

type chromiumBrowser struct {
	opts    Options
	root    *rod.Browser
	browser *rod.Browser
	lnch    *launcher.Launcher

	mu     sync.Mutex
	closed bool
}

func (b *chromiumBrowser) NewPage(ctx context.Context) (Page, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	page, err := stealth.Page(b.browser)
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}
	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  b.opts.ViewportWidth,
		Height: b.opts.ViewportHeight,
	})
	if err == nil && b.opts.UserAgent != "" {
		err = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: b.opts.UserAgent})
	}
	if err == nil && len(b.opts.Headers) > 0 {
		dict := make([]string, 0, len(b.opts.Headers)*2)
		for k, v := range b.opts.Headers {
			dict = append(dict, k, v)
		}
		_, err = page.SetExtraHeaders(dict)
	}
	if err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("browser: configure page: %w", err)
	}
	return &chromiumPage{browser: b, page: page}, nil
}

func (b *chromiumBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.root.Close()
	if b.lnch != nil {
		b.lnch.Cleanup()
	}
	return err
}

type chromiumPage struct {
	browser *chromiumBrowser
	page    *rod.Page

	mu          sync.Mutex
	removeStore func() error
}

func (p *chromiumPage) Navigate(ctx context.Context, rawURL string) (*Response, error) {
	var (
		mu     sync.Mutex
		status int
	)
	watchCtx, stop := context.WithCancel(ctx)
	defer stop()
	wait := p.page.Context(watchCtx).EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
			return false
		}
		mu.Lock()
		status = e.Response.Status
		mu.Unlock()
		return true
	})
	go wait()

	start := time.Now()
	page := p.page.Context(ctx)
	if err := page.Navigate(rawURL); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load %s: %w", rawURL, err)
	}

	info, err := page.Info()
	if err != nil {
		return nil, fmt.Errorf("page info: %w", err)
	}
	mu.Lock()
	code := status
	mu.Unlock()
	if code == 0 {
		// Served from cache or a data URL; the document did load.
		code = 200
	}
	return &Response{StatusCode: code, URL: info.URL, Elapsed: time.Since(start)}, nil
}

func (p *chromiumPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *chromiumPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *chromiumPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *chromiumPage) WaitIdle(ctx context.Context, timeout time.Duration) error {
	return p.page.Context(ctx).WaitIdle(timeout)
}

func (p *chromiumPage) WaitSelector(ctx context.Context, selector string, timeout time.Duration) error {
	el, err := p.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	return el.WaitVisible()
}

func (p *chromiumPage) WaitFunction(ctx context.Context, js string, timeout time.Duration) error {
	if err := p.page.Context(ctx).Timeout(timeout).Wait(rod.Eval(asFunction(js))); err != nil {
		return fmt.Errorf("wait for function: %w", err)
	}
	return nil
}

// asFunction wraps a bare expression so it can be evaluated as a predicate.
func asFunction(js string) string {
	t := strings.TrimSpace(js)
	if strings.HasPrefix(t, "function") || strings.Contains(strings.SplitN(t, "{", 2)[0], "=>") {
		return t
	}
	return "() => (" + t + ")"
}

func (p *chromiumPage) Has(ctx context.Context, selector string) (bool, error) {
	ok, _, err := p.page.Context(ctx).Has(selector)
	return ok, err
}

func (p *chromiumPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	ok, el, err := p.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return el, nil
}

func (p *chromiumPage) Fill(ctx context.Context, selector, value string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return el.Input(value)
}

func (p *chromiumPage) Click(ctx context.Context, selector string) error {
	el, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *chromiumPage) ScrollToFragment(ctx context.Context, fragment string) error {
	_, err := p.page.Context(ctx).Eval(`(id) => {
		const el = document.getElementById(id) || document.getElementsByName(id)[0];
		if (el) el.scrollIntoView();
		location.hash = id;
	}`, fragment)
	return err
}

type webStorage struct {
	Origin  string      `json:"origin"`
	Local   [][2]string `json:"local"`
	Session [][2]string `json:"session"`
}

func (p *chromiumPage) StorageState(ctx context.Context) (*session.StorageState, error) {
	cookies, err := p.browser.browser.GetCookies()
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	state := &session.StorageState{}
	for _, c := range cookies {
		rec := session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if !c.Session {
			rec.Expires = float64(c.Expires)
		}
		state.Cookies = append(state.Cookies, rec)
	}

	res, err := p.page.Context(ctx).Eval(`() => {
		const dump = (s) => { try { return Object.entries(s) } catch (e) { return [] } };
		return JSON.stringify({origin: location.origin, local: dump(localStorage), session: dump(sessionStorage)});
	}`)
	if err != nil {
		return nil, fmt.Errorf("read web storage: %w", err)
	}
	var ws webStorage
	if err := json.Unmarshal([]byte(res.Value.Str()), &ws); err != nil {
		return nil, fmt.Errorf("decode web storage: %w", err)
	}
	for _, kv := range ws.Local {
		state.LocalStorage = append(state.LocalStorage, session.StorageItem{Origin: ws.Origin, Name: kv[0], Value: kv[1]})
	}
	for _, kv := range ws.Session {
		state.SessionStorage = append(state.SessionStorage, session.StorageItem{Origin: ws.Origin, Name: kv[0], Value: kv[1]})
	}
	return state, nil
}

// RestoreStorageState sets cookies immediately and seeds Web Storage on
// every new document of a matching origin, without overwriting keys the
// application already set.
func (p *chromiumPage) RestoreStorageState(ctx context.Context, state *session.StorageState) error {
	if state == nil {
		return nil
	}
	params := make([]*proto.NetworkCookieParam, 0, len(state.Cookies))
	for _, c := range state.Cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, param)
	}
	if len(params) > 0 {
		if err := p.browser.browser.SetCookies(params); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
	}

	type seed struct {
		Kind   string `json:"kind"`
		Origin string `json:"origin"`
		Name   string `json:"name"`
		Value  string `json:"value"`
	}
	var seeds []seed
	for _, it := range state.LocalStorage {
		seeds = append(seeds, seed{"local", it.Origin, it.Name, it.Value})
	}
	for _, it := range state.SessionStorage {
		seeds = append(seeds, seed{"session", it.Origin, it.Name, it.Value})
	}
	if len(seeds) == 0 {
		return nil
	}
	data, err := json.Marshal(seeds)
	if err != nil {
		return err
	}
	remove, err := p.page.Context(ctx).EvalOnNewDocument(fmt.Sprintf(`(() => {
		for (const it of %s) {
			if (it.origin !== location.origin) continue;
			try {
				const s = it.kind === "local" ? localStorage : sessionStorage;
				if (s.getItem(it.name) === null) s.setItem(it.name, it.value);
			} catch (e) {}
		}
	})()`, data))
	if err != nil {
		return fmt.Errorf("seed web storage: %w", err)
	}

	p.mu.Lock()
	if p.removeStore != nil {
		_ = p.removeStore()
	}
	p.removeStore = remove
	p.mu.Unlock()
	return nil
}

func (p *chromiumPage) Close() error {
	return p.page.Close()
}
