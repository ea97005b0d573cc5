package browser

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/session"
)

// trackingJar is a cookie jar that also remembers every cookie it accepted
// with its attributes, which net/http/cookiejar does not expose.
type trackingJar struct {
	jar *cookiejar.Jar

	mu      sync.Mutex
	cookies map[string]session.Cookie
}

func newTrackingJar() *trackingJar {
	jar, _ := cookiejar.New(nil)
	return &trackingJar{jar: jar, cookies: make(map[string]session.Cookie)}
}

func (j *trackingJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

func (j *trackingJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.jar.SetCookies(u, cookies)

	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		rec := session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   strings.TrimPrefix(strings.ToLower(c.Domain), "."),
			Path:     c.Path,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if rec.Domain == "" {
			rec.Domain = u.Hostname()
			rec.HostOnly = true
		}
		if rec.Path == "" || !strings.HasPrefix(rec.Path, "/") {
			rec.Path = defaultCookiePath(u.Path)
		}
		switch {
		case c.MaxAge < 0:
			rec.Expires = -1
		case c.MaxAge > 0:
			rec.Expires = float64(now.Add(time.Duration(c.MaxAge) * time.Second).Unix())
		case !c.Expires.IsZero():
			rec.Expires = float64(c.Expires.Unix())
		}

		key := rec.Domain + ";" + rec.Path + ";" + rec.Name
		if rec.Expires < 0 || rec.Expired(now) {
			delete(j.cookies, key)
			continue
		}
		j.cookies[key] = rec
	}
}

// snapshot returns the live cookies.
func (j *trackingJar) snapshot() []session.Cookie {
	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]session.Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		if !c.Expired(now) {
			out = append(out, c)
		}
	}
	return out
}

// restore loads previously captured cookies back into the jar.
func (j *trackingJar) restore(cookies []session.Cookie) {
	for _, c := range cookies {
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		u := &url.URL{Scheme: scheme, Host: c.Domain, Path: c.Path}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if !c.HostOnly {
			hc.Domain = c.Domain
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		j.SetCookies(u, []*http.Cookie{hc})
	}
}

// defaultCookiePath implements the RFC 6265 default-path algorithm.
func defaultCookiePath(p string) string {
	if p == "" || p[0] != '/' {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return "/"
	}
	return p[:i]
}
