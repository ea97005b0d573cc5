package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestHTTPClientGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "Test-Discovery/1.0" {
			t.Errorf("Expected User-Agent 'Test-Discovery/1.0', got '%s'", ua)
		}
		if got := r.Header.Get("X-Tenant"); got != "acme" {
			t.Errorf("Expected custom header, got '%s'", got)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte("<html><body>Test Page</body></html>"))
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Discovery/1.0", 30*time.Second, nil)
	client.SetCustomHeaders(map[string]string{"X-Tenant": "acme"})
	defer client.Close()

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Failed to get URL: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status code 200, got %d", resp.StatusCode)
	}
	if !resp.IsHTML() {
		t.Errorf("Expected HTML content type, got '%s'", resp.ContentType)
	}
	if resp.Metrics.TTFB < 50*time.Millisecond {
		t.Errorf("TTFB should be at least 50ms, got %v", resp.Metrics.TTFB)
	}
	if resp.Metrics.DownloadTime < resp.Metrics.TTFB {
		t.Errorf("Download time should be greater than TTFB")
	}
	if string(resp.Body) != "<html><body>Test Page</body></html>" {
		t.Errorf("Unexpected body '%s'", string(resp.Body))
	}
}

func TestHTTPClientRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/final" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("Final page"))
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Discovery/1.0", 30*time.Second, nil)
	defer client.Close()

	resp, err := client.Get(context.Background(), server.URL+"/start")
	if err != nil {
		t.Fatalf("Failed to get URL: %v", err)
	}
	if !strings.HasSuffix(resp.FinalURL, "/final") {
		t.Errorf("Expected final URL to end with /final, got %s", resp.FinalURL)
	}
}

func TestHTTPClientPostForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		_, _ = w.Write([]byte(r.PostForm.Get("q")))
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Discovery/1.0", 30*time.Second, nil)
	defer client.Close()

	resp, err := client.PostForm(context.Background(), server.URL, url.Values{"q": {"hello world"}})
	if err != nil {
		t.Fatalf("PostForm failed: %v", err)
	}
	if string(resp.Body) != "hello world" {
		t.Errorf("Expected echoed form value, got %q", resp.Body)
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Discovery/1.0", 50*time.Millisecond, nil)
	defer client.Close()

	if _, err := client.Get(context.Background(), server.URL); err == nil {
		t.Error("Expected timeout error")
	}
}
