package parser

import "testing"

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"https://Example.TEST", "https://example.test/", false},
		{"https://example.test:443/a", "https://example.test/a", false},
		{"http://example.test:80/a/../b", "http://example.test/b", false},
		{"https://example.test/page#section", "https://example.test/page", false},
		{"https://example.test/search?q=1", "https://example.test/search?q=1", false},
		{"mailto:someone@example.test", "", true},
		{"not a url", "", true},
	}

	for _, tt := range tests {
		got, err := Canonicalize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Canonicalize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSameDocument(t *testing.T) {
	if !SameDocument("https://example.test/page", "https://example.test/page#a") {
		t.Error("Fragment-only variant should be the same document")
	}
	if SameDocument("https://example.test/page", "https://example.test/page?x=1") {
		t.Error("Query change is a different document")
	}
}

func TestResolveAndFragment(t *testing.T) {
	got, err := Resolve("https://example.test/dir/page", "../other#top")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != "https://example.test/other#top" {
		t.Errorf("Resolve = %q", got)
	}
	if Fragment(got) != "top" {
		t.Errorf("Fragment = %q", Fragment(got))
	}
}

func TestOrigin(t *testing.T) {
	o, err := Origin("https://example.test:8443/a?b")
	if err != nil || o != "https://example.test:8443" {
		t.Errorf("Origin = %q, %v", o, err)
	}
	if _, err := Origin("/relative"); err == nil {
		t.Error("Expected error for relative URL")
	}
}
