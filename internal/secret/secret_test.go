package secret

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	blob, err := s.Seal([]byte("cookie=abc"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(blob, []byte("cookie=abc")) {
		t.Fatalf("Sealed blob contains plaintext")
	}

	pt, err := s.Open(blob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(pt) != "cookie=abc" {
		t.Errorf("Open = %q", pt)
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	a, _ := NewSealer([]byte("aaaaaaaaaaaaaaaaaaaaaaaa"))
	b, _ := NewSealer([]byte("bbbbbbbbbbbbbbbbbbbbbbbb"))

	blob, err := a.Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := b.Open(blob); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Expected ErrDecrypt, got %v", err)
	}
	if _, err := a.Open([]byte("short")); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Expected ErrDecrypt for truncated blob, got %v", err)
	}
}

func TestShortKeyRejected(t *testing.T) {
	if _, err := NewSealer([]byte("short")); !errors.Is(err, ErrShortKey) {
		t.Errorf("Expected ErrShortKey, got %v", err)
	}
}

func TestSealJSON(t *testing.T) {
	s, _ := NewSealer([]byte("0123456789abcdef"))
	in := map[string]string{"username": "alice"}

	blob, err := s.SealJSON(in)
	if err != nil {
		t.Fatalf("SealJSON failed: %v", err)
	}
	var out map[string]string
	if err := s.OpenJSON(blob, &out); err != nil {
		t.Fatalf("OpenJSON failed: %v", err)
	}
	if out["username"] != "alice" {
		t.Errorf("OpenJSON = %v", out)
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "secret.key")

	first, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey failed: %v", err)
	}
	if len(first) != 32 {
		t.Errorf("Expected 32 byte key, got %d", len(first))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Key file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Key file mode = %v, want 0600", info.Mode().Perm())
	}

	second, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("Second LoadOrCreateKey failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("Key changed between loads")
	}
}
