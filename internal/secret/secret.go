// Package secret seals credentials and captured browser sessions before they
// are written to disk. Sealed blobs are nonce||ciphertext produced by
// XChaCha20-Poly1305 with a key derived from a local key file.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrDecrypt is returned when a blob cannot be opened with the current key.
	ErrDecrypt = errors.New("secret: decryption failed")
	// ErrShortKey is returned for master keys under 16 bytes.
	ErrShortKey = errors.New("secret: key too short")
)

const keyInfo = "vpat-discovery at-rest v1"

// Sealer encrypts and decrypts small blobs.
type Sealer struct {
	key []byte
}

// NewSealer derives an AEAD key from master.
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) < 16 {
		return nil, ErrShortKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("secret: derive key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secret: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// SealJSON marshals v and seals the result.
func (s *Sealer) SealJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("secret: marshal: %w", err)
	}
	return s.Seal(data)
}

// OpenJSON opens blob and unmarshals it into v.
func (s *Sealer) OpenJSON(blob []byte, v any) error {
	data, err := s.Open(blob)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// LoadOrCreateKey reads a hex encoded key from path, creating a random one
// (mode 0600) when the file does not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("secret: key file %s: %w", path, err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("secret: read key: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secret: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("secret: key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("secret: write key: %w", err)
	}
	return key, nil
}
