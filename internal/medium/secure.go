package medium

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const secureInfoPrefix = "sessionsync/secure-medium/v1:"

// Secure seals every value written to the wrapped medium with
// XChaCha20-Poly1305. The key name is bound as additional data so a sealed
// value cannot be replayed under another key.
type Secure struct {
	inner Medium
	key   []byte
}

// NewSecure derives a per-suite key from secret with HKDF-SHA256.
func NewSecure(inner Medium, secret []byte, suite string) (*Secure, error) {
	if len(secret) < 16 {
		return nil, errors.New("secure medium: secret must be at least 16 bytes")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(secureInfoPrefix+suite))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secure medium: deriving key: %w", err)
	}
	return &Secure{inner: inner, key: key}, nil
}

func (s *Secure) Read(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Read(ctx, key)
	if err != nil || sealed == nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: %s: ciphertext too short", ErrDecrypt, key)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecrypt, key)
	}
	return plain, nil
}

func (s *Secure) Write(ctx context.Context, key string, data []byte) error {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("secure medium: nonce: %w", err)
	}
	return s.inner.Write(ctx, key, aead.Seal(nonce, nonce, data, []byte(key)))
}

func (s *Secure) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// Keys delegates to the wrapped medium when it can list.
func (s *Secure) Keys(ctx context.Context) ([]string, error) {
	l, ok := s.inner.(Lister)
	if !ok {
		return nil, errors.New("secure medium: wrapped medium cannot list keys")
	}
	return l.Keys(ctx)
}
