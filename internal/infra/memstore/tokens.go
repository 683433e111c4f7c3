// Package memstore holds tokens, consents and audit entries in process memory.
package memstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// TokenStore keeps tokens sealed with XChaCha20-Poly1305 so a heap dump
// does not expose bearer or refresh tokens in clear text.
type TokenStore struct {
	mu     sync.RWMutex
	sealed map[string][]byte
	key    []byte
}

// NewTokenStore creates a store sealing with key, which must be 32 bytes.
func NewTokenStore(key []byte) (*TokenStore, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("token seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &TokenStore{
		sealed: make(map[string][]byte),
		key:    append([]byte(nil), key...),
	}, nil
}

// SaveToken seals and stores token under key.
func (s *TokenStore) SaveToken(_ context.Context, key string, token *domain.AuthenticationToken) error {
	plain, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("token nonce: %w", err)
	}
	box := aead.Seal(nonce, nonce, plain, []byte(key))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed[key] = box
	return nil
}

// LoadToken returns (nil, nil) when nothing is stored under key.
func (s *TokenStore) LoadToken(_ context.Context, key string) (*domain.AuthenticationToken, error) {
	s.mu.RLock()
	box, ok := s.sealed[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(box) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed token %q truncated", key)
	}
	plain, err := aead.Open(nil, box[:aead.NonceSize()], box[aead.NonceSize():], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("open sealed token %q: %w", key, err)
	}

	var token domain.AuthenticationToken
	if err := json.Unmarshal(plain, &token); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &token, nil
}

// DeleteToken removes the token under key.
func (s *TokenStore) DeleteToken(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sealed, key)
	return nil
}
