package memstore

import (
	"context"
	"sync"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// ConsentStore is an in-memory consent table. Records are copied on the
// way in and out so callers never share state.
type ConsentStore struct {
	mu       sync.RWMutex
	consents map[string]*domain.Consent
}

// NewConsentStore creates an empty store.
func NewConsentStore() *ConsentStore {
	return &ConsentStore{consents: make(map[string]*domain.Consent)}
}

func (s *ConsentStore) Create(_ context.Context, c *domain.Consent) error {
	if c == nil || c.ID == "" {
		return domain.Validation("consent_id", "consent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.consents[c.ID]; exists {
		return domain.Errorf(domain.KindInvalidState, "consent %s already stored", c.ID)
	}
	s.consents[c.ID] = c.Clone()
	return nil
}

func (s *ConsentStore) Get(_ context.Context, consentID string) (*domain.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consents[consentID]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "consent %s not found", consentID)
	}
	return c.Clone(), nil
}

func (s *ConsentStore) Update(_ context.Context, c *domain.Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consents[c.ID]; !ok {
		return domain.Errorf(domain.KindNotFound, "consent %s not found", c.ID)
	}
	s.consents[c.ID] = c.Clone()
	return nil
}
