package memstore

import (
	"context"
	"sync"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// AuditLog is an append-only in-memory audit log, one sequence per consent.
type AuditLog struct {
	mu      sync.RWMutex
	entries map[string][]domain.ConsentAuditEntry
}

// NewAuditLog creates an empty log.
func NewAuditLog() *AuditLog {
	return &AuditLog{entries: make(map[string][]domain.ConsentAuditEntry)}
}

// Append stores entry and sets its Sequence.
func (l *AuditLog) Append(_ context.Context, entry *domain.ConsentAuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.Sequence = int64(len(l.entries[entry.ConsentID]) + 1)
	l.entries[entry.ConsentID] = append(l.entries[entry.ConsentID], *entry)
	return nil
}

// List returns the consent's entries in append order.
func (l *AuditLog) List(_ context.Context, consentID string) ([]domain.ConsentAuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.ConsentAuditEntry(nil), l.entries[consentID]...), nil
}
