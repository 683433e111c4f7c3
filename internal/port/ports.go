// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"net/http"
	"net/url"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// BankConfigProvider supplies per-bank configuration at initialization.
type BankConfigProvider interface {
	BankConfig(ctx context.Context, bankID string) (*domain.BankConfig, error)
}

// TokenStore persists tokens across restarts. LoadToken returns (nil, nil) when nothing is stored.
type TokenStore interface {
	SaveToken(ctx context.Context, key string, token *domain.AuthenticationToken) error
	LoadToken(ctx context.Context, key string) (*domain.AuthenticationToken, error)
	DeleteToken(ctx context.Context, key string) error
}

// ConsentStore holds consent records. Get returns a NotFound BankingError for unknown ids.
type ConsentStore interface {
	Create(ctx context.Context, consent *domain.Consent) error
	Get(ctx context.Context, consentID string) (*domain.Consent, error)
	Update(ctx context.Context, consent *domain.Consent) error
}

// AuditLog is an append-only per-consent log. Append assigns Sequence.
type AuditLog interface {
	Append(ctx context.Context, entry *domain.ConsentAuditEntry) error
	List(ctx context.Context, consentID string) ([]domain.ConsentAuditEntry, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}

// Signer produces the JWTs FAPI requires on authorization and token calls.
type Signer interface {
	ClientAssertion(clientID, audience string) (string, error)
	RequestObject(claims map[string]any) (string, error)
}

// BankRequest is one outbound call to a bank API.
type BankRequest struct {
	Operation      string
	Method         string
	Path           string
	Query          url.Values
	Form           url.Values
	Body           any
	Token          string
	IdempotencyKey string
	NoRetry        bool
}

// BankResponse is a completed bank exchange with a 2xx status.
type BankResponse struct {
	Status        int
	Header        http.Header
	Body          []byte
	InteractionID string
}

// BankTransport sends requests to a bank. Failures are *domain.BankingError values.
type BankTransport interface {
	Do(ctx context.Context, req *BankRequest) (*BankResponse, error)
}

// PermissionChecker gates data and payment calls on consent permissions.
type PermissionChecker interface {
	RequirePermission(ctx context.Context, consentID string, perm domain.Permission) error
	RequireAnyPermission(ctx context.Context, consentID string, perms ...domain.Permission) error
}

// PaymentConsentChecker validates and settles payment consents.
type PaymentConsentChecker interface {
	RequirePaymentConsent(ctx context.Context, consentID string, terms domain.PaymentTerms) (*domain.Consent, error)
	MarkConsumed(ctx context.Context, consentID, detail string) error
}
