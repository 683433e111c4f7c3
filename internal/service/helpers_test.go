package service_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/memstore"
	"github.com/boddenberg/ob-client-go/internal/port"
	"github.com/boddenberg/ob-client-go/internal/service"
)

// ============================================================
// Fake bank transport
// ============================================================

type route func(req *port.BankRequest) (*port.BankResponse, error)

type fakeBank struct {
	mu     sync.Mutex
	routes map[string]route
	calls  []port.BankRequest
}

func newFakeBank() *fakeBank {
	return &fakeBank{routes: make(map[string]route)}
}

func (f *fakeBank) on(method, path string, r route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = r
}

func (f *fakeBank) Do(_ context.Context, req *port.BankRequest) (*port.BankResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *req)
	r := f.routes[req.Method+" "+req.Path]
	f.mu.Unlock()
	if r == nil {
		return nil, &domain.BankingError{Kind: domain.KindNotFound, Status: http.StatusNotFound, Detail: req.Method + " " + req.Path}
	}
	return r(req)
}

func (f *fakeBank) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBank) lastCall() port.BankRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func reply(body string) route {
	return func(*port.BankRequest) (*port.BankResponse, error) {
		return &port.BankResponse{Status: http.StatusOK, Body: []byte(body)}, nil
	}
}

func fail(kind domain.ErrorKind) route {
	return func(*port.BankRequest) (*port.BankResponse, error) {
		return nil, domain.NewError(kind, "fake bank")
	}
}

// ============================================================
// Fake token source
// ============================================================

type fakeTokens struct {
	mu      sync.Mutex
	current string
	renewed int
	err     error
}

func newFakeTokens(token string) *fakeTokens {
	return &fakeTokens{current: token}
}

func (f *fakeTokens) Token(context.Context) (*domain.AuthenticationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &domain.AuthenticationToken{AccessToken: f.current, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) Renew(context.Context, *domain.AuthenticationToken) (*domain.AuthenticationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed++
	f.current = f.current + "-renewed"
	return &domain.AuthenticationToken{AccessToken: f.current, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// ============================================================
// Fixtures
// ============================================================

func testBank() *domain.BankConfig {
	b := &domain.BankConfig{
		ID:                    "test-bank",
		BaseURL:               "https://bank.example",
		AuthorizationEndpoint: "https://bank.example/authorize",
		ParEndpoint:           "/par",
		TokenEndpoint:         "/token",
		ClientID:              "client-1",
		ClientSecret:          "secret-1",
		RedirectURI:           "https://app.example/callback",
		Scopes:                []string{"openid", "accounts", "payments"},
		SupportedCurrencies:   []string{"SAR", "KWD"},
		MaxTransactionAmount:  "1000.00",
		StalenessWindow:       time.Hour,
	}
	b.ApplyDefaults()
	return b
}

type consentFixture struct {
	bank     *fakeBank
	store    *memstore.ConsentStore
	audit    *memstore.AuditLog
	manager  *service.ConsentManager
	settings *domain.BankConfig
}

func newConsentFixture(t *testing.T, cfg *domain.BankConfig) *consentFixture {
	t.Helper()
	if cfg == nil {
		cfg = testBank()
	}
	f := &consentFixture{
		bank:     newFakeBank(),
		store:    memstore.NewConsentStore(),
		audit:    memstore.NewAuditLog(),
		settings: cfg,
	}
	f.manager = service.NewConsentManager(cfg, f.bank, newFakeTokens("app-token"), f.store, f.audit, nil, nil, zap.NewNop())
	return f
}

// seed stores an authorized consent directly.
func (f *consentFixture) seed(t *testing.T, c *domain.Consent) *domain.Consent {
	t.Helper()
	if c.Status == "" {
		c.Status = domain.ConsentAuthorized
	}
	if c.Type == "" {
		c.Type = domain.ConsentAccountAccess
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = time.Now().Add(24 * time.Hour)
	}
	c.BankID = f.settings.ID
	c.LastSyncedAt = time.Now()
	if err := f.store.Create(context.Background(), c); err != nil {
		t.Fatalf("seed consent: %v", err)
	}
	return c
}

func (f *consentFixture) status(t *testing.T, id string) domain.ConsentStatus {
	t.Helper()
	c, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get consent: %v", err)
	}
	return c.Status
}

func (f *consentFixture) actions(t *testing.T, consentID string) []domain.AuditAction {
	t.Helper()
	entries, err := f.audit.List(context.Background(), consentID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	out := make([]domain.AuditAction, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func sar(value string) domain.Amount {
	return domain.MustParseAmount(value, "SAR")
}

var creditor = domain.Creditor{Scheme: "IBAN", Identification: "SA0380000000608010167519", Name: "Landlord"}
