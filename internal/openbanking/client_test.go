package openbanking_test

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/client"
	"github.com/boddenberg/ob-client-go/internal/infra/memstore"
	"github.com/boddenberg/ob-client-go/internal/infra/observability"
	"github.com/boddenberg/ob-client-go/internal/openbanking"
)

// ============================================================
// Fake bank
// ============================================================

type fakeProvider struct {
	cfg domain.BankConfig
}

func (p *fakeProvider) BankConfig(_ context.Context, bankID string) (*domain.BankConfig, error) {
	if bankID != p.cfg.ID {
		return nil, domain.Errorf(domain.KindNotFound, "bank %q is not configured", bankID)
	}
	cfg := p.cfg
	return &cfg, nil
}

type fakeBank struct {
	srv        *httptest.Server
	pool       *x509.CertPool
	authorized atomic.Bool
	codes      atomic.Int32
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func consentBody(status string) string {
	return fmt.Sprintf(`{"Data":{"ConsentId":"c-1","Status":%q,"CreationDateTime":"2026-01-01T00:00:00Z","StatusUpdateDateTime":"2026-01-01T00:00:00Z","Permissions":["ReadAccountsDetail","ReadBalances","ReadTransactionsDetail"]},"Risk":{}}`, status)
}

func newFakeBank(t *testing.T) *fakeBank {
	t.Helper()
	b := &fakeBank{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /par", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse PAR form: %v", err)
		}
		if r.PostForm.Get("code_challenge_method") != "S256" || r.PostForm.Get("client_secret") != "secret" {
			t.Errorf("unexpected PAR form %v", r.PostForm)
		}
		if r.PostForm.Get("scope") != "openid accounts" {
			t.Errorf("unexpected PAR scope %q", r.PostForm.Get("scope"))
		}
		writeJSON(w, `{"request_uri":"urn:ietf:params:oauth:request_uri:abc","expires_in":90}`)
	})

	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
		}
		switch r.PostForm.Get("grant_type") {
		case "client_credentials":
			writeJSON(w, `{"access_token":"app-token","token_type":"Bearer","expires_in":3600}`)
		case "authorization_code":
			if r.PostForm.Get("code") != "code-1" || r.PostForm.Get("code_verifier") == "" {
				w.WriteHeader(http.StatusBadRequest)
				writeJSON(w, `{"error":"invalid_grant"}`)
				return
			}
			b.codes.Add(1)
			b.authorized.Store(true)
			writeJSON(w, `{"access_token":"user-token","token_type":"Bearer","expires_in":3600,"refresh_token":"refresh-1","scope":"openid accounts"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, `{"error":"unsupported_grant_type"}`)
		}
	})

	mux.HandleFunc("POST /account-access-consents", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer app-token" {
			t.Errorf("consent creation must use the app token, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, consentBody("AwaitingAuthorisation"))
	})

	mux.HandleFunc("GET /account-access-consents/c-1", func(w http.ResponseWriter, r *http.Request) {
		status := "AwaitingAuthorisation"
		if b.authorized.Load() {
			status = "Authorised"
		}
		writeJSON(w, consentBody(status))
	})

	requireUser := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer user-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}

	mux.HandleFunc("GET /accounts/a-1", func(w http.ResponseWriter, r *http.Request) {
		if requireUser(w, r) {
			writeJSON(w, `{"Data":{"Account":[{"AccountId":"a-1","Currency":"SAR","AccountType":"Personal","AccountSubType":"CurrentAccount","Account":[{"SchemeName":"IBAN","Identification":"SA03"}]}]}}`)
		}
	})
	mux.HandleFunc("GET /accounts/a-1/balances", func(w http.ResponseWriter, r *http.Request) {
		if requireUser(w, r) {
			writeJSON(w, `{"Data":{"Balance":[{"AccountId":"a-1","CreditDebitIndicator":"Credit","Type":"InterimAvailable","DateTime":"2026-02-01T10:00:00Z","Amount":{"Amount":"120.00","Currency":"SAR"}}]}}`)
		}
	})
	mux.HandleFunc("GET /accounts/a-1/transactions", func(w http.ResponseWriter, r *http.Request) {
		if requireUser(w, r) {
			writeJSON(w, `{"Data":{"Transaction":[{"TransactionId":"t-1","Amount":{"Amount":"10.00","Currency":"SAR"},"CreditDebitIndicator":"Debit","Status":"Booked","BookingDateTime":"2026-02-01T10:00:00Z"}]}}`)
		}
	})

	b.srv = httptest.NewTLSServer(mux)
	t.Cleanup(b.srv.Close)
	b.pool = x509.NewCertPool()
	b.pool.AddCert(b.srv.Certificate())
	return b
}

func (b *fakeBank) config() domain.BankConfig {
	return domain.BankConfig{
		ID:                      "test-bank",
		Name:                    "Test Bank",
		BaseURL:                 b.srv.URL,
		Issuer:                  b.srv.URL,
		AuthorizationEndpoint:   "https://auth.test-bank.example/authorize",
		ParEndpoint:             "/par",
		TokenEndpoint:           "/token",
		ClientID:                "client-1",
		ClientSecret:            "secret",
		RedirectURI:             "https://app.example/callback",
		Scopes:                  []string{"openid", "accounts", "payments"},
		CertificateFingerprints: []string{client.Fingerprint(b.srv.Certificate())},
		SupportedCurrencies:     []string{"SAR"},
		RateLimit: domain.RateLimitConfig{
			Timeout:        2 * time.Second,
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			MaxRetryAfter:  time.Second,
		},
	}
}

func newFacade(t *testing.T, b *fakeBank, cfg domain.BankConfig, opts openbanking.Options) *openbanking.Client {
	t.Helper()
	opts.Logger = zap.NewNop()
	opts.RootCAs = b.pool
	c := openbanking.New(&fakeProvider{cfg: cfg}, opts)
	t.Cleanup(c.Close)
	return c
}

// ============================================================
// Initialize
// ============================================================

func TestInitialize(t *testing.T) {
	b := newFakeBank(t)
	c := newFacade(t, b, b.config(), openbanking.Options{})

	if c.IsConfigured() || c.Accounts() != nil {
		t.Fatal("client must not be configured before Initialize")
	}
	if err := c.Initialize(context.Background(), "test-bank"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !c.IsConfigured() || !c.IsCertificatePinningEnabled() {
		t.Error("expected a configured, pinned client")
	}
	if c.Auth() == nil || c.Consents() == nil || c.Accounts() == nil || c.Payments() == nil {
		t.Error("expected every service after Initialize")
	}
	if c.BankID() != "test-bank" || c.AuthState() != domain.AuthNoToken {
		t.Errorf("unexpected bank %q or auth state %q", c.BankID(), c.AuthState())
	}
}

func TestInitialize_UnknownBank(t *testing.T) {
	b := newFakeBank(t)
	c := newFacade(t, b, b.config(), openbanking.Options{})

	err := c.Initialize(context.Background(), "other-bank")
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if c.IsConfigured() {
		t.Error("a failed Initialize must leave the client unconfigured")
	}
}

func TestInitialize_RequiresPinning(t *testing.T) {
	b := newFakeBank(t)
	cfg := b.config()
	cfg.CertificateFingerprints = nil

	c := newFacade(t, b, cfg, openbanking.Options{})
	if err := c.Initialize(context.Background(), "test-bank"); !domain.IsKind(err, domain.KindCertificateError) {
		t.Fatalf("expected certificate error, got %v", err)
	}

	c = newFacade(t, b, cfg, openbanking.Options{AllowUnpinned: true})
	if err := c.Initialize(context.Background(), "test-bank"); err != nil {
		t.Fatalf("Initialize with AllowUnpinned: %v", err)
	}
	if c.IsCertificatePinningEnabled() {
		t.Error("pinning must be reported disabled without fingerprints")
	}
}

func TestWrongPinFailsRequests(t *testing.T) {
	b := newFakeBank(t)
	cfg := b.config()
	cfg.CertificateFingerprints = []string{"sha256/AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}

	c := newFacade(t, b, cfg, openbanking.Options{})
	if err := c.Initialize(context.Background(), "test-bank"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, err := c.Consents().CreateAccountAccessConsent(context.Background(), domain.AccountAccessConsentRequest{
		Permissions: []domain.Permission{domain.PermReadBalances},
	})
	if !domain.IsKind(err, domain.KindCertificateError) {
		t.Fatalf("expected certificate error, got %v", err)
	}
}

func TestNotInitialized(t *testing.T) {
	b := newFakeBank(t)
	c := newFacade(t, b, b.config(), openbanking.Options{})

	if _, err := c.StartAuthorization(context.Background(), "c-1"); !domain.IsKind(err, domain.KindInvalidState) {
		t.Errorf("expected invalid state, got %v", err)
	}
	if err := c.Reconfigure(context.Background()); !domain.IsKind(err, domain.KindInvalidState) {
		t.Errorf("expected invalid state, got %v", err)
	}
}

func TestReconfigure_AppliesNewBankConfig(t *testing.T) {
	b := newFakeBank(t)
	cfg := b.config()
	cfg.MaxTransactionAmount = "1000.00"
	provider := &fakeProvider{cfg: cfg}
	c := openbanking.New(provider, openbanking.Options{Logger: zap.NewNop(), RootCAs: b.pool})
	t.Cleanup(c.Close)
	ctx := context.Background()

	if err := c.Initialize(ctx, "test-bank"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	amount := domain.MustParseAmount("500.00", "SAR")
	if v := c.Payments().ValidatePaymentLimits(amount); !v.Valid {
		t.Fatalf("expected 500.00 within the initial limit, got %+v", v)
	}

	consent, err := c.Consents().CreateAccountAccessConsent(ctx, domain.AccountAccessConsentRequest{
		Permissions: []domain.Permission{domain.PermReadAccountsDetail},
	})
	if err != nil {
		t.Fatalf("CreateAccountAccessConsent: %v", err)
	}
	authz, err := c.StartAuthorization(ctx, consent.ID)
	if err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}

	provider.cfg.MaxTransactionAmount = "100.00"
	if err := c.Reconfigure(ctx); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	if v := c.Payments().ValidatePaymentLimits(amount); v.Valid {
		t.Errorf("expected the reloaded limit to reject 500.00, got %+v", v)
	}
	if c.AuthState() != domain.AuthPending {
		t.Errorf("expected the pending authorization to survive, got %s", c.AuthState())
	}
	if _, err := c.CompleteAuthorization(ctx, authz.State, "code-1"); err != nil {
		t.Fatalf("CompleteAuthorization after Reconfigure: %v", err)
	}
}

// ============================================================
// Authorization flow
// ============================================================

func TestAuthorizationFlow(t *testing.T) {
	b := newFakeBank(t)
	audit := memstore.NewAuditLog()
	metrics := observability.NewMetrics()
	c := newFacade(t, b, b.config(), openbanking.Options{AuditLog: audit, Metrics: metrics})
	ctx := context.Background()

	if err := c.Initialize(ctx, "test-bank"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	consent, err := c.Consents().CreateAccountAccessConsent(ctx, domain.AccountAccessConsentRequest{
		Permissions: []domain.Permission{domain.PermReadAccountsDetail, domain.PermReadBalances, domain.PermReadTransactionsDetail},
	})
	if err != nil {
		t.Fatalf("CreateAccountAccessConsent: %v", err)
	}
	if consent.Status != domain.ConsentAwaitingAuthorization {
		t.Fatalf("unexpected status %s", consent.Status)
	}

	authz, err := c.StartAuthorization(ctx, consent.ID)
	if err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}
	u, err := url.Parse(authz.URL)
	if err != nil {
		t.Fatalf("parse authorization url: %v", err)
	}
	if u.Host != "auth.test-bank.example" || u.Query().Get("request_uri") != "urn:ietf:params:oauth:request_uri:abc" || u.Query().Get("client_id") != "client-1" {
		t.Errorf("unexpected authorization url %s", authz.URL)
	}
	if authz.State == "" || c.AuthState() != domain.AuthPending {
		t.Errorf("expected a state and a pending auth state, got %q / %s", authz.State, c.AuthState())
	}

	res, err := c.CompleteAuthorization(ctx, authz.State, "code-1")
	if err != nil {
		t.Fatalf("CompleteAuthorization: %v", err)
	}
	if res.Status != domain.ConsentAuthorized || res.AuthState != domain.AuthAuthorized {
		t.Errorf("unexpected result %+v", res)
	}

	if _, err := c.CompleteAuthorization(ctx, authz.State, "code-1"); !domain.IsKind(err, domain.KindInvalidRequest) {
		t.Errorf("a reused state must be rejected, got %v", err)
	}
	if b.codes.Load() != 1 {
		t.Errorf("expected a single code exchange, got %d", b.codes.Load())
	}

	trail, err := c.Consents().GetConsentAuditTrail(ctx, consent.ID)
	if err != nil {
		t.Fatalf("GetConsentAuditTrail: %v", err)
	}
	if last := trail[len(trail)-1]; last.Action != domain.AuditAuthorization {
		t.Errorf("expected the trail to end with the authorization, got %s", last.Action)
	}

	snap, err := c.AccountSnapshot(ctx, consent.ID, "a-1", domain.TransactionQuery{Limit: 10})
	if err != nil {
		t.Fatalf("AccountSnapshot: %v", err)
	}
	if snap.Details == nil || len(snap.Balances) != 1 || len(snap.Transactions.Transactions) != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.Transactions.Pagination.HasMore {
		t.Error("a short page must not report more")
	}
	if stats := c.Stats(); stats.ConsentTransitions["Authorized"] != 1 {
		t.Errorf("expected one authorized transition, got %v", stats.ConsentTransitions)
	}
}

func TestCompleteAuthorization_UnknownState(t *testing.T) {
	b := newFakeBank(t)
	c := newFacade(t, b, b.config(), openbanking.Options{})
	if err := c.Initialize(context.Background(), "test-bank"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := c.CompleteAuthorization(context.Background(), "forged", "code-1")
	if !domain.IsKind(err, domain.KindInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if b.codes.Load() != 0 {
		t.Error("an unknown state must not reach the token endpoint")
	}
}

func TestAccountSnapshot_DeniedWithoutPermission(t *testing.T) {
	b := newFakeBank(t)
	consents := memstore.NewConsentStore()
	c := newFacade(t, b, b.config(), openbanking.Options{ConsentStore: consents})
	ctx := context.Background()
	if err := c.Initialize(ctx, "test-bank"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	now := time.Now()
	err := consents.Create(ctx, &domain.Consent{
		ID:              "c-9",
		BankID:          "test-bank",
		Type:            domain.ConsentAccountAccess,
		Status:          domain.ConsentAuthorized,
		Permissions:     []domain.Permission{domain.PermReadStatementsBasic},
		CreatedAt:       now,
		StatusUpdatedAt: now,
		ExpiresAt:       now.Add(time.Hour),
		LastSyncedAt:    now,
	})
	if err != nil {
		t.Fatalf("seed consent: %v", err)
	}

	if _, err := c.AccountSnapshot(ctx, "c-9", "a-1", domain.TransactionQuery{}); !domain.IsKind(err, domain.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestFailAuthorization(t *testing.T) {
	b := newFakeBank(t)
	c := newFacade(t, b, b.config(), openbanking.Options{})
	ctx := context.Background()
	if err := c.Initialize(ctx, "test-bank"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	consent, err := c.Consents().CreateAccountAccessConsent(ctx, domain.AccountAccessConsentRequest{
		Permissions: []domain.Permission{domain.PermReadBalances},
	})
	if err != nil {
		t.Fatalf("CreateAccountAccessConsent: %v", err)
	}
	authz, err := c.StartAuthorization(ctx, consent.ID)
	if err != nil {
		t.Fatalf("StartAuthorization: %v", err)
	}

	res, err := c.FailAuthorization(ctx, authz.State, "access_denied", "user cancelled")
	if err != nil {
		t.Fatalf("FailAuthorization: %v", err)
	}
	if res.Status != domain.ConsentAwaitingAuthorization || res.AuthState != domain.AuthNoToken {
		t.Errorf("unexpected result %+v", res)
	}
	trail, err := c.Consents().GetConsentAuditTrail(ctx, consent.ID)
	if err != nil {
		t.Fatalf("GetConsentAuditTrail: %v", err)
	}
	last := trail[len(trail)-1]
	if last.Action != domain.AuditAuthorizationFail || last.Detail != "access_denied: user cancelled" {
		t.Errorf("unexpected last audit entry %+v", last)
	}
	if _, err := c.CompleteAuthorization(ctx, authz.State, "code-1"); !domain.IsKind(err, domain.KindInvalidRequest) {
		t.Errorf("a failed state must not be completed later, got %v", err)
	}
}
