package client_test

import (
	"context"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/client"
	"github.com/boddenberg/ob-client-go/internal/infra/observability"
	"github.com/boddenberg/ob-client-go/internal/port"
)

// ============================================================
// Helpers
// ============================================================

func newBank(t *testing.T, h http.HandlerFunc) (*httptest.Server, *x509.CertPool) {
	t.Helper()
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	return srv, pool
}

func bankConfig(srv *httptest.Server) *domain.BankConfig {
	return &domain.BankConfig{
		ID:      "test-bank",
		BaseURL: srv.URL,
		RateLimit: domain.RateLimitConfig{
			Timeout:        2 * time.Second,
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxRetryAfter:  time.Second,
		},
	}
}

func newClient(t *testing.T, cfg *domain.BankConfig, pool *x509.CertPool, opts ...client.Option) *client.BankClient {
	t.Helper()
	opts = append(opts, client.WithRootCAs(pool))
	c, err := client.NewBankClient(cfg, opts...)
	if err != nil {
		t.Fatalf("NewBankClient: %v", err)
	}
	return c
}

func get(path string) *port.BankRequest {
	return &port.BankRequest{Operation: "test", Method: http.MethodGet, Path: path, Token: "access-token"}
}

// ============================================================
// Request shape
// ============================================================

func TestDo_SendsFAPIHeaders(t *testing.T) {
	srv, pool := newBank(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-token" {
			t.Errorf("unexpected authorization %q", got)
		}
		if r.Header.Get("x-fapi-interaction-id") == "" {
			t.Error("missing interaction id")
		}
		if got := r.Header.Get("x-idempotency-key"); got != "idem-1" {
			t.Errorf("unexpected idempotency key %q", got)
		}
		if r.URL.Query().Get("page") != "2" {
			t.Errorf("expected query to be forwarded, got %s", r.URL.RawQuery)
		}
		w.Header().Set("x-fapi-interaction-id", "bank-echo")
		w.Write([]byte(`{"Data":{}}`))
	})
	c := newClient(t, bankConfig(srv), pool)

	req := get("/accounts")
	req.IdempotencyKey = "idem-1"
	req.Query = url.Values{"page": {"2"}}
	resp, err := c.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.InteractionID != "bank-echo" {
		t.Errorf("expected echoed interaction id, got %q", resp.InteractionID)
	}
	if string(resp.Body) != `{"Data":{}}` {
		t.Errorf("unexpected body %s", resp.Body)
	}
}

func TestDo_FormBody(t *testing.T) {
	srv, pool := newBank(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "client_credentials" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("token endpoint call must not carry a bearer token")
		}
		w.Write([]byte(`{}`))
	})
	c := newClient(t, bankConfig(srv), pool)

	_, err := c.Do(context.Background(), &port.BankRequest{
		Operation: "token",
		Method:    http.MethodPost,
		Path:      "/token",
		Form:      url.Values{"grant_type": {"client_credentials"}},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestNewBankClient_RejectsPlainHTTP(t *testing.T) {
	_, err := client.NewBankClient(&domain.BankConfig{ID: "x", BaseURL: "http://bank.example"})
	if !domain.IsKind(err, domain.KindCertificateError) {
		t.Fatalf("expected certificate error, got %v", err)
	}
}

// ============================================================
// Certificate pinning
// ============================================================

func TestDo_PinMatches(t *testing.T) {
	srv, pool := newBank(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	cfg := bankConfig(srv)
	cfg.CertificateFingerprints = []string{client.Fingerprint(srv.Certificate())}
	c := newClient(t, cfg, pool)

	if !c.PinningEnabled() {
		t.Fatal("expected pinning enabled")
	}
	if _, err := c.Do(context.Background(), get("/accounts")); err != nil {
		t.Fatalf("expected pinned call to succeed: %v", err)
	}
}

func TestDo_PinMismatchLatchesUntilReconfigure(t *testing.T) {
	var hits atomic.Int32
	srv, pool := newBank(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{}`))
	})
	cfg := bankConfig(srv)
	cfg.CertificateFingerprints = []string{"sha256/" + strings.Repeat("A", 43) + "="}
	c := newClient(t, cfg, pool)

	_, err := c.Do(context.Background(), get("/accounts"))
	if !domain.IsKind(err, domain.KindCertificateError) {
		t.Fatalf("expected certificate error, got %v", err)
	}
	_, err = c.Do(context.Background(), get("/accounts"))
	if !domain.IsKind(err, domain.KindCertificateError) {
		t.Fatalf("expected latched certificate error, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("no request should reach the handler, got %d", hits.Load())
	}

	cfg.CertificateFingerprints = []string{client.Fingerprint(srv.Certificate())}
	if err := c.Reconfigure(cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if _, err := c.Do(context.Background(), get("/accounts")); err != nil {
		t.Fatalf("expected success after reconfigure: %v", err)
	}
}

func TestDo_UntrustedCertificate(t *testing.T) {
	srv, _ := newBank(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	c, err := client.NewBankClient(bankConfig(srv))
	if err != nil {
		t.Fatalf("NewBankClient: %v", err)
	}
	_, err = c.Do(context.Background(), get("/accounts"))
	if !domain.IsKind(err, domain.KindCertificateError) {
		t.Fatalf("expected certificate error for unknown CA, got %v", err)
	}
}

func TestParseFingerprints(t *testing.T) {
	hexPin := strings.Repeat("ab:", 31) + "ab"
	pins, err := client.ParseFingerprints([]string{hexPin, "", "sha256/" + strings.Repeat("A", 43) + "="})
	if err != nil {
		t.Fatalf("ParseFingerprints: %v", err)
	}
	if len(pins) != 2 {
		t.Fatalf("expected 2 pins, got %d", len(pins))
	}

	if _, err := client.ParseFingerprints([]string{"abcd"}); err == nil {
		t.Fatal("expected error for short pin")
	}
	if _, err := client.ParseFingerprints([]string{"sha256/!!"}); err == nil {
		t.Fatal("expected error for bad base64")
	}
}

// ============================================================
// Retry, rate limiting and timeouts
// ============================================================

func TestDo_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv, pool := newBank(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	})
	metrics := observability.NewMetrics()
	c := newClient(t, bankConfig(srv), pool, client.WithMetrics(metrics))

	if _, err := c.Do(context.Background(), get("/accounts")); err != nil {
		t.Fatalf("expected eventual success: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
	if got := metrics.Snapshot().BankRequests; got != 1 {
		t.Errorf("expected 1 logical request recorded, got %v", got)
	}
}

func TestDo_ClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv, pool := newBank(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"code reused"}`))
	})
	c := newClient(t, bankConfig(srv), pool)

	_, err := c.Do(context.Background(), get("/token"))
	if !domain.IsKind(err, domain.KindInvalidGrant) {
		t.Fatalf("expected invalid_grant, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", hits.Load())
	}
}

func TestDo_NoRetry(t *testing.T) {
	var hits atomic.Int32
	srv, pool := newBank(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newClient(t, bankConfig(srv), pool)

	req := get("/token")
	req.NoRetry = true
	_, err := c.Do(context.Background(), req)
	if !domain.IsKind(err, domain.KindServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", hits.Load())
	}
}

func TestDo_RateLimitCooldown(t *testing.T) {
	var hits atomic.Int32
	srv, pool := newBank(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := newClient(t, bankConfig(srv), pool)

	_, err := c.Do(context.Background(), get("/accounts"))
	be, ok := domain.AsBankingError(err)
	if !ok || be.Kind != domain.KindRateLimited || be.RetryAfter != 120*time.Second {
		t.Fatalf("expected RateLimited(120s), got %v", err)
	}

	_, err = c.Do(context.Background(), get("/accounts"))
	if !domain.IsKind(err, domain.KindRateLimited) {
		t.Fatalf("expected cooldown rejection, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("cooldown call must not reach the bank, got %d hits", hits.Load())
	}
}

func TestDo_TimeoutIsEnforced(t *testing.T) {
	release := make(chan struct{})
	srv, pool := newBank(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	cfg := bankConfig(srv)
	cfg.RateLimit.Timeout = 50 * time.Millisecond
	cfg.RateLimit.MaxRetries = 0
	c := newClient(t, cfg, pool)

	start := time.Now()
	_, err := c.Do(context.Background(), get("/accounts"))
	if !domain.IsKind(err, domain.KindNetworkTimeout) {
		t.Fatalf("expected network timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not enforced promptly: %s", time.Since(start))
	}
}

func TestDo_CanceledContext(t *testing.T) {
	srv, pool := newBank(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	c := newClient(t, bankConfig(srv), pool)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Do(ctx, get("/accounts"))
	if !domain.IsKind(err, domain.KindNetworkError) {
		t.Fatalf("expected network error for canceled call, got %v", err)
	}
}
