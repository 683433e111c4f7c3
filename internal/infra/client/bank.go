// Package client implements the outbound side of the bank connection:
// a pinned, rate-limited HTTP transport and the JWT signer used for FAPI
// client authentication.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/classifier"
	"github.com/boddenberg/ob-client-go/internal/infra/ids"
	"github.com/boddenberg/ob-client-go/internal/infra/observability"
	"github.com/boddenberg/ob-client-go/internal/infra/resilience"
	"github.com/boddenberg/ob-client-go/internal/port"
)

var tracer = otel.Tracer("client")

const (
	headerInteractionID  = "x-fapi-interaction-id"
	headerIdempotencyKey = "x-idempotency-key"

	maxResponseBody = 4 << 20
	maxBackoff      = 10 * time.Second
)

// Option customizes a BankClient.
type Option func(*options)

type options struct {
	rootCAs *x509.CertPool
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// WithRootCAs replaces the system trust store. Used for sandboxes with private CAs.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(o *options) { o.rootCAs = pool }
}

// WithMetrics records request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// state is everything derived from a BankConfig. Swapped whole on Reconfigure.
type state struct {
	cfg      domain.BankConfig
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	bulkhead *resilience.Bulkhead
	pins     [][]byte
}

// BankClient sends requests to one bank's API.
//
// Every call is rate limited, bounded by a bulkhead, guarded by a circuit
// breaker and retried on retryable failures. A certificate failure latches
// the client: all later calls fail fast until Reconfigure.
type BankClient struct {
	opts options

	mu            sync.RWMutex
	st            *state
	certFailure   *domain.BankingError
	cooldownUntil time.Time
}

// NewBankClient builds a client for cfg. It refuses non-https base URLs.
func NewBankClient(cfg *domain.BankConfig, opts ...Option) (*BankClient, error) {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	st, err := newState(cfg, o.rootCAs)
	if err != nil {
		return nil, err
	}
	return &BankClient{opts: o, st: st}, nil
}

func newState(cfg *domain.BankConfig, rootCAs *x509.CertPool) (*state, error) {
	if cfg == nil {
		return nil, domain.NewError(domain.KindInvalidRequest, "bank configuration is required")
	}
	c := *cfg
	c.ApplyDefaults()

	if !strings.HasPrefix(strings.ToLower(c.BaseURL), "https://") {
		return nil, domain.Errorf(domain.KindCertificateError, "bank %s: base url must use https", c.ID)
	}
	pins, err := ParseFingerprints(c.CertificateFingerprints)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    rootCAs,
	}
	if len(pins) > 0 {
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyPins(cs.PeerCertificates, pins)
		}
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsCfg,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: c.RateLimit.MaxConcurrency,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
	}

	limit := rate.Inf
	if c.RateLimit.RequestsPerSecond > 0 {
		limit = rate.Limit(c.RateLimit.RequestsPerSecond)
	}

	return &state{
		cfg: c,
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter:  rate.NewLimiter(limit, c.RateLimit.Burst),
		breaker:  resilience.NewCircuitBreaker("bank-"+c.ID, breakerSuccess),
		bulkhead: resilience.NewBulkhead(c.RateLimit.MaxConcurrency),
		pins:     pins,
	}, nil
}

// breakerSuccess counts only bank-side and transport failures against the breaker.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	be, ok := domain.AsBankingError(err)
	if !ok {
		return false
	}
	switch be.Kind {
	case domain.KindServerError, domain.KindServiceUnavailable, domain.KindNetworkTimeout:
		return false
	case domain.KindNetworkError:
		return be.Code == "canceled"
	}
	return true
}

// Reconfigure swaps in a new configuration and clears a latched certificate failure.
func (c *BankClient) Reconfigure(cfg *domain.BankConfig) error {
	st, err := newState(cfg, c.opts.rootCAs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.st
	c.st = st
	c.certFailure = nil
	c.cooldownUntil = time.Time{}
	c.mu.Unlock()

	old.http.CloseIdleConnections()
	c.opts.logger.Info("bank client reconfigured",
		zap.String("bank_id", st.cfg.ID),
		zap.Bool("pinning", len(st.pins) > 0),
	)
	return nil
}

// PinningEnabled reports whether certificate pinning is active.
func (c *BankClient) PinningEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.st.pins) > 0
}

// Config returns a copy of the active configuration with defaults applied.
func (c *BankClient) Config() domain.BankConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st.cfg
}

// Do sends req and returns the 2xx response. Every failure is a *domain.BankingError.
func (c *BankClient) Do(ctx context.Context, req *port.BankRequest) (*port.BankResponse, error) {
	ctx, span := tracer.Start(ctx, "BankClient."+req.Operation)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("bank.operation", req.Operation),
	)

	start := c.opts.now()
	resp, err := c.do(ctx, req)
	c.opts.metrics.RecordRequestDuration(req.Operation, c.opts.now().Sub(start))

	if err != nil {
		be := classifier.Transport(err)
		c.opts.metrics.IncrRequest("error")
		c.opts.metrics.IncrBankError(be.Kind)
		span.RecordError(be)
		span.SetStatus(codes.Error, string(be.Kind))
		c.opts.logger.Warn("bank request failed",
			zap.String("operation", req.Operation),
			zap.String("kind", string(be.Kind)),
			zap.String("code", be.Code),
			zap.Int("status", be.Status),
			zap.String("interaction_id", be.InteractionID),
		)
		return nil, be
	}

	c.opts.metrics.IncrRequest("success")
	span.SetAttributes(
		attribute.Int("http.status_code", resp.Status),
		attribute.String("fapi.interaction_id", resp.InteractionID),
	)
	return resp, nil
}

func (c *BankClient) do(ctx context.Context, req *port.BankRequest) (*port.BankResponse, error) {
	c.mu.RLock()
	st, latched, until := c.st, c.certFailure, c.cooldownUntil
	c.mu.RUnlock()

	if latched != nil {
		return nil, latched
	}
	if now := c.opts.now(); now.Before(until) {
		return nil, domain.RateLimited(until.Sub(now), "bank rate limit cooldown")
	}

	rl := st.cfg.RateLimit
	retryCfg := resilience.Config{
		MaxRetries:     rl.MaxRetries,
		InitialBackoff: rl.InitialBackoff,
		MaxBackoff:     maxBackoff,
		Retryable:      domain.IsRetryable,
		MinWait:        retryAfterOf,
		MaxWait:        rl.MaxRetryAfter,
	}
	if req.NoRetry {
		retryCfg.MaxRetries = 0
	}

	var out *port.BankResponse
	err := resilience.RetryWithBackoff(ctx, retryCfg, func() error {
		if err := st.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return classifier.Transport(ctx.Err())
			}
			return classifier.Transport(context.DeadlineExceeded)
		}
		if err := st.bulkhead.Acquire(ctx); err != nil {
			return classifier.Transport(err)
		}
		defer st.bulkhead.Release()

		res, err := st.breaker.Execute(func() (any, error) {
			return c.attempt(ctx, st, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return &domain.BankingError{
					Kind:   domain.KindServiceUnavailable,
					Code:   "circuit_open",
					Detail: "bank circuit breaker is open",
					Err:    err,
				}
			}
			c.observeFailure(err)
			return err
		}
		out = res.(*port.BankResponse)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// observeFailure latches certificate failures and records rate-limit cooldowns.
func (c *BankClient) observeFailure(err error) {
	be, ok := domain.AsBankingError(err)
	if !ok {
		return
	}
	switch be.Kind {
	case domain.KindCertificateError:
		c.mu.Lock()
		c.certFailure = be
		c.mu.Unlock()
		c.opts.logger.Error("bank certificate rejected, client disabled until reconfigured",
			zap.String("interaction_id", be.InteractionID),
			zap.Error(be.Err),
		)
	case domain.KindRateLimited:
		until := c.opts.now().Add(be.RetryAfter)
		c.mu.Lock()
		if until.After(c.cooldownUntil) {
			c.cooldownUntil = until
		}
		c.mu.Unlock()
	}
}

func retryAfterOf(err error) time.Duration {
	if be, ok := domain.AsBankingError(err); ok && be.Kind == domain.KindRateLimited {
		return be.RetryAfter
	}
	return 0
}

type result struct {
	resp *port.BankResponse
	err  error
}

// attempt performs one HTTP exchange. The timeout is enforced here even if
// the transport ignores context cancellation.
func (c *BankClient) attempt(ctx context.Context, st *state, req *port.BankRequest) (*port.BankResponse, error) {
	actx, cancel := context.WithTimeout(ctx, st.cfg.RateLimit.Timeout)
	defer cancel()

	interactionID := ids.Interaction()
	httpReq, err := buildRequest(actx, &st.cfg, req, interactionID)
	if err != nil {
		return nil, err
	}

	done := make(chan result, 1)
	go func() {
		resp, err := c.exchange(st.http, httpReq, interactionID)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-actx.Done():
		return nil, classifier.Classify(classifier.Outcome{Err: actx.Err(), InteractionID: interactionID})
	}
}

func (c *BankClient) exchange(hc *http.Client, httpReq *http.Request, interactionID string) (*port.BankResponse, error) {
	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, classifier.Classify(classifier.Outcome{Err: err, InteractionID: interactionID})
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(headerInteractionID); id != "" {
		interactionID = id
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, classifier.Classify(classifier.Outcome{Err: err, InteractionID: interactionID})
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &port.BankResponse{
			Status:        resp.StatusCode,
			Header:        resp.Header,
			Body:          body,
			InteractionID: interactionID,
		}, nil
	}
	return nil, classifier.Classify(classifier.Outcome{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          body,
		InteractionID: interactionID,
		Now:           c.opts.now(),
	})
}

func buildRequest(ctx context.Context, cfg *domain.BankConfig, req *port.BankRequest, interactionID string) (*http.Request, error) {
	target := cfg.Endpoint(req.Path)
	if !strings.HasPrefix(strings.ToLower(target), "https://") {
		return nil, domain.Errorf(domain.KindCertificateError, "refusing non-https endpoint %s", target)
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.Body != nil:
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, &domain.BankingError{Kind: domain.KindInvalidRequest, Detail: "encode request body", Err: err}
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &domain.BankingError{Kind: domain.KindInvalidRequest, Detail: "build request", Err: err}
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(headerInteractionID, interactionID)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(headerIdempotencyKey, req.IdempotencyKey)
	}
	return httpReq, nil
}
