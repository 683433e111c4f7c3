package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/classifier"
	"github.com/boddenberg/ob-client-go/internal/infra/observability"
	"github.com/boddenberg/ob-client-go/internal/port"
)

// Token kinds, also used as the metrics label.
const (
	TokenKindUser = "user"
	TokenKindApp  = "app"
)

const defaultRefreshTimeout = 30 * time.Second

// TokenSource hands out a fresh access token and renews one the bank rejected.
type TokenSource interface {
	Token(ctx context.Context) (*domain.AuthenticationToken, error)
	Renew(ctx context.Context, stale *domain.AuthenticationToken) (*domain.AuthenticationToken, error)
}

// Renewer obtains a replacement for current, which may be nil.
type Renewer func(ctx context.Context, current *domain.AuthenticationToken) (*domain.AuthenticationToken, error)

// TokenManagerConfig identifies the token a manager owns.
type TokenManagerConfig struct {
	// Key is the store key and single-flight key, e.g. "bank:client:user".
	Key            string
	Kind           string
	RefreshTimeout time.Duration
}

// TokenManager owns one client identity's token. Concurrent callers that
// find it expiring share a single refresh.
type TokenManager struct {
	cfg     TokenManagerConfig
	renew   Renewer
	store   port.TokenStore
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	token *domain.AuthenticationToken
	state domain.AuthState
}

// NewTokenManager creates a manager with no token. store and metrics may be nil.
func NewTokenManager(cfg TokenManagerConfig, renew Renewer, store port.TokenStore, metrics *observability.Metrics, logger *zap.Logger) *TokenManager {
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}
	if cfg.Kind == "" {
		cfg.Kind = TokenKindUser
	}
	return &TokenManager{
		cfg:     cfg,
		renew:   renew,
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		state:   domain.AuthNoToken,
	}
}

// Token returns a token that is not inside the refresh margin, refreshing
// first when needed. When a refresh fails for a reason other than
// invalid_grant and the current token is still valid, the current token
// is returned.
func (m *TokenManager) Token(ctx context.Context) (*domain.AuthenticationToken, error) {
	m.mu.RLock()
	tok, state := m.token, m.state
	m.mu.RUnlock()

	if tok == nil {
		if state == domain.AuthExpired {
			return nil, domain.NewError(domain.KindUnauthorized, "session expired; authorization required")
		}
		if m.renew == nil || m.cfg.Kind == TokenKindUser {
			return nil, domain.NewError(domain.KindUnauthorized, "no token; authorization required")
		}
	} else if !tok.ExpiringSoonAt(m.now()) {
		m.markActive(tok)
		return tok, nil
	}

	fresh, err := m.Renew(ctx, tok)
	if err == nil {
		m.markActive(fresh)
		return fresh, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	if tok.ValidAt(m.now()) && !domain.IsKind(err, domain.KindInvalidGrant) {
		m.logger.Warn("token refresh failed, using current token",
			zap.String("token", m.cfg.Kind),
			zap.Time("expires_at", tok.ExpiresAt),
			zap.Error(err),
		)
		return tok, nil
	}
	return nil, err
}

// Renew replaces stale. If another caller already replaced it, the newer
// token is returned without a bank call.
func (m *TokenManager) Renew(ctx context.Context, stale *domain.AuthenticationToken) (*domain.AuthenticationToken, error) {
	if m.renew == nil {
		return nil, domain.NewError(domain.KindUnauthorized, "token cannot be renewed")
	}

	m.mu.RLock()
	current := m.token
	m.mu.RUnlock()
	if current != nil && (stale == nil || current.AccessToken != stale.AccessToken) && !current.ExpiringSoonAt(m.now()) {
		return current, nil
	}

	ch := m.group.DoChan(m.cfg.Key, func() (any, error) {
		// Detached so one canceled waiter cannot abort the shared refresh.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
		defer cancel()
		return m.refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return nil, classifier.Transport(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.AuthenticationToken), nil
	}
}

func (m *TokenManager) refresh(ctx context.Context) (*domain.AuthenticationToken, error) {
	m.mu.RLock()
	current := m.token
	m.mu.RUnlock()

	fresh, err := m.renew(ctx, current)
	if err != nil {
		m.metrics.IncrTokenRefresh(m.cfg.Kind, false)
		if domain.IsKind(err, domain.KindInvalidGrant) {
			m.logger.Warn("refresh token rejected, session expired", zap.String("token", m.cfg.Kind))
			m.mu.Lock()
			m.token = nil
			m.state = domain.AuthExpired
			m.mu.Unlock()
			m.deleteStored(ctx)
		}
		return nil, err
	}

	m.metrics.IncrTokenRefresh(m.cfg.Kind, true)
	m.mu.Lock()
	m.token = fresh
	m.state = domain.AuthActive
	m.mu.Unlock()
	m.persist(ctx, fresh)

	m.logger.Debug("token refreshed",
		zap.String("token", m.cfg.Kind),
		zap.Time("expires_at", fresh.ExpiresAt),
	)
	return fresh, nil
}

// Set installs tok as the current token and persists it.
func (m *TokenManager) Set(ctx context.Context, tok *domain.AuthenticationToken) error {
	if tok == nil || tok.AccessToken == "" {
		return domain.Validation("token", "access token is required")
	}
	m.mu.Lock()
	m.token = tok
	m.state = domain.AuthActive
	m.mu.Unlock()
	return m.save(ctx, tok)
}

// MarkPending records that an authorization redirect is in flight.
func (m *TokenManager) MarkPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		m.state = domain.AuthPending
	}
}

// CancelPending undoes MarkPending when the redirect failed.
func (m *TokenManager) CancelPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil && m.state == domain.AuthPending {
		m.state = domain.AuthNoToken
	}
}

// MarkAuthorized installs the token obtained from a code exchange.
func (m *TokenManager) MarkAuthorized(ctx context.Context, tok *domain.AuthenticationToken) error {
	if err := m.Set(ctx, tok); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = domain.AuthAuthorized
	m.mu.Unlock()
	return nil
}

// Adopt takes over prev's token and lifecycle state. It is used when the
// services are rebuilt for a reloaded bank configuration.
func (m *TokenManager) Adopt(prev *TokenManager) {
	prev.mu.RLock()
	tok, state := prev.token, prev.state
	prev.mu.RUnlock()

	m.mu.Lock()
	m.token, m.state = tok, state
	m.mu.Unlock()
}

// State reports where the token is in its lifecycle.
func (m *TokenManager) State() domain.AuthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return m.state
	}
	now := m.now()
	switch {
	case !m.token.ValidAt(now):
		return domain.AuthExpired
	case m.token.ExpiringSoonAt(now):
		return domain.AuthRefreshWindow
	}
	return m.state
}

// Current returns the held token without refreshing it.
func (m *TokenManager) Current() *domain.AuthenticationToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Clear drops the token and its stored copy.
func (m *TokenManager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.token = nil
	m.state = domain.AuthNoToken
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	return m.store.DeleteToken(ctx, m.cfg.Key)
}

// Restore loads a previously persisted token. A missing token is not an error.
func (m *TokenManager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	tok, err := m.store.LoadToken(ctx, m.cfg.Key)
	if err != nil || tok == nil {
		return err
	}
	if !tok.ValidAt(m.now()) && !tok.CanRefresh() {
		return m.store.DeleteToken(ctx, m.cfg.Key)
	}
	m.mu.Lock()
	m.token = tok
	m.state = domain.AuthActive
	m.mu.Unlock()
	return nil
}

func (m *TokenManager) markActive(tok *domain.AuthenticationToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == tok && m.state == domain.AuthAuthorized {
		m.state = domain.AuthActive
	}
}

func (m *TokenManager) save(ctx context.Context, tok *domain.AuthenticationToken) error {
	if m.store == nil {
		return nil
	}
	return m.store.SaveToken(ctx, m.cfg.Key, tok)
}

func (m *TokenManager) persist(ctx context.Context, tok *domain.AuthenticationToken) {
	if err := m.save(ctx, tok); err != nil {
		m.logger.Warn("persist refreshed token", zap.String("token", m.cfg.Kind), zap.Error(err))
	}
}

func (m *TokenManager) deleteStored(ctx context.Context) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteToken(ctx, m.cfg.Key); err != nil {
		m.logger.Warn("delete expired token", zap.String("token", m.cfg.Kind), zap.Error(err))
	}
}

// ============================================================
// Renewers
// ============================================================

// RefreshGrant renews a user token with its refresh token.
func RefreshGrant(auth port.Authenticator, clientID string) Renewer {
	return func(ctx context.Context, current *domain.AuthenticationToken) (*domain.AuthenticationToken, error) {
		if !current.CanRefresh() {
			return nil, domain.NewError(domain.KindUnauthorized, "token has no refresh token; authorization required")
		}
		return auth.RefreshToken(ctx, current.RefreshToken, clientID)
	}
}

// ClientCredentials renews an application token with a new client_credentials grant.
func ClientCredentials(auth port.Authenticator, clientID, clientSecret, scope string) Renewer {
	return func(ctx context.Context, _ *domain.AuthenticationToken) (*domain.AuthenticationToken, error) {
		return auth.ClientCredentialsGrant(ctx, clientID, clientSecret, scope)
	}
}

// ============================================================
// Dispatch gate
// ============================================================

// callWithToken fetches a fresh token right before dispatch and retries
// once with a renewed token when the bank answers Unauthorized.
func callWithToken[T any](ctx context.Context, tokens TokenSource, fn func(accessToken string) (T, error)) (T, error) {
	var zero T
	tok, err := tokens.Token(ctx)
	if err != nil {
		return zero, err
	}
	out, err := fn(tok.AccessToken)
	if err == nil || !domain.IsKind(err, domain.KindUnauthorized) {
		return out, err
	}

	fresh, rerr := tokens.Renew(ctx, tok)
	if rerr != nil {
		return zero, rerr
	}
	return fn(fresh.AccessToken)
}
