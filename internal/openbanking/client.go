// Package openbanking is the entry point applications use. It builds the
// transport and services for one bank and hands out their interfaces.
package openbanking

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/cache"
	"github.com/boddenberg/ob-client-go/internal/infra/client"
	"github.com/boddenberg/ob-client-go/internal/infra/memstore"
	"github.com/boddenberg/ob-client-go/internal/infra/observability"
	"github.com/boddenberg/ob-client-go/internal/port"
	"github.com/boddenberg/ob-client-go/internal/service"
)

const defaultSessionTTL = 10 * time.Minute

// Options carries the collaborators the client is built from. Every field
// is optional; missing stores are replaced by in-memory ones.
type Options struct {
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	TokenStore   port.TokenStore
	ConsentStore port.ConsentStore
	AuditLog     port.AuditLog

	// RootCAs replaces the system trust store, e.g. for a sandbox CA.
	RootCAs *x509.CertPool
	// AllowUnpinned admits banks configured without certificate fingerprints.
	AllowUnpinned bool
	// SessionTTL bounds how long an authorization redirect may take.
	SessionTTL time.Duration
}

// connection is everything built for one initialized bank.
type connection struct {
	bank       *domain.BankConfig
	transport  *client.BankClient
	auth       *service.AuthService
	userTokens *service.TokenManager
	appTokens  *service.TokenManager
	consents   *service.ConsentManager
	accounts   *service.AccountService
	payments   *service.PaymentService
	statuses   *cache.InMemory[domain.ConsentStatus]
	sessions   *cache.InMemory[*authSession]
}

func (c *connection) close() {
	c.statuses.Close()
	c.sessions.Close()
}

// Client is the Open Banking facade. It is unusable until Initialize succeeds.
type Client struct {
	provider port.BankConfigProvider
	opts     Options
	logger   *zap.Logger

	conn atomic.Pointer[connection]
}

// New creates an uninitialized client reading bank configuration from provider.
func New(provider port.BankConfigProvider, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTL
	}
	return &Client{provider: provider, opts: opts, logger: opts.Logger}
}

// Initialize loads bankID's configuration and builds the transport and
// services. Calling it again replaces the previous bank connection.
func (c *Client) Initialize(ctx context.Context, bankID string) error {
	cfg, err := c.provider.BankConfig(ctx, bankID)
	if err != nil {
		return err
	}
	cfg.ApplyDefaults()

	if !cfg.PinningEnabled() && !c.opts.AllowUnpinned {
		return domain.Errorf(domain.KindCertificateError, "bank %s: certificate pinning is required but no fingerprints are configured", cfg.ID)
	}
	if err := c.ensureStores(); err != nil {
		return err
	}

	transport, err := client.NewBankClient(cfg,
		client.WithRootCAs(c.opts.RootCAs),
		client.WithMetrics(c.opts.Metrics),
		client.WithLogger(c.logger.With(zap.String("bank_id", cfg.ID))),
	)
	if err != nil {
		return err
	}

	signer, err := newSigner(cfg)
	if err != nil {
		return err
	}

	conn := c.build(cfg, transport, signer, nil)
	if err := conn.userTokens.Restore(ctx); err != nil {
		c.logger.Warn("restore user token", zap.String("bank_id", cfg.ID), zap.Error(err))
	}

	if old := c.conn.Swap(conn); old != nil {
		old.close()
	}
	c.logger.Info("open banking client initialized",
		zap.String("bank_id", cfg.ID),
		zap.Bool("pinning", transport.PinningEnabled()),
		zap.Bool("signed_requests", signer != nil),
	)
	return nil
}

func newSigner(cfg *domain.BankConfig) (port.Signer, error) {
	if !cfg.Signing.Configured() {
		return nil, nil
	}
	s, err := client.NewSigner(cfg.Signing)
	if err != nil {
		return nil, &domain.BankingError{Kind: domain.KindInvalidClient, Code: "signing", Detail: "load signing key for bank " + cfg.ID, Err: err}
	}
	return s, nil
}

// build wires the services for cfg. A nil sessions cache starts a new one.
func (c *Client) build(cfg *domain.BankConfig, transport *client.BankClient, signer port.Signer, sessions *cache.InMemory[*authSession]) *connection {
	if sessions == nil {
		sessions = cache.New[*authSession](c.opts.SessionTTL)
	}
	logger := c.logger.With(zap.String("bank_id", cfg.ID))
	auth := service.NewAuthService(cfg, transport, signer, logger)

	prefix := cfg.ID + ":" + cfg.ClientID + ":"
	userTokens := service.NewTokenManager(
		service.TokenManagerConfig{Key: prefix + service.TokenKindUser, Kind: service.TokenKindUser},
		service.RefreshGrant(auth, cfg.ClientID),
		c.opts.TokenStore, c.opts.Metrics, logger,
	)
	appTokens := service.NewTokenManager(
		service.TokenManagerConfig{Key: prefix + service.TokenKindApp, Kind: service.TokenKindApp},
		service.ClientCredentials(auth, cfg.ClientID, "", appScope(cfg)),
		nil, c.opts.Metrics, logger,
	)

	statuses := cache.New[domain.ConsentStatus](cfg.StalenessWindow)
	consents := service.NewConsentManager(cfg, transport, appTokens, c.opts.ConsentStore, c.opts.AuditLog, statuses, c.opts.Metrics, logger)

	return &connection{
		bank:       cfg,
		transport:  transport,
		auth:       auth,
		userTokens: userTokens,
		appTokens:  appTokens,
		consents:   consents,
		accounts:   service.NewAccountService(transport, userTokens, consents, logger),
		payments:   service.NewPaymentService(cfg, transport, userTokens, appTokens, consents, logger),
		statuses:   statuses,
		sessions:   sessions,
	}
}

// ensureStores fills in memory stores for any the caller did not supply.
// A process-local token store is sealed with a random key.
func (c *Client) ensureStores() error {
	if c.opts.TokenStore == nil {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return &domain.BankingError{Kind: domain.KindUnknown, Detail: "generate token seal key", Err: err}
		}
		store, err := memstore.NewTokenStore(key)
		if err != nil {
			return &domain.BankingError{Kind: domain.KindUnknown, Detail: "create token store", Err: err}
		}
		c.opts.TokenStore = store
	}
	if c.opts.ConsentStore == nil {
		c.opts.ConsentStore = memstore.NewConsentStore()
	}
	if c.opts.AuditLog == nil {
		c.opts.AuditLog = memstore.NewAuditLog()
	}
	return nil
}

// appScope is the client_credentials scope: every registered scope except openid.
func appScope(cfg *domain.BankConfig) string {
	scopes := make([]string, 0, len(cfg.Scopes))
	for _, s := range cfg.Scopes {
		if s != "openid" {
			scopes = append(scopes, s)
		}
	}
	return strings.Join(scopes, " ")
}

// Close releases background resources. The client must not be used afterwards.
func (c *Client) Close() {
	if conn := c.conn.Swap(nil); conn != nil {
		conn.close()
	}
}

// ============================================================
// Accessors
// ============================================================

// IsConfigured reports whether Initialize has succeeded.
func (c *Client) IsConfigured() bool {
	return c.conn.Load() != nil
}

// IsCertificatePinningEnabled reports whether the active transport pins the bank certificate.
func (c *Client) IsCertificatePinningEnabled() bool {
	conn := c.conn.Load()
	return conn != nil && conn.transport.PinningEnabled()
}

// BankID returns the initialized bank, or "" before Initialize.
func (c *Client) BankID() string {
	if conn := c.conn.Load(); conn != nil {
		return conn.bank.ID
	}
	return ""
}

// Auth returns the authentication service, or nil before Initialize.
func (c *Client) Auth() port.Authenticator {
	if conn := c.conn.Load(); conn != nil {
		return conn.auth
	}
	return nil
}

// Consents returns the consent manager, or nil before Initialize.
func (c *Client) Consents() port.Consents {
	if conn := c.conn.Load(); conn != nil {
		return conn.consents
	}
	return nil
}

// Accounts returns the account service, or nil before Initialize.
func (c *Client) Accounts() port.Accounts {
	if conn := c.conn.Load(); conn != nil {
		return conn.accounts
	}
	return nil
}

// Payments returns the payment service, or nil before Initialize.
func (c *Client) Payments() port.Payments {
	if conn := c.conn.Load(); conn != nil {
		return conn.payments
	}
	return nil
}

// AuthState reports the user token lifecycle state.
func (c *Client) AuthState() domain.AuthState {
	if conn := c.conn.Load(); conn != nil {
		return conn.userTokens.State()
	}
	return domain.AuthNoToken
}

// Stats returns the current client counters.
func (c *Client) Stats() *domain.ClientStats {
	return c.opts.Metrics.Snapshot()
}

// Reconfigure reloads the bank's configuration, clearing a latched
// certificate failure. The services are rebuilt on the new configuration;
// pending authorizations and the user token carry over.
func (c *Client) Reconfigure(ctx context.Context) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	cfg, err := c.provider.BankConfig(ctx, conn.bank.ID)
	if err != nil {
		return err
	}
	cfg.ApplyDefaults()
	if !cfg.PinningEnabled() && !c.opts.AllowUnpinned {
		return domain.Errorf(domain.KindCertificateError, "bank %s: certificate pinning is required but no fingerprints are configured", cfg.ID)
	}
	signer, err := newSigner(cfg)
	if err != nil {
		return err
	}
	if err := conn.transport.Reconfigure(cfg); err != nil {
		return err
	}

	next := c.build(cfg, conn.transport, signer, conn.sessions)
	if cfg.ClientID == conn.bank.ClientID {
		next.userTokens.Adopt(conn.userTokens)
	} else if err := next.userTokens.Restore(ctx); err != nil {
		c.logger.Warn("restore user token", zap.String("bank_id", cfg.ID), zap.Error(err))
	}

	if !c.conn.CompareAndSwap(conn, next) {
		next.statuses.Close()
		return domain.NewError(domain.KindInvalidState, "open banking client was reinitialized concurrently")
	}
	conn.statuses.Close()
	c.logger.Info("open banking client reconfigured",
		zap.String("bank_id", cfg.ID),
		zap.Bool("pinning", conn.transport.PinningEnabled()),
		zap.Bool("signed_requests", signer != nil),
	)
	return nil
}

func (c *Client) connection() (*connection, error) {
	conn := c.conn.Load()
	if conn == nil {
		return nil, domain.NewError(domain.KindInvalidState, "open banking client is not initialized")
	}
	return conn, nil
}
