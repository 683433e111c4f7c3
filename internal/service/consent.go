package service

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/classifier"
	"github.com/boddenberg/ob-client-go/internal/infra/ids"
	"github.com/boddenberg/ob-client-go/internal/infra/observability"
	"github.com/boddenberg/ob-client-go/internal/infra/resilience"
	"github.com/boddenberg/ob-client-go/internal/infra/wire"
	"github.com/boddenberg/ob-client-go/internal/port"
)

var consentTracer = otel.Tracer("service/consent")

const statusCacheName = "consent_status"

// ConsentManager owns consent records and their audit trail. Consent
// management calls use the application (client_credentials) token.
type ConsentManager struct {
	bank      *domain.BankConfig
	transport port.BankTransport
	tokens    TokenSource
	store     port.ConsentStore
	audit     port.AuditLog
	statuses  port.Cache[domain.ConsentStatus]
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time

	locks keyedLocks
}

// NewConsentManager creates the consent manager. statuses caches bank-confirmed
// statuses and should expire entries after the bank's staleness window.
func NewConsentManager(
	bank *domain.BankConfig,
	transport port.BankTransport,
	tokens TokenSource,
	store port.ConsentStore,
	audit port.AuditLog,
	statuses port.Cache[domain.ConsentStatus],
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ConsentManager {
	return &ConsentManager{
		bank:      bank,
		transport: transport,
		tokens:    tokens,
		store:     store,
		audit:     audit,
		statuses:  statuses,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		locks:     keyedLocks{locks: make(map[string]*keyedLock)},
	}
}

// ============================================================
// Creation
// ============================================================

// CreateAccountAccessConsent registers a read-access consent with the bank.
// A zero ExpiresAt requests the bank's maximum consent duration.
func (m *ConsentManager) CreateAccountAccessConsent(ctx context.Context, req domain.AccountAccessConsentRequest) (*domain.Consent, error) {
	ctx, span := consentTracer.Start(ctx, "ConsentManager.CreateAccountAccessConsent")
	defer span.End()

	now := m.now()
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = now.Add(m.bank.MaxConsentDuration)
	}
	if err := m.validateAccountAccess(req, now); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("consent.permissions", len(req.Permissions)))

	body := wire.FromAccountAccessConsentRequest(req)
	c, err := m.postConsent(ctx, "consent.create_account_access", accountAccessPath, body, "", domain.ConsentAccountAccess)
	if err != nil {
		return nil, err
	}
	if len(c.Permissions) == 0 {
		c.Permissions = append([]domain.Permission(nil), req.Permissions...)
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = req.ExpiresAt
	}
	if c.TransactionFrom == nil {
		c.TransactionFrom = req.TransactionFrom
	}
	if c.TransactionTo == nil {
		c.TransactionTo = req.TransactionTo
	}

	if err := m.record(ctx, c, "permissions="+strconv.Itoa(len(c.Permissions))); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (m *ConsentManager) validateAccountAccess(req domain.AccountAccessConsentRequest, now time.Time) error {
	if len(req.Permissions) == 0 {
		return domain.Validation("permissions", "at least one permission is required")
	}
	for _, p := range req.Permissions {
		if !domain.IsAccountPermission(p) {
			return domain.Validation("permissions", "unknown permission "+string(p))
		}
		if !m.bank.HasPermission(p) {
			return &domain.BankingError{
				Kind:   domain.KindInsufficientScope,
				Code:   "permissions",
				Detail: "permission " + string(p) + " is not registered for this client",
			}
		}
	}
	if !req.ExpiresAt.After(now) {
		return domain.Validation("expires_at", "consent expiry must be in the future")
	}
	if req.ExpiresAt.Sub(now) > m.bank.MaxConsentDuration {
		return domain.Validation("expires_at", "consent expiry exceeds the maximum of "+m.bank.MaxConsentDuration.String())
	}
	if req.TransactionFrom != nil && req.TransactionTo != nil && req.TransactionFrom.After(*req.TransactionTo) {
		return domain.Validation("transaction_from", "transaction window starts after it ends")
	}
	return nil
}

// CreatePaymentConsent registers a payment consent. Terms with an
// ExecutionDate become a scheduled-payment consent. Missing instruction
// identifiers are generated.
func (m *ConsentManager) CreatePaymentConsent(ctx context.Context, req domain.PaymentConsentRequest) (*domain.Consent, error) {
	ctx, span := consentTracer.Start(ctx, "ConsentManager.CreatePaymentConsent")
	defer span.End()

	terms := req.Terms
	if err := limitsError(checkLimits(m.bank, terms.Amount)); err != nil {
		return nil, err
	}
	if terms.Creditor.Scheme == "" || terms.Creditor.Identification == "" {
		return nil, domain.Validation("creditor", "creditor scheme and identification are required")
	}
	kind := domain.ConsentDomesticPayment
	if terms.ExecutionDate != nil {
		if !terms.ExecutionDate.After(m.now()) {
			return nil, domain.Validation("execution_date", "execution date must be in the future")
		}
		kind = domain.ConsentScheduledPayment
	}
	if terms.InstructionID == "" {
		terms.InstructionID = ids.New()
	}
	if terms.EndToEndID == "" {
		terms.EndToEndID = ids.New()
	}
	span.SetAttributes(attribute.String("consent.type", string(kind)))

	body := wire.FromPaymentConsentRequest(domain.PaymentConsentRequest{Terms: terms})
	c, err := m.postConsent(ctx, "consent.create_payment", paymentConsentPath(kind), body, uuid.NewString(), kind)
	if err != nil {
		return nil, err
	}
	if c.Payment == nil {
		t := terms
		c.Payment = &t
	}

	if err := m.record(ctx, c, "amount="+c.Payment.Amount.String()+" "+c.Payment.Amount.Currency); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (m *ConsentManager) postConsent(ctx context.Context, op, path string, body any, idempotencyKey string, kind domain.ConsentType) (*domain.Consent, error) {
	resp, err := callWithToken(ctx, m.tokens, func(token string) (*port.BankResponse, error) {
		return m.transport.Do(ctx, &port.BankRequest{
			Operation:      op,
			Method:         http.MethodPost,
			Path:           path,
			Body:           body,
			Token:          token,
			IdempotencyKey: idempotencyKey,
		})
	})
	if err != nil {
		return nil, err
	}
	env, err := wire.Decode[wire.ConsentData](resp.Body)
	if err != nil {
		return nil, err
	}
	return wire.ToConsent(env.Data, m.bank.ID, kind, m.now())
}

// record stores a newly created consent and writes its first audit entry.
func (m *ConsentManager) record(ctx context.Context, c *domain.Consent, detail string) error {
	unlock, err := m.locks.lock(ctx, c.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.store.Create(ctx, c); err != nil {
		return err
	}
	m.metrics.IncrConsentTransition(c.Status)
	m.cacheStatus(c.ID, c.Status)

	m.logger.Info("consent created",
		zap.String("consent_id", c.ID),
		zap.String("type", string(c.Type)),
		zap.String("status", string(c.Status)),
	)
	return m.appendAudit(ctx, c.ID, domain.AuditCreated, string(c.Type)+" "+detail, m.now())
}

// ============================================================
// Status
// ============================================================

// GetConsentStatus returns the consent status, re-syncing with the bank only
// when the stored copy is older than the staleness window. A failed re-sync
// falls back to the stored status.
func (m *ConsentManager) GetConsentStatus(ctx context.Context, consentID string) (domain.ConsentStatus, error) {
	ctx, span := consentTracer.Start(ctx, "ConsentManager.GetConsentStatus")
	defer span.End()

	if consentID == "" {
		return "", domain.Validation("consent_id", "consent id is required")
	}
	c, err := m.store.Get(ctx, consentID)
	if err != nil {
		return "", err
	}
	now := m.now()

	// A cached status never outlives the stored expiry.
	if m.statuses != nil {
		status, ok := m.statuses.Get(consentID)
		switch {
		case ok && (status.IsTerminal() || !c.ExpiredAt(now)):
			m.metrics.IncrCacheHit(statusCacheName)
			return status, nil
		case ok:
			m.statuses.Delete(consentID)
		}
		m.metrics.IncrCacheMiss(statusCacheName)
	}
	if !c.Status.IsTerminal() && c.ExpiredAt(now) {
		c, err = m.transition(ctx, consentID, domain.ConsentExpired, domain.AuditStatusChanged, "expiry passed")
		if err != nil {
			return "", err
		}
		return c.Status, nil
	}
	if c.Status.IsTerminal() || now.Sub(c.LastSyncedAt) < m.bank.StalenessWindow {
		return c.Status, nil
	}

	synced, err := m.SyncConsent(ctx, consentID)
	if err != nil {
		m.logger.Warn("consent sync failed, returning stored status",
			zap.String("consent_id", consentID),
			zap.String("status", string(c.Status)),
			zap.Error(err),
		)
		return c.Status, nil
	}
	return synced.Status, nil
}

// SyncConsent fetches the bank's view of the consent and applies it. Status
// regressions are ignored. A bank status that would move a terminal consent
// is recorded in the audit trail and reported as InvalidState.
func (m *ConsentManager) SyncConsent(ctx context.Context, consentID string) (*domain.Consent, error) {
	ctx, span := consentTracer.Start(ctx, "ConsentManager.SyncConsent")
	defer span.End()

	stored, err := m.store.Get(ctx, consentID)
	if err != nil {
		return nil, err
	}

	resp, err := callWithToken(ctx, m.tokens, func(token string) (*port.BankResponse, error) {
		return m.transport.Do(ctx, &port.BankRequest{
			Operation: "consent.get",
			Method:    http.MethodGet,
			Path:      consentPath(stored.Type) + "/" + consentID,
			Token:     token,
		})
	})
	if err != nil {
		return nil, err
	}
	env, err := wire.Decode[wire.ConsentData](resp.Body)
	if err != nil {
		return nil, err
	}
	now := m.now()
	remote, err := wire.ToConsent(env.Data, m.bank.ID, stored.Type, now)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locks.lock(ctx, consentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := m.store.Get(ctx, consentID)
	if err != nil {
		return nil, err
	}
	c.LastSyncedAt = now
	if !remote.ExpiresAt.IsZero() {
		c.ExpiresAt = remote.ExpiresAt
	}
	if len(remote.Permissions) > 0 {
		c.Permissions = remote.Permissions
	}

	var conflict error
	action, detail := domain.AuditSynced, "status "+string(c.Status)
	switch {
	case remote.Status == c.Status:
	case c.Status.CanTransition(remote.Status):
		detail = string(c.Status) + " -> " + string(remote.Status) + " (bank)"
		action = domain.AuditStatusChanged
		c.Status = remote.Status
		c.StatusUpdatedAt = now
		m.metrics.IncrConsentTransition(c.Status)
	default:
		m.logger.Warn("ignoring bank consent status",
			zap.String("consent_id", consentID),
			zap.String("local", string(c.Status)),
			zap.String("bank", string(remote.Status)),
		)
		detail += ", bank reported " + string(remote.Status)
		if c.Status.IsTerminal() {
			conflict = domain.Errorf(domain.KindInvalidState, "consent %s is %s locally but %s at the bank", consentID, c.Status, remote.Status)
		}
	}

	if err := m.store.Update(ctx, c); err != nil {
		return nil, err
	}
	m.cacheStatus(consentID, c.Status)
	if err := m.appendAudit(ctx, consentID, action, detail, now); err != nil {
		return nil, err
	}
	if conflict != nil {
		return nil, conflict
	}
	return c, nil
}

// IsConsentExpired reports expiry from the stored record, without a bank call.
func (m *ConsentManager) IsConsentExpired(ctx context.Context, consentID string) (bool, error) {
	c, err := m.store.Get(ctx, consentID)
	if err != nil {
		return false, err
	}
	return c.ExpiredAt(m.now()), nil
}

// Consent returns a copy of the stored record.
func (m *ConsentManager) Consent(ctx context.Context, consentID string) (*domain.Consent, error) {
	return m.store.Get(ctx, consentID)
}

// ============================================================
// Revocation and consumption
// ============================================================

// RevokeConsent revokes the consent at the bank and locally. Revoking a
// consent that is already terminal succeeds and records a revoke_noop entry.
// Payment consents have no bank-side delete and are revoked locally.
func (m *ConsentManager) RevokeConsent(ctx context.Context, consentID string) (*domain.ConsentRevocation, error) {
	ctx, span := consentTracer.Start(ctx, "ConsentManager.RevokeConsent")
	defer span.End()

	unlock, err := m.locks.lock(ctx, consentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := m.store.Get(ctx, consentID)
	if err != nil {
		return nil, err
	}
	now := m.now()

	if c.Status.IsTerminal() {
		if err := m.appendAudit(ctx, consentID, domain.AuditRevokeNoop, "already "+string(c.Status), now); err != nil {
			return nil, err
		}
		return &domain.ConsentRevocation{
			ConsentID:       consentID,
			Status:          c.Status,
			RevokedAt:       c.StatusUpdatedAt,
			AlreadyTerminal: true,
		}, nil
	}

	detail := "revoked at bank"
	if c.Type == domain.ConsentAccountAccess {
		_, err := callWithToken(ctx, m.tokens, func(token string) (*port.BankResponse, error) {
			return m.transport.Do(ctx, &port.BankRequest{
				Operation: "consent.revoke",
				Method:    http.MethodDelete,
				Path:      accountAccessPath + "/" + consentID,
				Token:     token,
			})
		})
		switch {
		case domain.IsKind(err, domain.KindNotFound):
			detail = "unknown at bank, revoked locally"
		case err != nil:
			return nil, err
		}
	} else {
		detail = "revoked locally"
	}

	from := c.Status
	c.Status = domain.ConsentRevoked
	c.StatusUpdatedAt = now
	if err := m.store.Update(ctx, c); err != nil {
		return nil, err
	}
	m.metrics.IncrConsentTransition(c.Status)
	m.cacheStatus(consentID, c.Status)
	if err := m.appendAudit(ctx, consentID, domain.AuditRevoked, string(from)+" -> Revoked, "+detail, now); err != nil {
		return nil, err
	}

	m.logger.Info("consent revoked", zap.String("consent_id", consentID), zap.String("detail", detail))
	return &domain.ConsentRevocation{ConsentID: consentID, Status: c.Status, RevokedAt: now}, nil
}

// MarkConsumed moves an authorized payment consent to Consumed once the
// bank accepted the payment.
func (m *ConsentManager) MarkConsumed(ctx context.Context, consentID, detail string) error {
	_, err := m.transition(ctx, consentID, domain.ConsentConsumed, domain.AuditConsumed, detail)
	return err
}

// transition moves the consent to status under its lock. Moving to the
// current status is a no-op.
func (m *ConsentManager) transition(ctx context.Context, consentID string, to domain.ConsentStatus, action domain.AuditAction, detail string) (*domain.Consent, error) {
	unlock, err := m.locks.lock(ctx, consentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := m.store.Get(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if c.Status == to {
		return c, nil
	}
	if !c.Status.CanTransition(to) {
		return nil, domain.Errorf(domain.KindInvalidState, "consent %s cannot move from %s to %s", consentID, c.Status, to)
	}

	now := m.now()
	from := c.Status
	c.Status = to
	c.StatusUpdatedAt = now
	if err := m.store.Update(ctx, c); err != nil {
		return nil, err
	}
	m.metrics.IncrConsentTransition(to)
	m.cacheStatus(consentID, to)

	if detail != "" {
		detail = ", " + detail
	}
	if err := m.appendAudit(ctx, consentID, action, string(from)+" -> "+string(to)+detail, now); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *ConsentManager) cacheStatus(consentID string, status domain.ConsentStatus) {
	if m.statuses != nil {
		m.statuses.Set(consentID, status)
	}
}

// ============================================================
// Paths
// ============================================================

const (
	accountAccessPath    = "/account-access-consents"
	domesticConsentPath  = "/domestic-payment-consents"
	scheduledConsentPath = "/domestic-scheduled-payment-consents"
)

func consentPath(kind domain.ConsentType) string {
	if kind.IsPayment() {
		return paymentConsentPath(kind)
	}
	return accountAccessPath
}

func paymentConsentPath(kind domain.ConsentType) string {
	if kind == domain.ConsentScheduledPayment {
		return scheduledConsentPath
	}
	return domesticConsentPath
}

// ============================================================
// Per-consent locks
// ============================================================

// keyedLocks hands out one context-aware mutex per consent. Entries are
// dropped when no goroutine holds or waits for them.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  *resilience.Bulkhead
	refs int
}

func (k *keyedLocks) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{sem: resilience.NewBulkhead(1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	err := ctx.Err()
	if err == nil {
		err = l.sem.Acquire(ctx)
	}
	if err != nil {
		k.release(key, l)
		be := classifier.Transport(err)
		be.Detail = "waiting for consent " + key + ": " + be.Detail
		return nil, be
	}
	return func() {
		l.sem.Release()
		k.release(key, l)
	}, nil
}

func (k *keyedLocks) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
