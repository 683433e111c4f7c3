package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/ids"
	"github.com/boddenberg/ob-client-go/internal/infra/wire"
)

// ============================================================
// Permission checks
// ============================================================

// HasPermission reports whether the consent is usable and grants perm.
// Every decision is written to the audit trail.
func (m *ConsentManager) HasPermission(ctx context.Context, consentID string, perm domain.Permission) (bool, error) {
	err := m.RequireAnyPermission(ctx, consentID, perm)
	switch {
	case err == nil:
		return true, nil
	case domain.IsKind(err, domain.KindNotFound):
		return false, err
	}
	if isDenial(err) {
		return false, nil
	}
	return false, err
}

// RequirePermission fails unless the consent is usable and grants perm.
func (m *ConsentManager) RequirePermission(ctx context.Context, consentID string, perm domain.Permission) error {
	return m.RequireAnyPermission(ctx, consentID, perm)
}

// RequireAnyPermission fails unless the consent is usable and grants at
// least one of perms. Checks are local; no bank call is made.
func (m *ConsentManager) RequireAnyPermission(ctx context.Context, consentID string, perms ...domain.Permission) error {
	if consentID == "" {
		return domain.Validation("consent_id", "consent id is required")
	}
	if len(perms) == 0 {
		return domain.Validation("permission", "at least one permission is required")
	}

	unlock, err := m.locks.lock(ctx, consentID)
	if err != nil {
		return err
	}
	defer unlock()

	c, err := m.store.Get(ctx, consentID)
	if err != nil {
		return err
	}
	wanted := joinPermissions(perms)
	now := m.now()

	if denial := m.usable(c, now); denial != nil {
		return m.deny(ctx, consentID, wanted, denial, now)
	}
	for _, p := range perms {
		if c.HasPermission(p) {
			return m.grant(ctx, consentID, string(p), now)
		}
	}
	return m.deny(ctx, consentID, wanted, domain.Errorf(domain.KindForbidden, "consent %s does not grant %s", consentID, wanted), now)
}

// RequirePaymentConsent checks that the consent authorizes exactly terms and
// returns the stored record. Terms with an ExecutionDate require a
// scheduled-payment consent.
func (m *ConsentManager) RequirePaymentConsent(ctx context.Context, consentID string, terms domain.PaymentTerms) (*domain.Consent, error) {
	if consentID == "" {
		return nil, domain.Validation("consent_id", "consent id is required")
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
	now := m.now()
	perm := string(wire.PaymentPermission(c.Type))

	if !c.Type.IsPayment() {
		return nil, m.deny(ctx, consentID, perm, domain.Errorf(domain.KindForbidden, "consent %s is not a payment consent", consentID), now)
	}
	if scheduled := terms.ExecutionDate != nil; scheduled != (c.Type == domain.ConsentScheduledPayment) {
		return nil, m.deny(ctx, consentID, perm, domain.Errorf(domain.KindForbidden, "consent %s is a %s consent", consentID, c.Type), now)
	}
	if denial := m.usable(c, now); denial != nil {
		return nil, m.deny(ctx, consentID, perm, denial, now)
	}
	if mismatch := termsMismatch(c.Payment, terms); mismatch != "" {
		err := &domain.BankingError{
			Kind:   domain.KindResourceConsentMismatch,
			Detail: "payment does not match consent " + consentID + ": " + mismatch,
		}
		return nil, m.deny(ctx, consentID, perm, err, now)
	}
	if err := m.grant(ctx, consentID, perm, now); err != nil {
		return nil, err
	}
	return c, nil
}

// usable returns the denial for a consent that cannot be used right now.
func (m *ConsentManager) usable(c *domain.Consent, now time.Time) error {
	switch {
	case c.Status == domain.ConsentRevoked:
		return domain.Errorf(domain.KindConsentRevoked, "consent %s was revoked", c.ID)
	case c.ExpiredAt(now):
		return domain.Errorf(domain.KindConsentExpired, "consent %s expired", c.ID)
	case c.Status != domain.ConsentAuthorized:
		return domain.Errorf(domain.KindConsentInvalid, "consent %s is %s", c.ID, c.Status)
	}
	return nil
}

func termsMismatch(authorized *domain.PaymentTerms, req domain.PaymentTerms) string {
	if authorized == nil {
		return ""
	}
	switch {
	case !authorized.Amount.Equal(req.Amount):
		return "amount " + req.Amount.String() + " " + req.Amount.Currency
	case !authorized.Creditor.Matches(req.Creditor):
		return "creditor"
	case req.InstructionID != "" && req.InstructionID != authorized.InstructionID:
		return "instruction id"
	case req.EndToEndID != "" && req.EndToEndID != authorized.EndToEndID:
		return "end-to-end id"
	case req.ExecutionDate != nil && authorized.ExecutionDate != nil && !req.ExecutionDate.Equal(*authorized.ExecutionDate):
		return "execution date"
	}
	return ""
}

func (m *ConsentManager) grant(ctx context.Context, consentID, perm string, now time.Time) error {
	m.metrics.IncrPermissionCheck(true)
	return m.appendAudit(ctx, consentID, domain.AuditPermissionGranted, perm, now)
}

// deny records the denial and returns it; a failed audit write wins.
func (m *ConsentManager) deny(ctx context.Context, consentID, perm string, denial error, now time.Time) error {
	m.metrics.IncrPermissionCheck(false)
	m.logger.Info("permission denied",
		zap.String("consent_id", consentID),
		zap.String("permission", perm),
		zap.String("kind", string(domain.KindOf(denial))),
	)
	if err := m.appendAudit(ctx, consentID, domain.AuditPermissionDenied, perm+": "+string(domain.KindOf(denial)), now); err != nil {
		return err
	}
	return denial
}

func isDenial(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindForbidden, domain.KindConsentRevoked, domain.KindConsentExpired,
		domain.KindConsentInvalid, domain.KindResourceConsentMismatch:
		return true
	}
	return false
}

func joinPermissions(perms []domain.Permission) string {
	s := make([]string, len(perms))
	for i, p := range perms {
		s[i] = string(p)
	}
	return strings.Join(s, "|")
}

// ============================================================
// Audit trail
// ============================================================

// AuditConsentAction appends an entry for the consent. It returns once the
// entry is committed. A zero at is stamped with the current time.
func (m *ConsentManager) AuditConsentAction(ctx context.Context, consentID string, action domain.AuditAction, detail string, at time.Time) error {
	if consentID == "" {
		return domain.Validation("consent_id", "consent id is required")
	}
	if action == "" {
		return domain.Validation("action", "audit action is required")
	}
	unlock, err := m.locks.lock(ctx, consentID)
	if err != nil {
		return err
	}
	defer unlock()

	if at.IsZero() {
		at = m.now()
	}

	if _, err := m.store.Get(ctx, consentID); err != nil {
		return err
	}
	return m.appendAudit(ctx, consentID, action, detail, at)
}

// GetConsentAuditTrail returns the consent's entries in append order.
func (m *ConsentManager) GetConsentAuditTrail(ctx context.Context, consentID string) ([]domain.ConsentAuditEntry, error) {
	if _, err := m.store.Get(ctx, consentID); err != nil {
		return nil, err
	}
	entries, err := m.audit.List(ctx, consentID)
	if err != nil {
		return nil, &domain.BankingError{Kind: domain.KindUnknown, Code: "audit", Detail: "read audit trail", Err: err}
	}
	return entries, nil
}

// appendAudit writes one entry. The caller holds the consent lock. The
// write ignores ctx cancellation.
func (m *ConsentManager) appendAudit(ctx context.Context, consentID string, action domain.AuditAction, detail string, at time.Time) error {
	entry := &domain.ConsentAuditEntry{
		ID:        ids.NewAt(at),
		ConsentID: consentID,
		Action:    action,
		Timestamp: at.UTC(),
		Detail:    detail,
	}
	if err := m.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		m.logger.Error("audit append failed",
			zap.String("consent_id", consentID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return &domain.BankingError{Kind: domain.KindUnknown, Code: "audit", Detail: "write audit entry", Err: err}
	}
	m.metrics.IncrAuditEntry(action)
	return nil
}
