package domain

import "time"

// ConsentType distinguishes what a consent authorizes.
type ConsentType string

const (
	ConsentAccountAccess    ConsentType = "AccountAccess"
	ConsentDomesticPayment  ConsentType = "DomesticPayment"
	ConsentScheduledPayment ConsentType = "DomesticScheduledPayment"
)

// IsPayment reports whether the consent authorizes a payment.
func (t ConsentType) IsPayment() bool {
	return t == ConsentDomesticPayment || t == ConsentScheduledPayment
}

// ConsentStatus is the bank-confirmed lifecycle state of a consent.
type ConsentStatus string

const (
	ConsentAwaitingAuthorization ConsentStatus = "AwaitingAuthorization"
	ConsentAuthorized            ConsentStatus = "Authorized"
	ConsentConsumed              ConsentStatus = "Consumed"
	ConsentExpired               ConsentStatus = "Expired"
	ConsentRejected              ConsentStatus = "Rejected"
	ConsentRevoked               ConsentStatus = "Revoked"
)

// IsTerminal reports whether no further transition is permitted.
func (s ConsentStatus) IsTerminal() bool {
	switch s {
	case ConsentConsumed, ConsentExpired, ConsentRejected, ConsentRevoked:
		return true
	}
	return false
}

var consentTransitions = map[ConsentStatus][]ConsentStatus{
	ConsentAwaitingAuthorization: {ConsentAuthorized, ConsentRejected, ConsentExpired, ConsentRevoked},
	ConsentAuthorized:            {ConsentConsumed, ConsentExpired, ConsentRejected, ConsentRevoked},
}

// CanTransition reports whether moving from s to next follows the lifecycle.
func (s ConsentStatus) CanTransition(next ConsentStatus) bool {
	for _, allowed := range consentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Permission is an Open Banking data cluster permission code.
type Permission string

const (
	PermReadAccountsBasic          Permission = "ReadAccountsBasic"
	PermReadAccountsDetail         Permission = "ReadAccountsDetail"
	PermReadBalances               Permission = "ReadBalances"
	PermReadTransactionsBasic      Permission = "ReadTransactionsBasic"
	PermReadTransactionsDetail     Permission = "ReadTransactionsDetail"
	PermReadTransactionsCredits    Permission = "ReadTransactionsCredits"
	PermReadTransactionsDebits     Permission = "ReadTransactionsDebits"
	PermReadStandingOrdersBasic    Permission = "ReadStandingOrdersBasic"
	PermReadStandingOrdersDetail   Permission = "ReadStandingOrdersDetail"
	PermReadDirectDebits           Permission = "ReadDirectDebits"
	PermReadStatementsBasic        Permission = "ReadStatementsBasic"
	PermReadStatementsDetail       Permission = "ReadStatementsDetail"
	PermReadScheduledPaymentsBasic Permission = "ReadScheduledPaymentsBasic"

	// Implicit grants carried by payment consents.
	PermInitiateDomesticPayment  Permission = "InitiateDomesticPayment"
	PermInitiateScheduledPayment Permission = "InitiateDomesticScheduledPayment"
)

var accountPermissions = map[Permission]bool{
	PermReadAccountsBasic:          true,
	PermReadAccountsDetail:         true,
	PermReadBalances:               true,
	PermReadTransactionsBasic:      true,
	PermReadTransactionsDetail:     true,
	PermReadTransactionsCredits:    true,
	PermReadTransactionsDebits:     true,
	PermReadStandingOrdersBasic:    true,
	PermReadStandingOrdersDetail:   true,
	PermReadDirectDebits:           true,
	PermReadStatementsBasic:        true,
	PermReadStatementsDetail:       true,
	PermReadScheduledPaymentsBasic: true,
}

// IsAccountPermission reports whether p may be requested in an account-access consent.
func IsAccountPermission(p Permission) bool {
	return accountPermissions[p]
}

// Consent is the locally held record of a bank consent.
type Consent struct {
	ID              string        `json:"consent_id"`
	BankID          string        `json:"bank_id"`
	Type            ConsentType   `json:"type"`
	Status          ConsentStatus `json:"status"`
	Permissions     []Permission  `json:"permissions"`
	CreatedAt       time.Time     `json:"created_at"`
	StatusUpdatedAt time.Time     `json:"status_updated_at"`
	ExpiresAt       time.Time     `json:"expires_at,omitempty"`
	TransactionFrom *time.Time    `json:"transaction_from,omitempty"`
	TransactionTo   *time.Time    `json:"transaction_to,omitempty"`
	Payment         *PaymentTerms `json:"payment,omitempty"`
	LastSyncedAt    time.Time     `json:"last_synced_at"`
}

// HasPermission reports whether p was granted in the consent.
func (c *Consent) HasPermission(p Permission) bool {
	for _, granted := range c.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

// ExpiredAt reports whether the stored expiry has passed.
func (c *Consent) ExpiredAt(now time.Time) bool {
	if c.Status == ConsentExpired {
		return true
	}
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Clone returns a deep copy safe to hand across goroutines.
func (c *Consent) Clone() *Consent {
	out := *c
	out.Permissions = append([]Permission(nil), c.Permissions...)
	if c.TransactionFrom != nil {
		t := *c.TransactionFrom
		out.TransactionFrom = &t
	}
	if c.TransactionTo != nil {
		t := *c.TransactionTo
		out.TransactionTo = &t
	}
	if c.Payment != nil {
		p := *c.Payment
		if c.Payment.ExecutionDate != nil {
			d := *c.Payment.ExecutionDate
			p.ExecutionDate = &d
		}
		out.Payment = &p
	}
	return &out
}

// PaymentTerms are the instruction fields a payment consent was authorized for.
type PaymentTerms struct {
	InstructionID string     `json:"instruction_id"`
	EndToEndID    string     `json:"end_to_end_id"`
	Amount        Amount     `json:"amount"`
	Creditor      Creditor   `json:"creditor"`
	Reference     string     `json:"reference,omitempty"`
	ExecutionDate *time.Time `json:"execution_date,omitempty"`
}

// AccountAccessConsentRequest asks the bank for read access.
type AccountAccessConsentRequest struct {
	Permissions     []Permission
	ExpiresAt       time.Time
	TransactionFrom *time.Time
	TransactionTo   *time.Time
}

// PaymentConsentRequest asks the bank to authorize one payment instruction.
// A non-nil ExecutionDate makes it a scheduled-payment consent.
type PaymentConsentRequest struct {
	Terms PaymentTerms
}

// ConsentRevocation is the outcome of a revoke call.
type ConsentRevocation struct {
	ConsentID       string        `json:"consent_id"`
	Status          ConsentStatus `json:"status"`
	RevokedAt       time.Time     `json:"revoked_at"`
	AlreadyTerminal bool          `json:"already_terminal"`
}

// AuditAction names a consent audit event.
type AuditAction string

const (
	AuditCreated           AuditAction = "created"
	AuditStatusChanged     AuditAction = "status_changed"
	AuditSynced            AuditAction = "synced"
	AuditRevoked           AuditAction = "revoked"
	AuditRevokeNoop        AuditAction = "revoke_noop"
	AuditPermissionGranted AuditAction = "permission_granted"
	AuditPermissionDenied  AuditAction = "permission_denied"
	AuditConsumed          AuditAction = "consumed"
	AuditAuthorization     AuditAction = "authorization_completed"
	AuditAuthorizationFail AuditAction = "authorization_failed"
)

// ConsentAuditEntry is an immutable audit record. Sequence is assigned by the log.
type ConsentAuditEntry struct {
	ID        string      `json:"id"`
	ConsentID string      `json:"consent_id"`
	Sequence  int64       `json:"sequence"`
	Action    AuditAction `json:"action"`
	Timestamp time.Time   `json:"timestamp"`
	Detail    string      `json:"detail"`
}
