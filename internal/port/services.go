package port

import (
	"context"
	"time"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// Authenticator is the OAuth/FAPI surface exposed to the application.
type Authenticator interface {
	InitiateParRequest(ctx context.Context, params domain.ParParams) (*domain.ParRequest, error)
	GeneratePkceChallenge() (*domain.PkceChallenge, error)
	GenerateAuthorizationURL(requestURI, clientID string) (string, error)
	ExchangeCodeForToken(ctx context.Context, code, codeVerifier, clientID, redirectURI string) (*domain.AuthenticationToken, error)
	ClientCredentialsGrant(ctx context.Context, clientID, clientSecret, scope string) (*domain.AuthenticationToken, error)
	RefreshToken(ctx context.Context, refreshToken, clientID string) (*domain.AuthenticationToken, error)
	IsTokenValid(token *domain.AuthenticationToken) bool
	IsTokenExpiringSoon(token *domain.AuthenticationToken) bool
}

// Consents is the consent lifecycle surface.
type Consents interface {
	PermissionChecker
	CreateAccountAccessConsent(ctx context.Context, req domain.AccountAccessConsentRequest) (*domain.Consent, error)
	CreatePaymentConsent(ctx context.Context, req domain.PaymentConsentRequest) (*domain.Consent, error)
	GetConsentStatus(ctx context.Context, consentID string) (domain.ConsentStatus, error)
	RevokeConsent(ctx context.Context, consentID string) (*domain.ConsentRevocation, error)
	IsConsentExpired(ctx context.Context, consentID string) (bool, error)
	HasPermission(ctx context.Context, consentID string, perm domain.Permission) (bool, error)
	AuditConsentAction(ctx context.Context, consentID string, action domain.AuditAction, detail string, at time.Time) error
	GetConsentAuditTrail(ctx context.Context, consentID string) ([]domain.ConsentAuditEntry, error)
}

// Accounts is the consented read surface.
type Accounts interface {
	GetAccounts(ctx context.Context, consentID string) ([]domain.Account, error)
	GetAccountDetails(ctx context.Context, consentID, accountID string) (*domain.AccountDetails, error)
	GetAccountBalances(ctx context.Context, consentID, accountID string) ([]domain.Balance, error)
	GetTransactions(ctx context.Context, consentID string, q domain.TransactionQuery) (*domain.TransactionResponse, error)
	GetStandingOrders(ctx context.Context, consentID, accountID string) ([]domain.StandingOrder, error)
	GetDirectDebits(ctx context.Context, consentID, accountID string) ([]domain.DirectDebit, error)
	GetStatements(ctx context.Context, consentID, accountID string) ([]domain.Statement, error)
}

// Payments is the payment initiation surface.
type Payments interface {
	InitiateDomesticPayment(ctx context.Context, req *domain.DomesticPaymentRequest) (*domain.PaymentInitiationResponse, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (domain.PaymentStatus, error)
	CreateScheduledPayment(ctx context.Context, req *domain.ScheduledPaymentRequest) (*domain.ScheduledPayment, error)
	GetScheduledPayment(ctx context.Context, scheduledPaymentID string) (*domain.ScheduledPayment, error)
	CancelScheduledPayment(ctx context.Context, scheduledPaymentID string) (*domain.ScheduledPayment, error)
	ConfirmPayment(ctx context.Context, paymentID, confirmationCode string) (*domain.PaymentConfirmation, error)
	ValidatePaymentLimits(amount domain.Amount) domain.PaymentLimitsValidation
}
