package wire

import (
	"strings"
	"time"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// ============================================================
// Account-access consents
// ============================================================

// AccountAccessConsentRequestData is the body of an account access consent request.
type AccountAccessConsentRequestData struct {
	Permissions             []string `json:"Permissions"`
	ExpirationDateTime      string   `json:"ExpirationDateTime"`
	TransactionFromDateTime string   `json:"TransactionFromDateTime,omitempty"`
	TransactionToDateTime   string   `json:"TransactionToDateTime,omitempty"`
}

// ConsentData is a consent as returned by any consent endpoint.
type ConsentData struct {
	ConsentID               string         `json:"ConsentId"`
	Status                  string         `json:"Status"`
	CreationDateTime        string         `json:"CreationDateTime"`
	StatusUpdateDateTime    string         `json:"StatusUpdateDateTime"`
	Permissions             []string       `json:"Permissions,omitempty"`
	ExpirationDateTime      string         `json:"ExpirationDateTime,omitempty"`
	TransactionFromDateTime string         `json:"TransactionFromDateTime,omitempty"`
	TransactionToDateTime   string         `json:"TransactionToDateTime,omitempty"`
	Initiation              *InitiationDTO `json:"Initiation,omitempty"`
	RequestedExecution      string         `json:"RequestedExecutionDateTime,omitempty"`
}

// FromAccountAccessConsentRequest builds the consent POST body.
func FromAccountAccessConsentRequest(req domain.AccountAccessConsentRequest) Request[AccountAccessConsentRequestData] {
	perms := make([]string, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		perms = append(perms, string(p))
	}
	return NewRequest(AccountAccessConsentRequestData{
		Permissions:             perms,
		ExpirationDateTime:      FormatTime(req.ExpiresAt),
		TransactionFromDateTime: formatTimePtr(req.TransactionFrom),
		TransactionToDateTime:   formatTimePtr(req.TransactionTo),
	})
}

// ParseConsentStatus maps the bank status vocabulary, accepting both
// British and American spellings.
func ParseConsentStatus(s string) (domain.ConsentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "awaitingauthorisation", "awaitingauthorization":
		return domain.ConsentAwaitingAuthorization, nil
	case "authorised", "authorized":
		return domain.ConsentAuthorized, nil
	case "consumed":
		return domain.ConsentConsumed, nil
	case "rejected":
		return domain.ConsentRejected, nil
	case "revoked":
		return domain.ConsentRevoked, nil
	case "expired":
		return domain.ConsentExpired, nil
	}
	return "", &domain.BankingError{Kind: domain.KindUnknown, Code: "decode", Detail: "unknown consent status " + s}
}

// ToConsent maps a consent payload. syncedAt stamps LastSyncedAt.
func ToConsent(data ConsentData, bankID string, kind domain.ConsentType, syncedAt time.Time) (*domain.Consent, error) {
	if data.ConsentID == "" {
		return nil, &domain.BankingError{Kind: domain.KindUnknown, Code: "decode", Detail: "consent payload without ConsentId"}
	}
	status, err := ParseConsentStatus(data.Status)
	if err != nil {
		return nil, err
	}
	created, err := ParseTime(data.CreationDateTime)
	if err != nil {
		return nil, err
	}
	updated, err := ParseTime(data.StatusUpdateDateTime)
	if err != nil {
		return nil, err
	}
	expires, err := ParseTime(data.ExpirationDateTime)
	if err != nil {
		return nil, err
	}
	from, err := parseTimePtr(data.TransactionFromDateTime)
	if err != nil {
		return nil, err
	}
	to, err := parseTimePtr(data.TransactionToDateTime)
	if err != nil {
		return nil, err
	}

	c := &domain.Consent{
		ID:              data.ConsentID,
		BankID:          bankID,
		Type:            kind,
		Status:          status,
		CreatedAt:       created,
		StatusUpdatedAt: updated,
		ExpiresAt:       expires,
		TransactionFrom: from,
		TransactionTo:   to,
		LastSyncedAt:    syncedAt,
	}
	for _, p := range data.Permissions {
		c.Permissions = append(c.Permissions, domain.Permission(p))
	}

	if data.Initiation != nil {
		terms, err := data.Initiation.toTerms()
		if err != nil {
			return nil, err
		}
		if data.RequestedExecution != "" {
			exec, err := parseTimePtr(data.RequestedExecution)
			if err != nil {
				return nil, err
			}
			terms.ExecutionDate = exec
		}
		c.Payment = &terms
	}
	if kind.IsPayment() && len(c.Permissions) == 0 {
		c.Permissions = []domain.Permission{PaymentPermission(kind)}
	}
	return c, nil
}

// PaymentPermission is the implicit permission a payment consent grants.
func PaymentPermission(kind domain.ConsentType) domain.Permission {
	if kind == domain.ConsentScheduledPayment {
		return domain.PermInitiateScheduledPayment
	}
	return domain.PermInitiateDomesticPayment
}
