package domain

import (
	"strings"
	"time"
)

// Defaults applied to bank entries that leave a field unset.
const (
	DefaultMaxConsentDuration = 90 * 24 * time.Hour
	DefaultStalenessWindow    = 5 * time.Minute
	DefaultRequestTimeout     = 30 * time.Second
	DefaultParLifetime        = 90 * time.Second
	DefaultTokenLifetime      = time.Hour
)

// BankConfig is everything the client needs to talk to one bank.
type BankConfig struct {
	ID      string `koanf:"id" validate:"required"`
	Name    string `koanf:"name"`
	BaseURL string `koanf:"baseUrl" validate:"required,url,startswith=https://"`

	Issuer                string `koanf:"issuer"`
	AuthorizationEndpoint string `koanf:"authorizationEndpoint" validate:"required"`
	ParEndpoint           string `koanf:"parEndpoint" validate:"required"`
	TokenEndpoint         string `koanf:"tokenEndpoint" validate:"required"`

	ClientID     string `koanf:"clientId" validate:"required"`
	ClientSecret string `koanf:"clientSecret"`
	RedirectURI  string `koanf:"redirectUri" validate:"required,url"`

	Scopes      []string     `koanf:"scopes" validate:"required,min=1,dive,oneof=openid accounts payments"`
	Permissions []Permission `koanf:"permissions"`

	CertificateFingerprints []string `koanf:"certificateFingerprints"`

	SupportedCurrencies         []string      `koanf:"supportedCurrencies" validate:"required,min=1,dive,len=3"`
	MaxTransactionAmount        string        `koanf:"maxTransactionAmount" validate:"required,numeric"`
	MaxConsentDuration          time.Duration `koanf:"maxConsentDuration"`
	StalenessWindow             time.Duration `koanf:"stalenessWindow"`
	RequiresPaymentConfirmation bool          `koanf:"requiresPaymentConfirmation"`
	// TokenLifetime applies to token responses that omit expires_in.
	TokenLifetime time.Duration `koanf:"tokenLifetime"`

	RateLimit RateLimitConfig `koanf:"rateLimit"`
	Signing   SigningConfig   `koanf:"signing"`
}

// RateLimitConfig is the bank's published tier for this client.
type RateLimitConfig struct {
	RequestsPerSecond float64       `koanf:"requestsPerSecond" validate:"gte=0"`
	Burst             int           `koanf:"burst" validate:"gte=0"`
	Timeout           time.Duration `koanf:"timeout"`
	MaxRetries        int           `koanf:"maxRetries" validate:"gte=0"`
	InitialBackoff    time.Duration `koanf:"initialBackoff"`
	MaxRetryAfter     time.Duration `koanf:"maxRetryAfter"`
	MaxConcurrency    int           `koanf:"maxConcurrency" validate:"gte=0"`
}

// SigningConfig locates the key used for request objects and client assertions.
type SigningConfig struct {
	KeyID          string `koanf:"keyId"`
	PrivateKeyPEM  string `koanf:"privateKeyPem"`
	PrivateKeyFile string `koanf:"privateKeyFile"`
}

// Configured reports whether a signing key was supplied.
func (s SigningConfig) Configured() bool {
	return s.PrivateKeyPEM != "" || s.PrivateKeyFile != ""
}

// PinningEnabled reports whether at least one fingerprint is configured.
func (c *BankConfig) PinningEnabled() bool {
	return len(c.CertificateFingerprints) > 0
}

// SupportsCurrency reports whether payments in currency are accepted.
func (c *BankConfig) SupportsCurrency(currency string) bool {
	for _, cur := range c.SupportedCurrencies {
		if strings.EqualFold(cur, currency) {
			return true
		}
	}
	return false
}

// HasScope reports whether scope was registered for this client.
func (c *BankConfig) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasPermission reports whether p was registered for this client.
// An empty registration list admits every account permission.
func (c *BankConfig) HasPermission(p Permission) bool {
	if len(c.Permissions) == 0 {
		return IsAccountPermission(p)
	}
	for _, r := range c.Permissions {
		if r == p {
			return true
		}
	}
	return false
}

// TransactionLimit returns the per-transaction maximum in currency.
func (c *BankConfig) TransactionLimit(currency string) (Amount, error) {
	return ParseAmount(c.MaxTransactionAmount, currency)
}

// Endpoint resolves a path or absolute URL against BaseURL.
func (c *BankConfig) Endpoint(path string) string {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		return path
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Audience is the value used as aud in client assertions.
func (c *BankConfig) Audience() string {
	if c.Issuer != "" {
		return c.Issuer
	}
	return c.BaseURL
}

// ApplyDefaults fills unset durations and limits.
func (c *BankConfig) ApplyDefaults() {
	if c.MaxConsentDuration <= 0 {
		c.MaxConsentDuration = DefaultMaxConsentDuration
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = DefaultStalenessWindow
	}
	if c.TokenLifetime <= 0 {
		c.TokenLifetime = DefaultTokenLifetime
	}
	if c.RateLimit.Timeout <= 0 {
		c.RateLimit.Timeout = DefaultRequestTimeout
	}
	if c.RateLimit.InitialBackoff <= 0 {
		c.RateLimit.InitialBackoff = 200 * time.Millisecond
	}
	if c.RateLimit.MaxRetryAfter <= 0 {
		c.RateLimit.MaxRetryAfter = 2 * time.Minute
	}
	if c.RateLimit.MaxConcurrency <= 0 {
		c.RateLimit.MaxConcurrency = 16
	}
	if c.RateLimit.Burst <= 0 && c.RateLimit.RequestsPerSecond > 0 {
		c.RateLimit.Burst = 1
	}
}

// ClientStats is a point-in-time view of client counters.
type ClientStats struct {
	BankRequests        float64            `json:"bank_requests"`
	BankErrors          map[string]float64 `json:"bank_errors"`
	TokenRefreshes      float64            `json:"token_refreshes"`
	TokenRefreshFailure float64            `json:"token_refresh_failures"`
	ConsentTransitions  map[string]float64 `json:"consent_transitions"`
	AuditEntries        float64            `json:"audit_entries"`
	PermissionDenials   float64            `json:"permission_denials"`
}
