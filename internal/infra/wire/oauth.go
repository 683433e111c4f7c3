package wire

import (
	"time"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// TokenResponse is the RFC 6749 token endpoint body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// ToToken stamps the token with absolute times relative to now. A response
// without a positive expires_in lives for fallback.
func (r TokenResponse) ToToken(now time.Time, fallback time.Duration) (*domain.AuthenticationToken, error) {
	if r.AccessToken == "" {
		return nil, &domain.BankingError{Kind: domain.KindUnknown, Code: "decode", Detail: "token response without access_token"}
	}
	lifetime := fallback
	if r.ExpiresIn > 0 {
		lifetime = time.Duration(r.ExpiresIn) * time.Second
	}
	if lifetime <= 0 {
		return nil, &domain.BankingError{Kind: domain.KindUnknown, Code: "decode", Detail: "token response without expires_in"}
	}
	tokenType := r.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &domain.AuthenticationToken{
		AccessToken:  r.AccessToken,
		TokenType:    tokenType,
		ExpiresAt:    now.Add(lifetime),
		RefreshToken: r.RefreshToken,
		Scope:        r.Scope,
		IssuedAt:     now,
	}, nil
}

// ParResponse is the RFC 9126 pushed authorization response.
type ParResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}

// ToParRequest converts the response; a missing lifetime defaults to 90 seconds.
func (r ParResponse) ToParRequest(state string, now time.Time) (*domain.ParRequest, error) {
	if r.RequestURI == "" {
		return nil, &domain.BankingError{Kind: domain.KindUnknown, Code: "decode", Detail: "PAR response without request_uri"}
	}
	lifetime := domain.DefaultParLifetime
	if r.ExpiresIn > 0 {
		lifetime = time.Duration(r.ExpiresIn) * time.Second
	}
	return &domain.ParRequest{RequestURI: r.RequestURI, ExpiresAt: now.Add(lifetime), State: state}, nil
}

// ErrorBody covers both the OAuth error shape and the Open Banking error shape.
type ErrorBody struct {
	Error            string          `json:"error,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
	Code             string          `json:"Code,omitempty"`
	ID               string          `json:"Id,omitempty"`
	Message          string          `json:"Message,omitempty"`
	Errors           []ErrorEntryDTO `json:"Errors,omitempty"`
}

// ErrorEntryDTO is one entry of an Open Banking Errors array.
type ErrorEntryDTO struct {
	ErrorCode string `json:"ErrorCode"`
	Message   string `json:"Message"`
	Path      string `json:"Path,omitempty"`
}
