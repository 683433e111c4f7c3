package domain

import (
	"strings"
	"time"
)

// ExpirySafetyMargin is how long before expiry a token is treated as due for refresh.
const ExpirySafetyMargin = 5 * time.Minute

// Scope tokens understood by the client.
const (
	ScopeOpenID   = "openid"
	ScopeAccounts = "accounts"
	ScopePayments = "payments"
)

var knownScopes = map[string]bool{
	ScopeOpenID:   true,
	ScopeAccounts: true,
	ScopePayments: true,
}

// IsKnownScope reports whether s is a scope token the client can request.
func IsKnownScope(s string) bool {
	return knownScopes[s]
}

// SplitScope splits a space-separated scope string, dropping empty tokens.
func SplitScope(scope string) []string {
	return strings.Fields(scope)
}

// AuthenticationToken is an OAuth 2.0 access token with its metadata.
type AuthenticationToken struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

// ValidAt reports whether the token can be presented at instant now.
func (t *AuthenticationToken) ValidAt(now time.Time) bool {
	return t != nil && t.AccessToken != "" && !t.ExpiresAt.IsZero() && now.Before(t.ExpiresAt)
}

// ExpiringSoonAt reports whether less than ExpirySafetyMargin of lifetime remains.
func (t *AuthenticationToken) ExpiringSoonAt(now time.Time) bool {
	if t == nil {
		return true
	}
	return t.ExpiresAt.Sub(now) < ExpirySafetyMargin
}

// CanRefresh reports whether a refresh grant is possible.
func (t *AuthenticationToken) CanRefresh() bool {
	return t != nil && t.RefreshToken != ""
}

// ParRequest is the bank's answer to a pushed authorization request.
type ParRequest struct {
	RequestURI string    `json:"request_uri"`
	ExpiresAt  time.Time `json:"expires_at"`
	State      string    `json:"state"`
}

// PkceChallenge binds an authorization code to this client. Verifier never leaves the process.
type PkceChallenge struct {
	Verifier  string `json:"-"`
	Challenge string `json:"code_challenge"`
	Method    string `json:"code_challenge_method"`
}

// ParParams carries the inputs of a pushed authorization request.
type ParParams struct {
	ClientID    string
	RedirectURI string
	Scope       string
	State       string
	Nonce       string
	IntentID    string
	Pkce        *PkceChallenge
}

// AuthState tracks the user token lifecycle.
type AuthState string

const (
	AuthNoToken       AuthState = "NoToken"
	AuthPending       AuthState = "Pending"
	AuthAuthorized    AuthState = "Authorized"
	AuthActive        AuthState = "Active"
	AuthRefreshWindow AuthState = "RefreshWindow"
	AuthExpired       AuthState = "Expired"
)
