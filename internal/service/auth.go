// Package service implements the Open Banking flows: FAPI authentication,
// token lifecycle, consent management, account reads and payments.
package service

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/wire"
	"github.com/boddenberg/ob-client-go/internal/port"
)

var authTracer = otel.Tracer("service/auth")

const (
	pkceMethodS256      = "S256"
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// AuthService talks OAuth 2.0 / FAPI to one bank's authorization server.
type AuthService struct {
	bank      *domain.BankConfig
	transport port.BankTransport
	signer    port.Signer
	logger    *zap.Logger
	now       func() time.Time
}

// NewAuthService creates the auth service. A nil signer falls back to
// client_secret_post client authentication.
func NewAuthService(bank *domain.BankConfig, transport port.BankTransport, signer port.Signer, logger *zap.Logger) *AuthService {
	return &AuthService{
		bank:      bank,
		transport: transport,
		signer:    signer,
		logger:    logger,
		now:       time.Now,
	}
}

// ============================================================
// PAR + PKCE
// ============================================================

// InitiateParRequest pushes the authorization request to the bank and
// returns the request_uri to redirect the user with.
func (s *AuthService) InitiateParRequest(ctx context.Context, p domain.ParParams) (*domain.ParRequest, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.InitiateParRequest")
	defer span.End()

	clientID, err := s.checkClient(p.ClientID)
	if err != nil {
		return nil, err
	}
	if p.RedirectURI != s.bank.RedirectURI {
		return nil, domain.Validation("redirect_uri", "redirect uri does not match the registered one")
	}
	if err := s.checkScope(p.Scope); err != nil {
		return nil, err
	}
	if p.Pkce == nil || p.Pkce.Challenge == "" {
		return nil, domain.Validation("code_challenge", "PKCE challenge is required")
	}
	if p.Pkce.Method != pkceMethodS256 {
		return nil, domain.Validation("code_challenge_method", "only S256 is supported")
	}

	state := p.State
	if state == "" {
		state = oauth2.GenerateVerifier()
	}
	nonce := p.Nonce
	if nonce == "" {
		nonce = oauth2.GenerateVerifier()
	}
	span.SetAttributes(attribute.String("oauth.scope", p.Scope))

	params := map[string]any{
		"iss":                   clientID,
		"aud":                   s.bank.Audience(),
		"response_type":         "code",
		"client_id":             clientID,
		"redirect_uri":          p.RedirectURI,
		"scope":                 p.Scope,
		"state":                 state,
		"nonce":                 nonce,
		"code_challenge":        p.Pkce.Challenge,
		"code_challenge_method": p.Pkce.Method,
	}
	if p.IntentID != "" {
		intent := map[string]any{
			"openbanking_intent_id": map[string]any{"value": p.IntentID, "essential": true},
		}
		params["claims"] = map[string]any{"id_token": intent, "userinfo": intent}
	}

	form := url.Values{}
	if s.signer != nil {
		requestObject, err := s.signer.RequestObject(params)
		if err != nil {
			return nil, err
		}
		form.Set("request", requestObject)
	} else {
		for _, k := range []string{"response_type", "redirect_uri", "scope", "state", "nonce", "code_challenge", "code_challenge_method"} {
			form.Set(k, params[k].(string))
		}
	}
	if err := s.authenticateClient(form, clientID, ""); err != nil {
		return nil, err
	}

	resp, err := s.transport.Do(ctx, &port.BankRequest{
		Operation: "par",
		Method:    http.MethodPost,
		Path:      s.bank.ParEndpoint,
		Form:      form,
	})
	if err != nil {
		return nil, err
	}

	var pr wire.ParResponse
	if err := wire.DecodeInto(resp.Body, &pr); err != nil {
		return nil, err
	}
	par, err := pr.ToParRequest(state, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("PAR accepted",
		zap.String("bank_id", s.bank.ID),
		zap.Time("expires_at", par.ExpiresAt),
		zap.String("interaction_id", resp.InteractionID),
	)
	return par, nil
}

// GeneratePkceChallenge creates a fresh S256 verifier/challenge pair.
func (s *AuthService) GeneratePkceChallenge() (*domain.PkceChallenge, error) {
	verifier := oauth2.GenerateVerifier()
	return &domain.PkceChallenge{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    pkceMethodS256,
	}, nil
}

// GenerateAuthorizationURL builds the front-channel URL for a pushed request.
func (s *AuthService) GenerateAuthorizationURL(requestURI, clientID string) (string, error) {
	if requestURI == "" {
		return "", domain.Validation("request_uri", "request uri is required")
	}
	if clientID == "" {
		return "", domain.Validation("client_id", "client id is required")
	}
	u, err := url.Parse(s.bank.AuthorizationEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", domain.Validation("authorization_endpoint", "authorization endpoint is not an absolute url")
	}
	q := u.Query()
	q.Set("client_id", clientID)
	q.Set("request_uri", requestURI)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ============================================================
// Token endpoint grants
// ============================================================

// ExchangeCodeForToken redeems an authorization code. Never retried: a
// code is single use.
func (s *AuthService) ExchangeCodeForToken(ctx context.Context, code, codeVerifier, clientID, redirectURI string) (*domain.AuthenticationToken, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.ExchangeCodeForToken")
	defer span.End()

	if code == "" {
		return nil, domain.Validation("code", "authorization code is required")
	}
	if !validVerifier(codeVerifier) {
		return nil, domain.Validation("code_verifier", "code verifier must be 43-128 unreserved characters")
	}
	clientID, err := s.checkClient(clientID)
	if err != nil {
		return nil, err
	}
	if redirectURI != s.bank.RedirectURI {
		return nil, domain.Validation("redirect_uri", "redirect uri does not match the registered one")
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {codeVerifier},
	}
	if err := s.authenticateClient(form, clientID, ""); err != nil {
		return nil, err
	}
	return s.tokenCall(ctx, "token.authorization_code", form, true)
}

// ClientCredentialsGrant obtains an application token, used for consent
// management and payment status reads.
func (s *AuthService) ClientCredentialsGrant(ctx context.Context, clientID, clientSecret, scope string) (*domain.AuthenticationToken, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.ClientCredentialsGrant")
	defer span.End()

	clientID, err := s.checkClient(clientID)
	if err != nil {
		return nil, err
	}
	if err := s.checkScope(scope); err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {scope},
	}
	if err := s.authenticateClient(form, clientID, clientSecret); err != nil {
		return nil, err
	}
	return s.tokenCall(ctx, "token.client_credentials", form, false)
}

// RefreshToken redeems a refresh token. InvalidGrant is terminal for the
// session; the caller must restart authorization.
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken, clientID string) (*domain.AuthenticationToken, error) {
	ctx, span := authTracer.Start(ctx, "AuthService.RefreshToken")
	defer span.End()

	if refreshToken == "" {
		return nil, domain.Validation("refresh_token", "refresh token is required")
	}
	clientID, err := s.checkClient(clientID)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if err := s.authenticateClient(form, clientID, ""); err != nil {
		return nil, err
	}
	tok, err := s.tokenCall(ctx, "token.refresh", form, true)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

// IsTokenValid reports whether token can be presented now.
func (s *AuthService) IsTokenValid(token *domain.AuthenticationToken) bool {
	return token.ValidAt(s.now())
}

// IsTokenExpiringSoon reports whether token is inside the refresh margin.
func (s *AuthService) IsTokenExpiringSoon(token *domain.AuthenticationToken) bool {
	return token.ExpiringSoonAt(s.now())
}

// ============================================================
// Helpers
// ============================================================

func (s *AuthService) tokenCall(ctx context.Context, op string, form url.Values, noRetry bool) (*domain.AuthenticationToken, error) {
	resp, err := s.transport.Do(ctx, &port.BankRequest{
		Operation: op,
		Method:    http.MethodPost,
		Path:      s.bank.TokenEndpoint,
		Form:      form,
		NoRetry:   noRetry,
	})
	if err != nil {
		s.logger.Warn("token request failed",
			zap.String("bank_id", s.bank.ID),
			zap.String("grant", form.Get("grant_type")),
			zap.String("kind", string(domain.KindOf(err))),
		)
		return nil, err
	}

	var tr wire.TokenResponse
	if err := wire.DecodeInto(resp.Body, &tr); err != nil {
		return nil, err
	}
	return tr.ToToken(s.now(), s.bank.TokenLifetime)
}

// checkClient defaults an empty client id and rejects a foreign one.
func (s *AuthService) checkClient(clientID string) (string, error) {
	if clientID == "" {
		return s.bank.ClientID, nil
	}
	if clientID != s.bank.ClientID {
		return "", domain.Validation("client_id", "client id is not registered with this bank")
	}
	return clientID, nil
}

// checkScope accepts only known scope tokens that were registered for the client.
func (s *AuthService) checkScope(scope string) error {
	tokens := domain.SplitScope(scope)
	if len(tokens) == 0 {
		return domain.Validation("scope", "scope is required")
	}
	for _, tok := range tokens {
		if !domain.IsKnownScope(tok) {
			return domain.Validation("scope", "unknown scope "+tok)
		}
		if !s.bank.HasScope(tok) {
			return &domain.BankingError{
				Kind:   domain.KindInsufficientScope,
				Code:   "scope",
				Detail: "scope " + tok + " is not registered for this client",
			}
		}
	}
	return nil
}

// authenticateClient adds private_key_jwt when a signer is configured,
// otherwise client_secret_post.
func (s *AuthService) authenticateClient(form url.Values, clientID, secret string) error {
	form.Set("client_id", clientID)
	if s.signer != nil {
		assertion, err := s.signer.ClientAssertion(clientID, s.bank.Audience())
		if err != nil {
			return err
		}
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)
		return nil
	}
	if secret == "" {
		secret = s.bank.ClientSecret
	}
	if secret == "" {
		return domain.NewError(domain.KindInvalidClient, "no signing key or client secret configured")
	}
	form.Set("client_secret", secret)
	return nil
}

// validVerifier checks RFC 7636 length and alphabet.
func validVerifier(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	return strings.IndexFunc(v, func(r rune) bool {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		case r == '-' || r == '.' || r == '_' || r == '~':
			return false
		}
		return true
	}) < 0
}
