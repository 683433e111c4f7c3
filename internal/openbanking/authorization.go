package openbanking

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

var tracer = otel.Tracer("openbanking")

// authSession is what survives the browser round trip, keyed by state.
type authSession struct {
	consentID string
	verifier  string
	startedAt time.Time
}

// Authorization is handed to the caller to redirect the user.
type Authorization struct {
	URL       string    `json:"url"`
	State     string    `json:"state"`
	ConsentID string    `json:"consent_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthorizationResult reports a completed redirect.
type AuthorizationResult struct {
	ConsentID string               `json:"consent_id"`
	Status    domain.ConsentStatus `json:"status"`
	AuthState domain.AuthState     `json:"auth_state"`
}

// StartAuthorization pushes an authorization request for consentID and
// returns the URL the user must visit. The scope follows the consent type.
func (c *Client) StartAuthorization(ctx context.Context, consentID string) (*Authorization, error) {
	ctx, span := tracer.Start(ctx, "Client.StartAuthorization")
	defer span.End()

	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	consent, err := conn.consents.Consent(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if consent.Status != domain.ConsentAwaitingAuthorization {
		return nil, domain.Errorf(domain.KindInvalidState, "consent %s is %s, not awaiting authorization", consentID, consent.Status)
	}

	scope := "openid accounts"
	if consent.Type.IsPayment() {
		scope = "openid payments"
	}
	span.SetAttributes(attribute.String("consent.type", string(consent.Type)))

	pkce, err := conn.auth.GeneratePkceChallenge()
	if err != nil {
		return nil, err
	}
	state := oauth2.GenerateVerifier()
	par, err := conn.auth.InitiateParRequest(ctx, domain.ParParams{
		ClientID:    conn.bank.ClientID,
		RedirectURI: conn.bank.RedirectURI,
		Scope:       scope,
		State:       state,
		IntentID:    consentID,
		Pkce:        pkce,
	})
	if err != nil {
		return nil, err
	}
	authURL, err := conn.auth.GenerateAuthorizationURL(par.RequestURI, conn.bank.ClientID)
	if err != nil {
		return nil, err
	}

	conn.sessions.Set(state, &authSession{consentID: consentID, verifier: pkce.Verifier, startedAt: time.Now()})
	conn.userTokens.MarkPending()

	c.logger.Info("authorization started",
		zap.String("consent_id", consentID),
		zap.String("scope", scope),
		zap.Time("par_expires_at", par.ExpiresAt),
	)
	return &Authorization{URL: authURL, State: state, ConsentID: consentID, ExpiresAt: par.ExpiresAt}, nil
}

// CompleteAuthorization finishes the redirect identified by state: it
// exchanges the code, stores the user token, and syncs the consent. A
// state is accepted once.
func (c *Client) CompleteAuthorization(ctx context.Context, state, code string) (*AuthorizationResult, error) {
	ctx, span := tracer.Start(ctx, "Client.CompleteAuthorization")
	defer span.End()

	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	session, ok := conn.sessions.Pop(state)
	if !ok {
		return nil, domain.Validation("state", "unknown or expired authorization state")
	}
	if code == "" {
		return nil, domain.Validation("code", "authorization code is required")
	}

	tok, err := conn.auth.ExchangeCodeForToken(ctx, code, session.verifier, conn.bank.ClientID, conn.bank.RedirectURI)
	if err != nil {
		return nil, err
	}
	if err := conn.userTokens.MarkAuthorized(ctx, tok); err != nil {
		return nil, err
	}

	status := domain.ConsentAwaitingAuthorization
	if synced, err := conn.consents.SyncConsent(ctx, session.consentID); err != nil {
		c.logger.Warn("sync consent after authorization",
			zap.String("consent_id", session.consentID),
			zap.Error(err),
		)
	} else {
		status = synced.Status
	}

	detail := "redirect completed in " + time.Since(session.startedAt).Round(time.Second).String()
	if err := conn.consents.AuditConsentAction(ctx, session.consentID, domain.AuditAuthorization, detail, time.Time{}); err != nil {
		return nil, err
	}

	return &AuthorizationResult{
		ConsentID: session.consentID,
		Status:    status,
		AuthState: conn.userTokens.State(),
	}, nil
}

// FailAuthorization records a redirect that came back with an OAuth error
// instead of a code, e.g. access_denied. The state is consumed.
func (c *Client) FailAuthorization(ctx context.Context, state, errCode, description string) (*AuthorizationResult, error) {
	ctx, span := tracer.Start(ctx, "Client.FailAuthorization")
	defer span.End()

	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	session, ok := conn.sessions.Pop(state)
	if !ok {
		return nil, domain.Validation("state", "unknown or expired authorization state")
	}
	conn.userTokens.CancelPending()
	span.SetAttributes(attribute.String("oauth.error", errCode))

	status := domain.ConsentAwaitingAuthorization
	if synced, err := conn.consents.SyncConsent(ctx, session.consentID); err != nil {
		c.logger.Warn("sync consent after failed authorization",
			zap.String("consent_id", session.consentID),
			zap.Error(err),
		)
	} else {
		status = synced.Status
	}

	detail := errCode
	if description != "" {
		detail += ": " + description
	}
	if err := conn.consents.AuditConsentAction(ctx, session.consentID, domain.AuditAuthorizationFail, detail, time.Time{}); err != nil {
		return nil, err
	}
	c.logger.Warn("authorization failed",
		zap.String("consent_id", session.consentID),
		zap.String("error", errCode),
	)
	return &AuthorizationResult{
		ConsentID: session.consentID,
		Status:    status,
		AuthState: conn.userTokens.State(),
	}, nil
}
