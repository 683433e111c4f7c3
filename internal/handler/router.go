package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/observability"
	"github.com/boddenberg/ob-client-go/internal/openbanking"
	"github.com/boddenberg/ob-client-go/internal/port"
)

var tracer = otel.Tracer("handler")

// Authorizer is the part of the Open Banking client the HTTP surface drives.
type Authorizer interface {
	IsConfigured() bool
	IsCertificatePinningEnabled() bool
	BankID() string
	AuthState() domain.AuthState
	StartAuthorization(ctx context.Context, consentID string) (*openbanking.Authorization, error)
	CompleteAuthorization(ctx context.Context, state, code string) (*openbanking.AuthorizationResult, error)
	FailAuthorization(ctx context.Context, state, errCode, description string) (*openbanking.AuthorizationResult, error)
	Consents() port.Consents
	Stats() *domain.ClientStats
}

// NewRouter creates the HTTP router: the OAuth redirect endpoints the bank
// sends users back to, plus operational endpoints. opsToken guards the
// inspection routes; empty leaves them open.
func NewRouter(ob Authorizer, metrics *observability.Metrics, opsToken string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(ob))
	r.Get("/readyz", readyzHandler(ob))
	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Use(requireConfigured(ob))

		r.Get("/authorize", authorizeHandler(ob, logger))
		r.Get("/callback", callbackHandler(ob, logger))

		r.Group(func(r chi.Router) {
			r.Use(OpsAuthMiddleware(opsToken, logger))

			r.Get("/stats", statsHandler(ob))
			r.Get("/consents/{consentId}", consentStatusHandler(ob, logger))
			r.Get("/consents/{consentId}/audit", consentAuditHandler(ob, logger))
			r.Delete("/consents/{consentId}", revokeConsentHandler(ob, logger))
		})
	})

	return r
}

// ============================================================
// Operational
// ============================================================

type healthResponse struct {
	Status    string           `json:"status"`
	BankID    string           `json:"bank_id,omitempty"`
	Pinned    bool             `json:"certificate_pinning"`
	AuthState domain.AuthState `json:"auth_state"`
	Timestamp string           `json:"timestamp"`
}

func healthzHandler(ob Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:    "healthy",
			AuthState: domain.AuthNoToken,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if !ob.IsConfigured() {
			resp.Status = "degraded"
		} else {
			resp.BankID = ob.BankID()
			resp.Pinned = ob.IsCertificatePinningEnabled()
			resp.AuthState = ob.AuthState()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func readyzHandler(ob Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !ob.IsConfigured() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func statsHandler(ob Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ob.Stats())
	}
}

// ============================================================
// Authorization redirect
// ============================================================

// GET /v1/authorize?consent_id=... redirects the user agent to the bank.
func authorizeHandler(ob Authorizer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "handler.Authorize")
		defer span.End()

		consentID := r.URL.Query().Get("consent_id")
		if consentID == "" {
			writeError(w, http.StatusBadRequest, "consent_id is required")
			return
		}
		authz, err := ob.StartAuthorization(ctx, consentID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if r.URL.Query().Get("format") == "json" {
			writeJSON(w, http.StatusOK, authz)
			return
		}
		http.Redirect(w, r, authz.URL, http.StatusFound)
	}
}

// GET /v1/callback?state=...&code=... is the registered redirect URI.
// The bank reports a refusal with error and error_description instead of code.
func callbackHandler(ob Authorizer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "handler.Callback")
		defer span.End()

		q := r.URL.Query()
		state := q.Get("state")
		if state == "" {
			writeError(w, http.StatusBadRequest, "state is required")
			return
		}

		if oauthErr := q.Get("error"); oauthErr != "" {
			res, err := ob.FailAuthorization(ctx, state, oauthErr, q.Get("error_description"))
			if err != nil {
				handleServiceError(w, err, logger)
				return
			}
			writeJSON(w, http.StatusForbidden, callbackResponse{AuthorizationResult: res, Error: oauthErr})
			return
		}

		res, err := ob.CompleteAuthorization(ctx, state, q.Get("code"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, callbackResponse{AuthorizationResult: res})
	}
}

type callbackResponse struct {
	*openbanking.AuthorizationResult
	Error string `json:"error,omitempty"`
}

// ============================================================
// Consent inspection
// ============================================================

func consentStatusHandler(ob Authorizer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consentID := chi.URLParam(r, "consentId")
		status, err := ob.Consents().GetConsentStatus(r.Context(), consentID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"consent_id": consentID, "status": status})
	}
}

func consentAuditHandler(ob Authorizer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consentID := chi.URLParam(r, "consentId")
		trail, err := ob.Consents().GetConsentAuditTrail(r.Context(), consentID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"consent_id": consentID, "entries": trail})
	}
}

func revokeConsentHandler(ob Authorizer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consentID := chi.URLParam(r, "consentId")
		rev, err := ob.Consents().RevokeConsent(r.Context(), consentID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		logger.Info("consent revoked via ops api", zap.String("consent_id", consentID))
		writeJSON(w, http.StatusOK, rev)
	}
}
