package handler

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"interaction_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusFor maps an error kind to the HTTP status the callback surface uses.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindBadRequest, domain.KindInvalidRequest, domain.KindPaymentInvalid:
		return http.StatusBadRequest
	case domain.KindUnauthorized, domain.KindInvalidGrant, domain.KindInvalidClient:
		return http.StatusUnauthorized
	case domain.KindForbidden, domain.KindInsufficientScope, domain.KindConsentExpired,
		domain.KindConsentRevoked, domain.KindConsentInvalid, domain.KindResourceConsentMismatch:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState:
		return http.StatusConflict
	case domain.KindPaymentRejected:
		return http.StatusUnprocessableEntity
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindNetworkTimeout:
		return http.StatusGatewayTimeout
	case domain.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindNetworkError, domain.KindServerError, domain.KindCertificateError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// handleServiceError maps banking errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	be, ok := domain.AsBankingError(err)
	if !ok {
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := statusFor(be.Kind)
	fields := []zap.Field{
		zap.String("kind", string(be.Kind)),
		zap.String("code", be.Code),
		zap.String("interaction_id", be.InteractionID),
		zap.Error(err),
	}
	switch {
	case status >= 500:
		logger.Error("bank call failed", fields...)
	case be.Kind == domain.KindForbidden || be.Kind == domain.KindInvalidGrant:
		logger.Warn("request refused", fields...)
	default:
		logger.Debug("request rejected", fields...)
	}

	if be.Kind == domain.KindRateLimited && be.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(be.RetryAfter.Seconds()))))
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{
		Error:   msg,
		Kind:    string(be.Kind),
		Code:    be.Code,
		TraceID: be.InteractionID,
	})
}
