package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed set of failure categories surfaced by the client.
type ErrorKind string

const (
	KindBadRequest              ErrorKind = "bad_request"
	KindInvalidRequest          ErrorKind = "invalid_request"
	KindUnauthorized            ErrorKind = "unauthorized"
	KindInvalidGrant            ErrorKind = "invalid_grant"
	KindInvalidClient           ErrorKind = "invalid_client"
	KindForbidden               ErrorKind = "forbidden"
	KindInsufficientScope       ErrorKind = "insufficient_scope"
	KindConsentExpired          ErrorKind = "consent_expired"
	KindConsentRevoked          ErrorKind = "consent_revoked"
	KindConsentInvalid          ErrorKind = "consent_invalid"
	KindNotFound                ErrorKind = "not_found"
	KindResourceConsentMismatch ErrorKind = "resource_consent_mismatch"
	KindPaymentInvalid          ErrorKind = "payment_invalid"
	KindPaymentRejected         ErrorKind = "payment_rejected"
	KindRateLimited             ErrorKind = "rate_limited"
	KindNetworkError            ErrorKind = "network_error"
	KindNetworkTimeout          ErrorKind = "network_timeout"
	KindCertificateError        ErrorKind = "certificate_error"
	KindServerError             ErrorKind = "server_error"
	KindServiceUnavailable      ErrorKind = "service_unavailable"
	KindInvalidState            ErrorKind = "invalid_state"
	KindUnknown                 ErrorKind = "unknown"
)

// DefaultRetryAfter is applied to rate-limit responses that carry no usable Retry-After.
const DefaultRetryAfter = 60 * time.Second

// BankingError is the single error type returned across the client boundary.
// Kind drives every policy decision; Code keeps the bank or OAuth code verbatim.
type BankingError struct {
	Kind          ErrorKind
	Code          string
	Detail        string
	Status        int
	RetryAfter    time.Duration
	InteractionID string
	Err           error
}

func (e *BankingError) Error() string {
	msg := string(e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Kind == KindRateLimited {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BankingError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the caller can expect a later attempt to succeed
// without restarting the authorization flow or changing configuration.
func (e *BankingError) Recoverable() bool {
	switch e.Kind {
	case KindRateLimited, KindServerError, KindServiceUnavailable,
		KindNetworkTimeout, KindNetworkError, KindUnauthorized:
		return true
	}
	return false
}

// Retryable reports whether the transport may reissue the same request
// automatically after a backoff.
func (e *BankingError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServerError, KindServiceUnavailable, KindNetworkTimeout:
		return true
	}
	return false
}

// NewError builds a BankingError of the given kind.
func NewError(kind ErrorKind, detail string) *BankingError {
	if kind == KindRateLimited {
		return &BankingError{Kind: kind, Detail: detail, RetryAfter: DefaultRetryAfter}
	}
	return &BankingError{Kind: kind, Detail: detail}
}

// Errorf builds a BankingError with a formatted detail.
func Errorf(kind ErrorKind, format string, args ...any) *BankingError {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// RateLimited builds a RateLimited error; a non-positive wait falls back to DefaultRetryAfter.
func RateLimited(retryAfter time.Duration, detail string) *BankingError {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return &BankingError{Kind: KindRateLimited, Detail: detail, RetryAfter: retryAfter, Status: 429}
}

// Validation reports a locally rejected input field.
func Validation(field, message string) *BankingError {
	return &BankingError{Kind: KindInvalidRequest, Code: field, Detail: message}
}

// AsBankingError extracts a *BankingError from err's chain.
func AsBankingError(err error) (*BankingError, bool) {
	var be *BankingError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// KindOf returns the kind of err. Errors that are not BankingErrors are Unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if be, ok := AsBankingError(err); ok {
		return be.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err may be retried automatically.
func IsRetryable(err error) bool {
	be, ok := AsBankingError(err)
	return ok && be.Retryable()
}
