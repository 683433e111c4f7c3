// Package classifier turns transport and HTTP outcomes into BankingErrors.
// Classify is total: every input yields exactly one kind.
package classifier

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/wire"
)

// ErrPinMismatch marks a TLS peer whose key matched none of the configured fingerprints.
var ErrPinMismatch = errors.New("certificate fingerprint not pinned")

// Outcome is everything known about a finished or failed exchange.
type Outcome struct {
	Err           error
	StatusCode    int
	Header        http.Header
	Body          []byte
	InteractionID string
	Now           time.Time
}

// Classify maps an outcome to a BankingError. A 2xx outcome without a
// transport error still classifies, as Unknown, so callers never get nil.
func Classify(o Outcome) *domain.BankingError {
	var e *domain.BankingError
	switch {
	case o.Err != nil:
		e = Transport(o.Err)
	default:
		e = Status(o.StatusCode, o.Header, o.Body, o.Now)
	}
	if e.InteractionID == "" {
		e.InteractionID = o.InteractionID
	}
	return e
}

// Transport classifies an error raised before any HTTP status was received.
func Transport(err error) *domain.BankingError {
	if be, ok := domain.AsBankingError(err); ok {
		return be
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.BankingError{Kind: domain.KindNetworkTimeout, Detail: "request deadline exceeded", Err: err}
	case errors.Is(err, context.Canceled):
		return &domain.BankingError{Kind: domain.KindNetworkError, Code: "canceled", Detail: "request canceled", Err: err}
	case isCertificateError(err):
		return &domain.BankingError{Kind: domain.KindCertificateError, Detail: "server certificate rejected", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.BankingError{Kind: domain.KindNetworkTimeout, Detail: "network timeout", Err: err}
	}
	return &domain.BankingError{Kind: domain.KindNetworkError, Detail: "transport failure", Err: err}
}

func isCertificateError(err error) bool {
	if errors.Is(err, ErrPinMismatch) {
		return true
	}
	var (
		unknownAuth x509.UnknownAuthorityError
		invalid     x509.CertificateInvalidError
		hostname    x509.HostnameError
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
	)
	return errors.As(err, &unknownAuth) ||
		errors.As(err, &invalid) ||
		errors.As(err, &hostname) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &recordErr)
}

// Status classifies a completed HTTP exchange with a non-2xx status.
func Status(status int, header http.Header, body []byte, now time.Time) *domain.BankingError {
	if now.IsZero() {
		now = time.Now()
	}
	e := &domain.BankingError{Kind: baseKind(status), Status: status}

	if status == http.StatusTooManyRequests {
		e.RetryAfter = RetryAfter(header, now)
	}

	var eb wire.ErrorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		e.Code, e.Detail = describe(eb)
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			if refined, ok := refine(eb); ok {
				e.Kind = refined
			}
		}
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		if k, ok := fromAuthenticateHeader(header); ok && e.Code == "" {
			e.Kind = k
		}
	}
	if e.Detail == "" {
		e.Detail = http.StatusText(status)
		if e.Detail == "" {
			e.Detail = "unexpected status " + strconv.Itoa(status)
		}
	}
	return e
}

func baseKind(status int) domain.ErrorKind {
	switch {
	case status == http.StatusBadRequest:
		return domain.KindBadRequest
	case status == http.StatusUnauthorized:
		return domain.KindUnauthorized
	case status == http.StatusForbidden:
		return domain.KindForbidden
	case status == http.StatusNotFound:
		return domain.KindNotFound
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return domain.KindNetworkTimeout
	case status == http.StatusTooManyRequests:
		return domain.KindRateLimited
	case status == http.StatusInternalServerError, status == http.StatusBadGateway:
		return domain.KindServerError
	case status == http.StatusServiceUnavailable:
		return domain.KindServiceUnavailable
	case status >= 400 && status < 500:
		return domain.KindBadRequest
	case status >= 500 && status < 600:
		return domain.KindServerError
	}
	return domain.KindUnknown
}

func describe(eb wire.ErrorBody) (code, detail string) {
	switch {
	case eb.Error != "":
		return eb.Error, eb.ErrorDescription
	case len(eb.Errors) > 0:
		return eb.Errors[0].ErrorCode, firstNonEmpty(eb.Errors[0].Message, eb.Message)
	}
	return eb.Code, eb.Message
}

var oauthKinds = map[string]domain.ErrorKind{
	"invalid_grant":           domain.KindInvalidGrant,
	"invalid_client":          domain.KindInvalidClient,
	"unauthorized_client":     domain.KindInvalidClient,
	"invalid_request":         domain.KindInvalidRequest,
	"invalid_request_object":  domain.KindInvalidRequest,
	"invalid_redirect_uri":    domain.KindInvalidRequest,
	"invalid_scope":           domain.KindInsufficientScope,
	"insufficient_scope":      domain.KindInsufficientScope,
	"access_denied":           domain.KindForbidden,
	"invalid_token":           domain.KindUnauthorized,
	"unsupported_grant_type":  domain.KindInvalidRequest,
	"temporarily_unavailable": domain.KindServiceUnavailable,
	"server_error":            domain.KindServerError,
}

// Open Banking error codes are namespaced (UK.OBIE.Resource.NotFound,
// KSA.Resource.ConsentMismatch...); only the suffix is significant.
var obSuffixKinds = []struct {
	suffix string
	kind   domain.ErrorKind
}{
	{"Resource.ConsentMismatch", domain.KindResourceConsentMismatch},
	{"Resource.InvalidConsentStatus", domain.KindConsentInvalid},
	{"Resource.NotFound", domain.KindNotFound},
	{"Consent.Expired", domain.KindConsentExpired},
	{"Consent.Revoked", domain.KindConsentRevoked},
	{"Consent.Invalid", domain.KindConsentInvalid},
	{"Payment.Rejected", domain.KindPaymentRejected},
	{"Rules.AfterCutOffDateTime", domain.KindPaymentInvalid},
	{"Rules.DuplicateReference", domain.KindPaymentInvalid},
	{"Rules.InsufficientFunds", domain.KindPaymentRejected},
	{"Field.Expected", domain.KindInvalidRequest},
	{"Field.Invalid", domain.KindInvalidRequest},
	{"Field.InvalidDate", domain.KindInvalidRequest},
	{"Field.Missing", domain.KindInvalidRequest},
	{"Field.Unexpected", domain.KindInvalidRequest},
	{"Header.Invalid", domain.KindBadRequest},
	{"Header.Missing", domain.KindBadRequest},
	{"Signature.Invalid", domain.KindUnauthorized},
	{"Signature.Missing", domain.KindUnauthorized},
	{"Unsupported.Currency", domain.KindPaymentInvalid},
}

func refine(eb wire.ErrorBody) (domain.ErrorKind, bool) {
	if k, ok := oauthKinds[strings.ToLower(eb.Error)]; ok {
		return k, true
	}
	codes := make([]string, 0, len(eb.Errors)+1)
	for _, entry := range eb.Errors {
		codes = append(codes, entry.ErrorCode)
	}
	codes = append(codes, eb.Code)
	for _, code := range codes {
		if code == "" {
			continue
		}
		for _, m := range obSuffixKinds {
			if strings.HasSuffix(code, m.suffix) {
				return m.kind, true
			}
		}
	}
	return "", false
}

func fromAuthenticateHeader(h http.Header) (domain.ErrorKind, bool) {
	v := h.Get("WWW-Authenticate")
	switch {
	case strings.Contains(v, `error="insufficient_scope"`):
		return domain.KindInsufficientScope, true
	case strings.Contains(v, `error="invalid_token"`):
		return domain.KindUnauthorized, true
	}
	return "", false
}

// RetryAfter reads Retry-After as delta seconds or an HTTP date. Missing,
// malformed or past values yield DefaultRetryAfter.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return domain.DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return domain.DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return (d + time.Second - 1).Truncate(time.Second)
		}
	}
	return domain.DefaultRetryAfter
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
