package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// Metrics holds all Prometheus metrics for the client.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration    *prometheus.HistogramVec
	requestsTotal      *prometheus.CounterVec
	bankErrors         *prometheus.CounterVec
	tokenRefresh       *prometheus.CounterVec
	consentTransitions *prometheus.CounterVec
	auditEntries       *prometheus.CounterVec
	permissionChecks   *prometheus.CounterVec
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// client metrics in it.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ob_bank_request_duration_seconds",
				Help:    "Duration of bank API calls by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ob_bank_requests_total",
				Help: "Total bank API calls by outcome.",
			},
			[]string{"status"},
		),
		bankErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ob_bank_errors_total",
				Help: "Bank call failures by error kind.",
			},
			[]string{"kind"},
		),
		tokenRefresh: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ob_token_refresh_total",
				Help: "Token refresh attempts by token and result.",
			},
			[]string{"token", "result"},
		),
		consentTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ob_consent_transitions_total",
				Help: "Consent status transitions by target status.",
			},
			[]string{"to"},
		),
		auditEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ob_consent_audit_entries_total",
				Help: "Consent audit entries written by action.",
			},
			[]string{"action"},
		),
		permissionChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ob_permission_checks_total",
				Help: "Consent permission checks by result.",
			},
			[]string{"result"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ob_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ob_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
	}
}

// RecordRequestDuration records the duration of a bank call.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrRequest increments the request counter with a status label ("success" or "error").
func (m *Metrics) IncrRequest(status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(status).Inc()
}

// IncrBankError counts a classified failure.
func (m *Metrics) IncrBankError(kind domain.ErrorKind) {
	if m == nil {
		return
	}
	m.bankErrors.WithLabelValues(string(kind)).Inc()
}

// IncrTokenRefresh counts a refresh attempt for token ("user" or "app").
func (m *Metrics) IncrTokenRefresh(token string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.tokenRefresh.WithLabelValues(token, result).Inc()
}

// IncrConsentTransition counts a consent moving into status.
func (m *Metrics) IncrConsentTransition(status domain.ConsentStatus) {
	if m == nil {
		return
	}
	m.consentTransitions.WithLabelValues(string(status)).Inc()
}

// IncrAuditEntry counts a written audit entry.
func (m *Metrics) IncrAuditEntry(action domain.AuditAction) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(string(action)).Inc()
}

// IncrPermissionCheck counts a permission decision.
func (m *Metrics) IncrPermissionCheck(granted bool) {
	if m == nil {
		return
	}
	result := "granted"
	if !granted {
		result = "denied"
	}
	m.permissionChecks.WithLabelValues(result).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(cache).Inc()
}

var statsKinds = []domain.ErrorKind{
	domain.KindBadRequest, domain.KindInvalidRequest, domain.KindUnauthorized,
	domain.KindInvalidGrant, domain.KindInvalidClient, domain.KindForbidden,
	domain.KindInsufficientScope, domain.KindConsentExpired, domain.KindConsentRevoked,
	domain.KindConsentInvalid, domain.KindNotFound, domain.KindResourceConsentMismatch,
	domain.KindPaymentInvalid, domain.KindPaymentRejected, domain.KindRateLimited,
	domain.KindNetworkError, domain.KindNetworkTimeout, domain.KindCertificateError,
	domain.KindServerError, domain.KindServiceUnavailable, domain.KindInvalidState,
	domain.KindUnknown,
}

var statsStatuses = []domain.ConsentStatus{
	domain.ConsentAwaitingAuthorization, domain.ConsentAuthorized, domain.ConsentRejected,
	domain.ConsentConsumed, domain.ConsentRevoked, domain.ConsentExpired,
}

var statsActions = []domain.AuditAction{
	domain.AuditCreated, domain.AuditStatusChanged, domain.AuditSynced,
	domain.AuditRevoked, domain.AuditRevokeNoop, domain.AuditPermissionGranted,
	domain.AuditPermissionDenied, domain.AuditConsumed, domain.AuditAuthorization,
	domain.AuditAuthorizationFail,
}

// Snapshot returns the current counters, suitable for GET /v1/stats.
// Labels that were never touched are omitted from the maps.
func (m *Metrics) Snapshot() *domain.ClientStats {
	stats := &domain.ClientStats{
		BankErrors:         map[string]float64{},
		ConsentTransitions: map[string]float64{},
	}
	if m == nil {
		return stats
	}

	stats.BankRequests = getCounterValue(m.requestsTotal, "success") +
		getCounterValue(m.requestsTotal, "error")
	for _, k := range statsKinds {
		if v := getCounterValue(m.bankErrors, string(k)); v > 0 {
			stats.BankErrors[string(k)] = v
		}
	}
	for _, tok := range []string{"user", "app"} {
		stats.TokenRefreshes += getCounterValue(m.tokenRefresh, tok, "success")
		stats.TokenRefreshFailure += getCounterValue(m.tokenRefresh, tok, "failure")
	}
	for _, s := range statsStatuses {
		if v := getCounterValue(m.consentTransitions, string(s)); v > 0 {
			stats.ConsentTransitions[string(s)] = v
		}
	}
	for _, a := range statsActions {
		stats.AuditEntries += getCounterValue(m.auditEntries, string(a))
	}
	stats.PermissionDenials = getCounterValue(m.permissionChecks, "denied")
	return stats
}

// getCounterValue extracts the current float64 value from a CounterVec for the given labels.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	counter, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
