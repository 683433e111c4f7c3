package service

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/wire"
	"github.com/boddenberg/ob-client-go/internal/port"
)

var paymentsTracer = otel.Tracer("service/payments")

const (
	domesticPaymentsPath  = "/domestic-payments"
	scheduledPaymentsPath = "/domestic-scheduled-payments"
)

// PaymentService initiates payments with the user token and reads their
// status with the application token.
type PaymentService struct {
	bank       *domain.BankConfig
	transport  port.BankTransport
	userTokens TokenSource
	appTokens  TokenSource
	consents   port.PaymentConsentChecker
	logger     *zap.Logger
	now        func() time.Time
}

// NewPaymentService creates the payment service.
func NewPaymentService(
	bank *domain.BankConfig,
	transport port.BankTransport,
	userTokens, appTokens TokenSource,
	consents port.PaymentConsentChecker,
	logger *zap.Logger,
) *PaymentService {
	return &PaymentService{
		bank:       bank,
		transport:  transport,
		userTokens: userTokens,
		appTokens:  appTokens,
		consents:   consents,
		logger:     logger,
		now:        time.Now,
	}
}

// ValidatePaymentLimits checks amount against the bank's rules without any I/O.
func (s *PaymentService) ValidatePaymentLimits(amount domain.Amount) domain.PaymentLimitsValidation {
	return checkLimits(s.bank, amount)
}

// ============================================================
// Domestic payments
// ============================================================

// InitiateDomesticPayment submits a payment under an authorized payment
// consent. A bank rejection is reported through the returned status.
func (s *PaymentService) InitiateDomesticPayment(ctx context.Context, req *domain.DomesticPaymentRequest) (*domain.PaymentInitiationResponse, error) {
	ctx, span := paymentsTracer.Start(ctx, "PaymentService.InitiateDomesticPayment")
	defer span.End()

	if req == nil {
		return nil, domain.Validation("payment", "payment request is required")
	}
	p := *req
	consent, err := s.authorize(ctx, &p, nil)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("consent.id", consent.ID))

	resp, err := callWithToken(ctx, s.userTokens, func(token string) (*port.BankResponse, error) {
		return s.transport.Do(ctx, &port.BankRequest{
			Operation:      "payments.initiate",
			Method:         http.MethodPost,
			Path:           domesticPaymentsPath,
			Body:           wire.FromDomesticPayment(p),
			Token:          token,
			IdempotencyKey: p.IdempotencyKey,
		})
	})
	if err != nil {
		return nil, err
	}
	env, err := wire.Decode[wire.PaymentData](resp.Body)
	if err != nil {
		return nil, err
	}
	out, err := wire.ToPaymentResponse(env.Data)
	if err != nil {
		return nil, err
	}
	if out.ConsentID == "" {
		out.ConsentID = p.ConsentID
	}
	if out.Amount.Currency == "" {
		out.Amount = p.Amount
	}

	s.settle(ctx, p.ConsentID, out.PaymentID, out.Status == domain.PaymentRejected)
	return out, nil
}

// GetPaymentStatus reads the current status of a submitted payment.
func (s *PaymentService) GetPaymentStatus(ctx context.Context, paymentID string) (domain.PaymentStatus, error) {
	ctx, span := paymentsTracer.Start(ctx, "PaymentService.GetPaymentStatus")
	defer span.End()

	if paymentID == "" {
		return "", domain.Validation("payment_id", "payment id is required")
	}
	resp, err := s.get(ctx, s.appTokens, "payments.status", domesticPaymentsPath+"/"+url.PathEscape(paymentID))
	if err != nil {
		return "", err
	}
	env, err := wire.Decode[wire.PaymentData](resp.Body)
	if err != nil {
		return "", err
	}
	out, err := wire.ToPaymentResponse(env.Data)
	if err != nil {
		return "", err
	}
	return out.Status, nil
}

// ConfirmPayment completes a bank-side confirmation step. Banks that do
// not require one report Required=false with the current status.
func (s *PaymentService) ConfirmPayment(ctx context.Context, paymentID, confirmationCode string) (*domain.PaymentConfirmation, error) {
	ctx, span := paymentsTracer.Start(ctx, "PaymentService.ConfirmPayment")
	defer span.End()

	if paymentID == "" {
		return nil, domain.Validation("payment_id", "payment id is required")
	}
	if !s.bank.RequiresPaymentConfirmation {
		status, err := s.GetPaymentStatus(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		return &domain.PaymentConfirmation{PaymentID: paymentID, Status: status}, nil
	}
	if confirmationCode == "" {
		return nil, domain.Validation("confirmation_code", "confirmation code is required")
	}

	resp, err := callWithToken(ctx, s.userTokens, func(token string) (*port.BankResponse, error) {
		return s.transport.Do(ctx, &port.BankRequest{
			Operation: "payments.confirm",
			Method:    http.MethodPost,
			Path:      domesticPaymentsPath + "/" + url.PathEscape(paymentID) + "/confirmation",
			Body:      wire.NewRequest(wire.ConfirmationRequestData{ConfirmationCode: confirmationCode}),
			Token:     token,
			NoRetry:   true,
		})
	})
	if err != nil {
		return nil, err
	}
	env, err := wire.Decode[wire.ConfirmationData](resp.Body)
	if err != nil {
		return nil, err
	}
	out, err := wire.ToConfirmation(env.Data, paymentID)
	if err != nil {
		return nil, err
	}
	if out.ConfirmedAt.IsZero() {
		out.ConfirmedAt = s.now()
	}
	return out, nil
}

// ============================================================
// Scheduled payments
// ============================================================

// CreateScheduledPayment submits a payment for execution on a future date.
func (s *PaymentService) CreateScheduledPayment(ctx context.Context, req *domain.ScheduledPaymentRequest) (*domain.ScheduledPayment, error) {
	ctx, span := paymentsTracer.Start(ctx, "PaymentService.CreateScheduledPayment")
	defer span.End()

	if req == nil {
		return nil, domain.Validation("payment", "scheduled payment request is required")
	}
	if !req.ExecutionDate.After(s.now()) {
		return nil, domain.Validation("execution_date", "execution date must be in the future")
	}
	p := *req
	exec := p.ExecutionDate
	if _, err := s.authorize(ctx, &p.DomesticPaymentRequest, &exec); err != nil {
		return nil, err
	}

	resp, err := callWithToken(ctx, s.userTokens, func(token string) (*port.BankResponse, error) {
		return s.transport.Do(ctx, &port.BankRequest{
			Operation:      "payments.schedule",
			Method:         http.MethodPost,
			Path:           scheduledPaymentsPath,
			Body:           wire.FromScheduledPayment(p),
			Token:          token,
			IdempotencyKey: p.IdempotencyKey,
		})
	})
	if err != nil {
		return nil, err
	}
	out, err := decodeScheduled(resp.Body)
	if err != nil {
		return nil, err
	}
	if out.ConsentID == "" {
		out.ConsentID = p.ConsentID
	}
	if out.Amount.Currency == "" {
		out.Amount = p.Amount
		out.Creditor = p.Creditor
	}
	if out.ExecutionDate.IsZero() {
		out.ExecutionDate = exec
	}

	s.settle(ctx, p.ConsentID, out.ID, out.Status == domain.ScheduledRejected)
	return out, nil
}

// GetScheduledPayment reads a scheduled payment.
func (s *PaymentService) GetScheduledPayment(ctx context.Context, scheduledPaymentID string) (*domain.ScheduledPayment, error) {
	ctx, span := paymentsTracer.Start(ctx, "PaymentService.GetScheduledPayment")
	defer span.End()

	if scheduledPaymentID == "" {
		return nil, domain.Validation("scheduled_payment_id", "scheduled payment id is required")
	}
	resp, err := s.get(ctx, s.appTokens, "payments.scheduled_get", scheduledPaymentsPath+"/"+url.PathEscape(scheduledPaymentID))
	if err != nil {
		return nil, err
	}
	return decodeScheduled(resp.Body)
}

// CancelScheduledPayment cancels a payment that has not executed yet.
// Cancelling in any other state is InvalidState.
func (s *PaymentService) CancelScheduledPayment(ctx context.Context, scheduledPaymentID string) (*domain.ScheduledPayment, error) {
	ctx, span := paymentsTracer.Start(ctx, "PaymentService.CancelScheduledPayment")
	defer span.End()

	current, err := s.GetScheduledPayment(ctx, scheduledPaymentID)
	if err != nil {
		return nil, err
	}
	if !current.Status.Cancellable() {
		return nil, domain.Errorf(domain.KindInvalidState, "scheduled payment %s is %s and cannot be cancelled", scheduledPaymentID, current.Status)
	}

	resp, err := callWithToken(ctx, s.appTokens, func(token string) (*port.BankResponse, error) {
		return s.transport.Do(ctx, &port.BankRequest{
			Operation: "payments.scheduled_cancel",
			Method:    http.MethodDelete,
			Path:      scheduledPaymentsPath + "/" + url.PathEscape(scheduledPaymentID),
			Token:     token,
		})
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Body) > 0 {
		if out, err := decodeScheduled(resp.Body); err == nil {
			return out, nil
		}
	}
	current.Status = domain.ScheduledCancelled
	s.logger.Info("scheduled payment cancelled", zap.String("scheduled_payment_id", scheduledPaymentID))
	return current, nil
}

// ============================================================
// Helpers
// ============================================================

// authorize validates p against the bank limits and its consent and fills
// instruction identifiers and the idempotency key. exec selects a
// scheduled-payment consent.
func (s *PaymentService) authorize(ctx context.Context, p *domain.DomesticPaymentRequest, exec *time.Time) (*domain.Consent, error) {
	if p.ConsentID == "" {
		return nil, domain.Validation("consent_id", "consent id is required")
	}
	if p.Creditor.Scheme == "" || p.Creditor.Identification == "" {
		return nil, domain.Validation("creditor", "creditor scheme and identification are required")
	}
	if err := limitsError(checkLimits(s.bank, p.Amount)); err != nil {
		return nil, err
	}

	terms := wire.TermsOf(*p)
	terms.ExecutionDate = exec
	consent, err := s.consents.RequirePaymentConsent(ctx, p.ConsentID, terms)
	if err != nil {
		return nil, err
	}

	if consent.Payment != nil {
		if p.InstructionID == "" {
			p.InstructionID = consent.Payment.InstructionID
		}
		if p.EndToEndID == "" {
			p.EndToEndID = consent.Payment.EndToEndID
		}
	}
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = uuid.NewString()
	}
	return consent, nil
}

// settleTimeout bounds consent consumption once the caller's context is detached.
const settleTimeout = 10 * time.Second

// settle consumes the consent after the bank accepted a payment. It outlives
// the caller's context: the bank has already taken the payment. A failure
// here does not undo the payment and is only logged.
func (s *PaymentService) settle(ctx context.Context, consentID, paymentID string, rejected bool) {
	if rejected {
		s.logger.Warn("payment rejected by bank",
			zap.String("consent_id", consentID),
			zap.String("payment_id", paymentID),
		)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := s.consents.MarkConsumed(ctx, consentID, "payment "+paymentID); err != nil {
		s.logger.Error("mark consent consumed",
			zap.String("consent_id", consentID),
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
	}
}

func (s *PaymentService) get(ctx context.Context, tokens TokenSource, op, path string) (*port.BankResponse, error) {
	return callWithToken(ctx, tokens, func(token string) (*port.BankResponse, error) {
		return s.transport.Do(ctx, &port.BankRequest{
			Operation: op,
			Method:    http.MethodGet,
			Path:      path,
			Token:     token,
		})
	})
}

func decodeScheduled(body []byte) (*domain.ScheduledPayment, error) {
	env, err := wire.Decode[wire.ScheduledPaymentData](body)
	if err != nil {
		return nil, err
	}
	return wire.ToScheduledPayment(env.Data)
}
