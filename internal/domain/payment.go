package domain

import "time"

// ============================================================
// Payments
// ============================================================

// Creditor identifies the payee account.
type Creditor struct {
	Scheme         string `json:"scheme"`
	Identification string `json:"identification"`
	Name           string `json:"name"`
}

// Matches compares the identifying fields; names are informational.
func (c Creditor) Matches(other Creditor) bool {
	return c.Scheme == other.Scheme && c.Identification == other.Identification
}

// DomesticPaymentRequest is a payment instruction submitted under a consent.
type DomesticPaymentRequest struct {
	ConsentID      string   `json:"consent_id"`
	InstructionID  string   `json:"instruction_id"`
	EndToEndID     string   `json:"end_to_end_id"`
	Amount         Amount   `json:"amount"`
	Creditor       Creditor `json:"creditor"`
	Reference      string   `json:"reference,omitempty"`
	IdempotencyKey string   `json:"-"`
}

// PaymentStatus is the stable internal status set for payments.
type PaymentStatus string

const (
	PaymentPending                     PaymentStatus = "Pending"
	PaymentAcceptedSettlementInProcess PaymentStatus = "AcceptedSettlementInProcess"
	PaymentAcceptedSettlementCompleted PaymentStatus = "AcceptedSettlementCompleted"
	PaymentRejected                    PaymentStatus = "Rejected"
)

// PaymentInitiationResponse is the bank's acknowledgement of a submitted payment.
type PaymentInitiationResponse struct {
	PaymentID       string        `json:"payment_id"`
	ConsentID       string        `json:"consent_id"`
	Status          PaymentStatus `json:"status"`
	Amount          Amount        `json:"amount"`
	CreatedAt       time.Time     `json:"created_at"`
	StatusUpdatedAt time.Time     `json:"status_updated_at"`
}

// ScheduledPaymentRequest is a payment to execute on a future date.
type ScheduledPaymentRequest struct {
	DomesticPaymentRequest
	ExecutionDate time.Time `json:"execution_date"`
}

// ScheduledPaymentStatus tracks a scheduled payment before and after execution.
type ScheduledPaymentStatus string

const (
	ScheduledPending   ScheduledPaymentStatus = "Pending"
	ScheduledScheduled ScheduledPaymentStatus = "Scheduled"
	ScheduledExecuted  ScheduledPaymentStatus = "Executed"
	ScheduledCancelled ScheduledPaymentStatus = "Cancelled"
	ScheduledRejected  ScheduledPaymentStatus = "Rejected"
)

// Cancellable reports whether the payment has not been executed or closed yet.
func (s ScheduledPaymentStatus) Cancellable() bool {
	return s == ScheduledPending || s == ScheduledScheduled
}

// ScheduledPayment is the bank record of a scheduled payment.
type ScheduledPayment struct {
	ID            string                 `json:"scheduled_payment_id"`
	ConsentID     string                 `json:"consent_id"`
	Status        ScheduledPaymentStatus `json:"status"`
	Amount        Amount                 `json:"amount"`
	Creditor      Creditor               `json:"creditor"`
	ExecutionDate time.Time              `json:"execution_date"`
	CreatedAt     time.Time              `json:"created_at"`
}

// PaymentConfirmation is the result of a second-factor confirmation step.
type PaymentConfirmation struct {
	PaymentID   string        `json:"payment_id"`
	Status      PaymentStatus `json:"status"`
	Required    bool          `json:"required"`
	ConfirmedAt time.Time     `json:"confirmed_at,omitempty"`
}

// PaymentLimitsValidation reports every rule an amount breaks.
type PaymentLimitsValidation struct {
	Valid     bool     `json:"valid"`
	Amount    Amount   `json:"amount"`
	MaxAmount *Amount  `json:"max_amount,omitempty"`
	Reasons   []string `json:"reasons,omitempty"`
}
