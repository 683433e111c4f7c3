package wire

import (
	"strings"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// ============================================================
// Payment initiation
// ============================================================

// RemittanceDTO carries the payment reference.
type RemittanceDTO struct {
	Reference    string `json:"Reference,omitempty"`
	Unstructured string `json:"Unstructured,omitempty"`
}

// InitiationDTO is the payment instruction shared by consents and submissions.
type InitiationDTO struct {
	InstructionIdentification string               `json:"InstructionIdentification"`
	EndToEndIdentification    string               `json:"EndToEndIdentification"`
	InstructedAmount          AmountDTO            `json:"InstructedAmount"`
	CreditorAccount           AccountIdentifierDTO `json:"CreditorAccount"`
	RemittanceInformation     *RemittanceDTO       `json:"RemittanceInformation,omitempty"`
	RequestedExecution        string               `json:"RequestedExecutionDateTime,omitempty"`
}

func (i InitiationDTO) toTerms() (domain.PaymentTerms, error) {
	amt, err := i.InstructedAmount.ToDomain()
	if err != nil {
		return domain.PaymentTerms{}, err
	}
	terms := domain.PaymentTerms{
		InstructionID: i.InstructionIdentification,
		EndToEndID:    i.EndToEndIdentification,
		Amount:        amt,
		Creditor: domain.Creditor{
			Scheme:         i.CreditorAccount.SchemeName,
			Identification: i.CreditorAccount.Identification,
			Name:           i.CreditorAccount.Name,
		},
	}
	if i.RemittanceInformation != nil {
		terms.Reference = i.RemittanceInformation.Reference
	}
	exec, err := parseTimePtr(i.RequestedExecution)
	if err != nil {
		return domain.PaymentTerms{}, err
	}
	terms.ExecutionDate = exec
	return terms, nil
}

// FromTerms renders consent or payment terms as an Initiation block.
func FromTerms(t domain.PaymentTerms) InitiationDTO {
	init := InitiationDTO{
		InstructionIdentification: t.InstructionID,
		EndToEndIdentification:    t.EndToEndID,
		InstructedAmount:          FromAmount(t.Amount),
		CreditorAccount: AccountIdentifierDTO{
			SchemeName:     t.Creditor.Scheme,
			Identification: t.Creditor.Identification,
			Name:           t.Creditor.Name,
		},
		RequestedExecution: formatTimePtr(t.ExecutionDate),
	}
	if t.Reference != "" {
		init.RemittanceInformation = &RemittanceDTO{Reference: t.Reference}
	}
	return init
}

// TermsOf extracts the consent-relevant terms of a payment request.
func TermsOf(req domain.DomesticPaymentRequest) domain.PaymentTerms {
	return domain.PaymentTerms{
		InstructionID: req.InstructionID,
		EndToEndID:    req.EndToEndID,
		Amount:        req.Amount,
		Creditor:      req.Creditor,
		Reference:     req.Reference,
	}
}

// PaymentConsentRequestData is the body of a payment consent request.
type PaymentConsentRequestData struct {
	Initiation InitiationDTO `json:"Initiation"`
}

// FromPaymentConsentRequest builds a payment consent POST body.
func FromPaymentConsentRequest(req domain.PaymentConsentRequest) Request[PaymentConsentRequestData] {
	return NewRequest(PaymentConsentRequestData{Initiation: FromTerms(req.Terms)})
}

// PaymentSubmissionData is the body of a payment submission.
type PaymentSubmissionData struct {
	ConsentID  string        `json:"ConsentId"`
	Initiation InitiationDTO `json:"Initiation"`
}

// FromDomesticPayment builds the payment submission body.
func FromDomesticPayment(req domain.DomesticPaymentRequest) Request[PaymentSubmissionData] {
	return NewRequest(PaymentSubmissionData{ConsentID: req.ConsentID, Initiation: FromTerms(TermsOf(req))})
}

// FromScheduledPayment builds the scheduled payment submission body.
func FromScheduledPayment(req domain.ScheduledPaymentRequest) Request[PaymentSubmissionData] {
	terms := TermsOf(req.DomesticPaymentRequest)
	exec := req.ExecutionDate
	terms.ExecutionDate = &exec
	return NewRequest(PaymentSubmissionData{ConsentID: req.ConsentID, Initiation: FromTerms(terms)})
}

// PaymentData is a domestic payment as returned by the bank.
type PaymentData struct {
	DomesticPaymentID    string         `json:"DomesticPaymentId"`
	ConsentID            string         `json:"ConsentId"`
	Status               string         `json:"Status"`
	CreationDateTime     string         `json:"CreationDateTime"`
	StatusUpdateDateTime string         `json:"StatusUpdateDateTime"`
	Initiation           *InitiationDTO `json:"Initiation,omitempty"`
}

// ParsePaymentStatus maps the bank's payment status set onto the stable
// internal set. Unrecognised statuses are treated as Pending.
func ParsePaymentStatus(s string) domain.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "acceptedsettlementcompleted", "acceptedcreditsettlementcompleted", "acceptedwithoutposting", "completed":
		return domain.PaymentAcceptedSettlementCompleted
	case "acceptedsettlementinprocess", "acceptedsettlementinprogress", "acceptedtechnicalvalidation",
		"acceptedcustomerprofile", "inprogress":
		return domain.PaymentAcceptedSettlementInProcess
	case "rejected", "failed":
		return domain.PaymentRejected
	}
	return domain.PaymentPending
}

// ToPaymentResponse maps a payment submission or status payload.
func ToPaymentResponse(data PaymentData) (*domain.PaymentInitiationResponse, error) {
	if data.DomesticPaymentID == "" {
		return nil, &domain.BankingError{Kind: domain.KindUnknown, Code: "decode", Detail: "payment payload without DomesticPaymentId"}
	}
	created, err := ParseTime(data.CreationDateTime)
	if err != nil {
		return nil, err
	}
	updated, err := ParseTime(data.StatusUpdateDateTime)
	if err != nil {
		return nil, err
	}
	resp := &domain.PaymentInitiationResponse{
		PaymentID:       data.DomesticPaymentID,
		ConsentID:       data.ConsentID,
		Status:          ParsePaymentStatus(data.Status),
		CreatedAt:       created,
		StatusUpdatedAt: updated,
	}
	if data.Initiation != nil {
		amt, err := data.Initiation.InstructedAmount.ToDomain()
		if err != nil {
			return nil, err
		}
		resp.Amount = amt
	}
	return resp, nil
}

// ScheduledPaymentData is a scheduled payment as returned by the bank.
type ScheduledPaymentData struct {
	DomesticScheduledPaymentID string         `json:"DomesticScheduledPaymentId"`
	ConsentID                  string         `json:"ConsentId"`
	Status                     string         `json:"Status"`
	CreationDateTime           string         `json:"CreationDateTime"`
	Initiation                 *InitiationDTO `json:"Initiation,omitempty"`
}

// ParseScheduledStatus maps scheduled-payment statuses; unknown values stay Pending.
func ParseScheduledStatus(s string) domain.ScheduledPaymentStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initiationcompleted", "scheduled":
		return domain.ScheduledScheduled
	case "executed", "acceptedsettlementcompleted":
		return domain.ScheduledExecuted
	case "cancelled", "canceled":
		return domain.ScheduledCancelled
	case "initiationfailed", "rejected":
		return domain.ScheduledRejected
	}
	return domain.ScheduledPending
}

// ToScheduledPayment maps a scheduled payment payload.
func ToScheduledPayment(data ScheduledPaymentData) (*domain.ScheduledPayment, error) {
	if data.DomesticScheduledPaymentID == "" {
		return nil, &domain.BankingError{Kind: domain.KindUnknown, Code: "decode", Detail: "scheduled payment payload without id"}
	}
	created, err := ParseTime(data.CreationDateTime)
	if err != nil {
		return nil, err
	}
	sp := &domain.ScheduledPayment{
		ID:        data.DomesticScheduledPaymentID,
		ConsentID: data.ConsentID,
		Status:    ParseScheduledStatus(data.Status),
		CreatedAt: created,
	}
	if data.Initiation != nil {
		terms, err := data.Initiation.toTerms()
		if err != nil {
			return nil, err
		}
		sp.Amount = terms.Amount
		sp.Creditor = terms.Creditor
		if terms.ExecutionDate != nil {
			sp.ExecutionDate = *terms.ExecutionDate
		}
	}
	return sp, nil
}

// ConfirmationRequestData carries the second-factor code for a payment.
type ConfirmationRequestData struct {
	ConfirmationCode string `json:"ConfirmationCode"`
}

// ConfirmationData is the bank's answer to a payment confirmation.
type ConfirmationData struct {
	DomesticPaymentID    string `json:"DomesticPaymentId"`
	Status               string `json:"Status"`
	ConfirmationDateTime string `json:"ConfirmationDateTime,omitempty"`
}

// ToConfirmation maps a confirmation payload.
func ToConfirmation(data ConfirmationData, paymentID string) (*domain.PaymentConfirmation, error) {
	at, err := ParseTime(data.ConfirmationDateTime)
	if err != nil {
		return nil, err
	}
	id := data.DomesticPaymentID
	if id == "" {
		id = paymentID
	}
	return &domain.PaymentConfirmation{
		PaymentID:   id,
		Status:      ParsePaymentStatus(data.Status),
		Required:    true,
		ConfirmedAt: at,
	}, nil
}
