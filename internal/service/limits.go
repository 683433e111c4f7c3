package service

import (
	"strings"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// checkLimits applies the bank's payment rules to amount. It collects every
// broken rule instead of stopping at the first.
func checkLimits(bank *domain.BankConfig, amount domain.Amount) domain.PaymentLimitsValidation {
	v := domain.PaymentLimitsValidation{Valid: true, Amount: amount}

	if !amount.IsPositive() {
		v.Reasons = append(v.Reasons, "amount must be greater than zero")
	}
	if !bank.SupportsCurrency(amount.Currency) {
		v.Reasons = append(v.Reasons, "currency "+amount.Currency+" is not supported")
	} else if limit, err := bank.TransactionLimit(amount.Currency); err != nil {
		v.Reasons = append(v.Reasons, "bank transaction limit is misconfigured")
	} else {
		v.MaxAmount = &limit
		if amount.Minor > limit.Minor {
			v.Reasons = append(v.Reasons, "amount "+amount.String()+" exceeds the limit of "+limit.String())
		}
	}

	v.Valid = len(v.Reasons) == 0
	return v
}

// limitsError turns a failed validation into a PaymentInvalid error.
func limitsError(v domain.PaymentLimitsValidation) error {
	if v.Valid {
		return nil
	}
	return &domain.BankingError{
		Kind:   domain.KindPaymentInvalid,
		Code:   "limits",
		Detail: strings.Join(v.Reasons, "; "),
	}
}
