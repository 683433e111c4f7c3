package domain

import (
	"strconv"
	"strings"
)

// Amount is an exact monetary value in the currency's minor units.
type Amount struct {
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"`
}

var currencyExponents = map[string]int{
	"BHD": 3,
	"IQD": 3,
	"JOD": 3,
	"JPY": 0,
	"KRW": 0,
	"KWD": 3,
	"LYD": 3,
	"OMR": 3,
	"TND": 3,
}

// CurrencyExponent returns the number of minor-unit digits for an ISO 4217 code.
func CurrencyExponent(currency string) int {
	if e, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

// ParseAmount parses a wire decimal string such as "1250.50" into minor units.
// Fraction digits beyond the currency exponent must be zero.
func ParseAmount(value, currency string) (Amount, error) {
	s := strings.TrimSpace(value)
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if s == "" {
		return Amount{}, Validation("amount", "amount is empty")
	}
	if len(currency) != 3 {
		return Amount{}, Validation("currency", "currency must be a three letter ISO 4217 code")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" || !allDigits(whole) || !allDigits(frac) {
		return Amount{}, Errorf(KindInvalidRequest, "malformed amount %q", value)
	}

	exp := CurrencyExponent(currency)
	if len(frac) > exp {
		if strings.Trim(frac[exp:], "0") != "" {
			return Amount{}, Errorf(KindInvalidRequest, "amount %q has more precision than %s allows", value, currency)
		}
		frac = frac[:exp]
	}
	frac += strings.Repeat("0", exp-len(frac))

	minor, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return Amount{}, Errorf(KindInvalidRequest, "amount %q out of range", value)
	}
	if negative {
		minor = -minor
	}
	return Amount{Minor: minor, Currency: currency}, nil
}

// MustParseAmount is ParseAmount for literals; it panics on malformed input.
func MustParseAmount(value, currency string) Amount {
	a, err := ParseAmount(value, currency)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the amount as a wire decimal without currency.
func (a Amount) String() string {
	exp := CurrencyExponent(a.Currency)
	minor := a.Minor
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	digits := strconv.FormatInt(minor, 10)
	if exp == 0 {
		return sign + digits
	}
	if len(digits) <= exp {
		digits = strings.Repeat("0", exp-len(digits)+1) + digits
	}
	return sign + digits[:len(digits)-exp] + "." + digits[len(digits)-exp:]
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool {
	return a.Minor > 0
}

// Abs drops the sign.
func (a Amount) Abs() Amount {
	if a.Minor < 0 {
		a.Minor = -a.Minor
	}
	return a
}

// SameCurrency reports whether both amounts share a currency code.
func (a Amount) SameCurrency(b Amount) bool {
	return strings.EqualFold(a.Currency, b.Currency)
}

// Equal compares value and currency.
func (a Amount) Equal(b Amount) bool {
	return a.Minor == b.Minor && a.SameCurrency(b)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
