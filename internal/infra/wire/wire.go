// Package wire maps bank Open Banking JSON payloads to domain types and back.
// Decoding ignores unknown fields so bank-specific extensions pass through.
package wire

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// Envelope is the standard Open Banking response shape.
type Envelope[T any] struct {
	Data  T      `json:"Data"`
	Links *Links `json:"Links,omitempty"`
	Meta  *Meta  `json:"Meta,omitempty"`
}

// Links carries the bank's page-linking data.
type Links struct {
	Self  string `json:"Self,omitempty"`
	First string `json:"First,omitempty"`
	Prev  string `json:"Prev,omitempty"`
	Next  string `json:"Next,omitempty"`
	Last  string `json:"Last,omitempty"`
}

// Meta carries page counts. TotalRecords is an extension some banks add.
type Meta struct {
	TotalPages   int `json:"TotalPages,omitempty"`
	TotalRecords int `json:"TotalRecords,omitempty"`
}

// Request wraps an outbound payload with the mandatory Risk block.
type Request[T any] struct {
	Data T              `json:"Data"`
	Risk map[string]any `json:"Risk"`
}

// NewRequest wraps data with an empty Risk block.
func NewRequest[T any](data T) Request[T] {
	return Request[T]{Data: data, Risk: map[string]any{}}
}

// AmountDTO is the wire money shape: a decimal string plus currency.
type AmountDTO struct {
	Amount   string `json:"Amount"`
	Currency string `json:"Currency"`
}

// ToDomain parses the decimal string exactly.
func (a AmountDTO) ToDomain() (domain.Amount, error) {
	return domain.ParseAmount(a.Amount, a.Currency)
}

// FromAmount renders a domain amount for the wire.
func FromAmount(a domain.Amount) AmountDTO {
	return AmountDTO{Amount: a.String(), Currency: a.Currency}
}

// Decode unmarshals a bank body into an envelope.
func Decode[T any](body []byte) (*Envelope[T], error) {
	var env Envelope[T]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, decodeError(err)
	}
	return &env, nil
}

// DecodeInto unmarshals a non-envelope body such as an OAuth token response.
func DecodeInto(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return decodeError(err)
	}
	return nil
}

func decodeError(err error) error {
	return &domain.BankingError{Kind: domain.KindUnknown, Code: "decode", Detail: "unparseable bank payload", Err: err}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime accepts the date-time shapes seen across banks. Empty input yields the zero time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	var firstErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, decodeError(firstErr)
}

func parseTimePtr(s string) (*time.Time, error) {
	t, err := ParseTime(s)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

// Query builds query parameters from key/value pairs, skipping empty values.
func Query(pairs ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			v.Set(pairs[i], pairs[i+1])
		}
	}
	return v
}

// FormatTime renders a timestamp the way banks expect it.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return FormatTime(*t)
}

func parseIndicator(s string) (domain.CreditDebit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "credit":
		return domain.Credit, nil
	case "debit":
		return domain.Debit, nil
	}
	return "", &domain.BankingError{Kind: domain.KindUnknown, Code: "decode", Detail: "unknown credit/debit indicator " + s}
}

func parseOptionalAmount(a *AmountDTO) (*domain.Amount, error) {
	if a == nil || a.Amount == "" {
		return nil, nil
	}
	v, err := a.ToDomain()
	if err != nil {
		return nil, err
	}
	return &v, nil
}
