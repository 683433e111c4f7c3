package wire_test

import (
	"testing"
	"time"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/wire"
)

const transactionsBody = `{
  "Data": {
    "Transaction": [
      {
        "AccountId": "acc-1",
        "TransactionId": "tx-1",
        "Amount": {"Amount": "250.75", "Currency": "SAR"},
        "CreditDebitIndicator": "Debit",
        "Status": "Booked",
        "BookingDateTime": "2026-02-01T10:15:00+03:00",
        "ValueDateTime": "2026-02-01",
        "TransactionInformation": "Coffee",
        "MerchantDetails": {"MerchantName": "Brew", "MerchantCategoryCode": "5814"},
        "Balance": {"Amount": {"Amount": "1000.00", "Currency": "SAR"}, "CreditDebitIndicator": "Credit", "Type": "InterimBooked"},
        "BankSpecificExtension": {"Loyalty": 12}
      },
      {
        "AccountId": "acc-1",
        "TransactionId": "tx-2",
        "Amount": {"Amount": "-40", "Currency": "SAR"},
        "CreditDebitIndicator": "Debit",
        "Status": "Pending",
        "BookingDateTime": "2026-02-02T08:00:00Z"
      }
    ]
  },
  "Links": {"Self": "/accounts/acc-1/transactions", "Next": "/accounts/acc-1/transactions?page=2"},
  "Meta": {"TotalPages": 3}
}`

func TestToTransactions(t *testing.T) {
	env, err := wire.Decode[wire.TransactionsData]([]byte(transactionsBody))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	txs, err := wire.ToTransactions(env.Data)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}

	first := txs[0]
	if first.Amount.Minor != 25075 || first.Indicator != domain.Debit {
		t.Errorf("unexpected amount %+v indicator %s", first.Amount, first.Indicator)
	}
	if first.Merchant == nil || first.Merchant.Name != "Brew" {
		t.Errorf("expected merchant metadata, got %+v", first.Merchant)
	}
	if first.BalanceAfter == nil || first.BalanceAfter.Amount.Minor != 100000 {
		t.Errorf("expected embedded balance, got %+v", first.BalanceAfter)
	}
	if first.ValueAt == nil {
		t.Error("expected value date")
	}

	second := txs[1]
	if second.Amount.Minor != 4000 {
		t.Errorf("expected unsigned magnitude 4000, got %d", second.Amount.Minor)
	}
	if second.Signed().Minor != -4000 {
		t.Errorf("expected signed -4000, got %d", second.Signed().Minor)
	}
	if second.Status != domain.TransactionPending {
		t.Errorf("expected Pending, got %s", second.Status)
	}

	if env.Links == nil || env.Links.Next == "" || env.Meta == nil || env.Meta.TotalPages != 3 {
		t.Errorf("expected links and meta, got %+v %+v", env.Links, env.Meta)
	}
}

func TestToBalances_RejectsUnknownIndicator(t *testing.T) {
	data := wire.BalancesData{Balance: []wire.BalanceDTO{{
		AccountID:            "acc-1",
		CreditDebitIndicator: "Sideways",
		Type:                 "InterimAvailable",
		DateTime:             "2026-02-01T00:00:00Z",
		Amount:               wire.AmountDTO{Amount: "1.00", Currency: "SAR"},
	}}}
	if _, err := wire.ToBalances(data); err == nil {
		t.Fatal("expected error for unknown indicator")
	}
}

func TestParseConsentStatus_Spellings(t *testing.T) {
	cases := map[string]domain.ConsentStatus{
		"AwaitingAuthorisation": domain.ConsentAwaitingAuthorization,
		"AwaitingAuthorization": domain.ConsentAwaitingAuthorization,
		"Authorised":            domain.ConsentAuthorized,
		"Authorized":            domain.ConsentAuthorized,
		"Consumed":              domain.ConsentConsumed,
		"Revoked":               domain.ConsentRevoked,
		"Rejected":              domain.ConsentRejected,
		"Expired":               domain.ConsentExpired,
	}
	for in, want := range cases {
		got, err := wire.ParseConsentStatus(in)
		if err != nil || got != want {
			t.Errorf("ParseConsentStatus(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := wire.ParseConsentStatus("Suspended"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestParsePaymentStatus_UnknownIsPending(t *testing.T) {
	if got := wire.ParsePaymentStatus("AcceptedTechnicalValidation"); got != domain.PaymentAcceptedSettlementInProcess {
		t.Errorf("got %s", got)
	}
	if got := wire.ParsePaymentStatus("SomethingNew"); got != domain.PaymentPending {
		t.Errorf("expected Pending for unknown, got %s", got)
	}
}

func TestToConsent_PaymentConsentCarriesTerms(t *testing.T) {
	data := wire.ConsentData{
		ConsentID:            "pc-1",
		Status:               "Authorised",
		CreationDateTime:     "2026-02-01T00:00:00Z",
		StatusUpdateDateTime: "2026-02-01T00:01:00Z",
		Initiation: &wire.InitiationDTO{
			InstructionIdentification: "instr-1",
			EndToEndIdentification:    "e2e-1",
			InstructedAmount:          wire.AmountDTO{Amount: "99.90", Currency: "SAR"},
			CreditorAccount:           wire.AccountIdentifierDTO{SchemeName: "IBAN", Identification: "SA0380000000608010167519", Name: "Shop"},
		},
	}
	c, err := wire.ToConsent(data, "bank", domain.ConsentDomesticPayment, time.Now())
	if err != nil {
		t.Fatalf("ToConsent: %v", err)
	}
	if c.Payment == nil || c.Payment.Amount.Minor != 9990 {
		t.Fatalf("expected payment terms, got %+v", c.Payment)
	}
	if !c.HasPermission(domain.PermInitiateDomesticPayment) {
		t.Error("payment consent should carry the implicit initiation permission")
	}
}

func TestQuery_SkipsEmptyValues(t *testing.T) {
	q := wire.Query("page", "2", "fromBookingDateTime", "", "pageSize", "50", "dangling")
	if q.Encode() != "page=2&pageSize=50" {
		t.Errorf("unexpected query %q", q.Encode())
	}
}

func TestTokenResponse_ToToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tok, err := wire.TokenResponse{AccessToken: "at", ExpiresIn: 3600, RefreshToken: "rt"}.ToToken(now, time.Minute)
	if err != nil {
		t.Fatalf("ToToken: %v", err)
	}
	if !tok.ExpiresAt.Equal(now.Add(time.Hour)) || tok.TokenType != "Bearer" {
		t.Errorf("unexpected token %+v", tok)
	}

	tok, err = wire.TokenResponse{AccessToken: "at"}.ToToken(now, 30*time.Minute)
	if err != nil {
		t.Fatalf("ToToken without expires_in: %v", err)
	}
	if !tok.ExpiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("expected the fallback lifetime, got %s", tok.ExpiresAt)
	}
	tok, err = wire.TokenResponse{AccessToken: "at", ExpiresIn: -5}.ToToken(now, 30*time.Minute)
	if err != nil || !tok.ExpiresAt.Equal(now.Add(30*time.Minute)) {
		t.Errorf("expected the fallback for a negative expires_in, got %+v, %v", tok, err)
	}

	if _, err := (wire.TokenResponse{AccessToken: "at"}).ToToken(now, 0); err == nil {
		t.Error("expected error without expires_in or a fallback")
	}
}

func TestFromAccountAccessConsentRequest(t *testing.T) {
	exp := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	req := wire.FromAccountAccessConsentRequest(domain.AccountAccessConsentRequest{
		Permissions: []domain.Permission{domain.PermReadAccountsBasic},
		ExpiresAt:   exp,
	})
	if req.Data.ExpirationDateTime != "2026-06-01T00:00:00Z" {
		t.Errorf("unexpected expiry %s", req.Data.ExpirationDateTime)
	}
	if req.Risk == nil {
		t.Error("Risk block must be present")
	}
}
