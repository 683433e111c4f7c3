package domain

import "time"

// ============================================================
// Accounts
// ============================================================

// CreditDebit is the direction of an amount relative to the account holder.
type CreditDebit string

const (
	Credit CreditDebit = "Credit"
	Debit  CreditDebit = "Debit"
)

// AccountIdentifier is a scheme-qualified account number such as an IBAN.
type AccountIdentifier struct {
	Scheme         string `json:"scheme"`
	Identification string `json:"identification"`
	Name           string `json:"name,omitempty"`
}

// Account is the account identity visible under a consent.
type Account struct {
	ID          string              `json:"account_id"`
	Currency    string              `json:"currency"`
	Type        string              `json:"account_type"`
	SubType     string              `json:"account_sub_type"`
	Nickname    string              `json:"nickname,omitempty"`
	OpeningDate *time.Time          `json:"opening_date,omitempty"`
	Identifiers []AccountIdentifier `json:"identifiers,omitempty"`
}

// AccountDetails extends Account with servicer and status data.
type AccountDetails struct {
	Account
	Status            string              `json:"status,omitempty"`
	StatusUpdatedAt   *time.Time          `json:"status_updated_at,omitempty"`
	ServicerScheme    string              `json:"servicer_scheme,omitempty"`
	ServicerID        string              `json:"servicer_id,omitempty"`
	Description       string              `json:"description,omitempty"`
	MaturityDate      *time.Time          `json:"maturity_date,omitempty"`
	SwitchStatus      string              `json:"switch_status,omitempty"`
	SecondaryAccounts []AccountIdentifier `json:"secondary_accounts,omitempty"`
}

// BalanceType follows the ISO 20022 balance codes used by Open Banking.
type BalanceType string

const (
	BalanceInterimAvailable BalanceType = "InterimAvailable"
	BalanceInterimBooked    BalanceType = "InterimBooked"
	BalanceClosingAvailable BalanceType = "ClosingAvailable"
	BalanceClosingBooked    BalanceType = "ClosingBooked"
	BalanceExpected         BalanceType = "Expected"
	BalanceOpeningAvailable BalanceType = "OpeningAvailable"
	BalanceOpeningBooked    BalanceType = "OpeningBooked"
)

// Balance is one balance figure for an account.
type Balance struct {
	AccountID string      `json:"account_id"`
	Type      BalanceType `json:"type"`
	Amount    Amount      `json:"amount"`
	Indicator CreditDebit `json:"credit_debit_indicator"`
	AsOf      time.Time   `json:"as_of"`
}

// Signed returns the balance as a signed minor-unit amount.
func (b Balance) Signed() Amount {
	return signed(b.Amount, b.Indicator)
}

// ============================================================
// Transactions
// ============================================================

// TransactionStatus distinguishes booked from pending movements.
type TransactionStatus string

const (
	TransactionBooked  TransactionStatus = "Booked"
	TransactionPending TransactionStatus = "Pending"
)

// Merchant carries optional card-merchant metadata.
type Merchant struct {
	Name         string `json:"name,omitempty"`
	CategoryCode string `json:"category_code,omitempty"`
}

// BalanceSnapshot is the post-transaction balance some banks embed.
type BalanceSnapshot struct {
	Amount    Amount      `json:"amount"`
	Indicator CreditDebit `json:"credit_debit_indicator"`
	Type      BalanceType `json:"type,omitempty"`
}

// Transaction is an immutable booked or pending movement. Amount is always
// non-negative; Indicator carries the direction.
type Transaction struct {
	ID           string            `json:"transaction_id"`
	AccountID    string            `json:"account_id"`
	Reference    string            `json:"reference,omitempty"`
	Amount       Amount            `json:"amount"`
	Indicator    CreditDebit       `json:"credit_debit_indicator"`
	Status       TransactionStatus `json:"status"`
	BookedAt     time.Time         `json:"booked_at"`
	ValueAt      *time.Time        `json:"value_at,omitempty"`
	Description  string            `json:"description,omitempty"`
	Merchant     *Merchant         `json:"merchant,omitempty"`
	BalanceAfter *BalanceSnapshot  `json:"balance_after,omitempty"`
}

// Signed returns the movement as a signed minor-unit amount.
func (t Transaction) Signed() Amount {
	return signed(t.Amount, t.Indicator)
}

// TransactionQuery selects a page of transactions.
type TransactionQuery struct {
	AccountID string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// Pagination describes where a page sits in the full result.
type Pagination struct {
	Page         int    `json:"page"`
	PageSize     int    `json:"page_size"`
	TotalPages   int    `json:"total_pages"`
	TotalRecords int    `json:"total_records"`
	Offset       int    `json:"offset"`
	HasMore      bool   `json:"has_more"`
	NextLink     string `json:"next_link,omitempty"`
}

// TransactionResponse is one page of transactions.
type TransactionResponse struct {
	AccountID    string        `json:"account_id"`
	Transactions []Transaction `json:"transactions"`
	Pagination   Pagination    `json:"pagination"`
}

// ============================================================
// Standing orders, direct debits, statements
// ============================================================

// StandingOrder is a recurring instruction held at the bank.
type StandingOrder struct {
	ID                 string             `json:"standing_order_id"`
	AccountID          string             `json:"account_id"`
	Frequency          string             `json:"frequency"`
	Reference          string             `json:"reference,omitempty"`
	Status             string             `json:"status,omitempty"`
	FirstPaymentAt     *time.Time         `json:"first_payment_at,omitempty"`
	NextPaymentAt      *time.Time         `json:"next_payment_at,omitempty"`
	FinalPaymentAt     *time.Time         `json:"final_payment_at,omitempty"`
	NextPaymentAmount  *Amount            `json:"next_payment_amount,omitempty"`
	FirstPaymentAmount *Amount            `json:"first_payment_amount,omitempty"`
	Creditor           *AccountIdentifier `json:"creditor,omitempty"`
}

// DirectDebit is a mandate allowing a creditor to pull funds.
type DirectDebit struct {
	ID                    string     `json:"direct_debit_id"`
	AccountID             string     `json:"account_id"`
	MandateID             string     `json:"mandate_id"`
	Status                string     `json:"status,omitempty"`
	Name                  string     `json:"name"`
	PreviousPaymentAt     *time.Time `json:"previous_payment_at,omitempty"`
	PreviousPaymentAmount *Amount    `json:"previous_payment_amount,omitempty"`
}

// Statement is a periodic account statement header.
type Statement struct {
	ID        string    `json:"statement_id"`
	AccountID string    `json:"account_id"`
	Reference string    `json:"reference,omitempty"`
	Type      string    `json:"type"`
	StartAt   time.Time `json:"start_at"`
	EndAt     time.Time `json:"end_at"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountSnapshot aggregates the reads a dashboard needs for one account.
type AccountSnapshot struct {
	Details      *AccountDetails      `json:"details"`
	Balances     []Balance            `json:"balances"`
	Transactions *TransactionResponse `json:"transactions"`
}

func signed(a Amount, ind CreditDebit) Amount {
	a = a.Abs()
	if ind == Debit {
		a.Minor = -a.Minor
	}
	return a
}
