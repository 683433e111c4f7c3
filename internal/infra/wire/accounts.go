package wire

import (
	"github.com/boddenberg/ob-client-go/internal/domain"
)

// ============================================================
// Accounts
// ============================================================

// AccountIdentifierDTO is one scheme identifier of an account, e.g. an IBAN.
type AccountIdentifierDTO struct {
	SchemeName     string `json:"SchemeName"`
	Identification string `json:"Identification"`
	Name           string `json:"Name,omitempty"`
}

// ServicerDTO identifies the institution servicing an account.
type ServicerDTO struct {
	SchemeName     string `json:"SchemeName"`
	Identification string `json:"Identification"`
}

// AccountDTO is an account as listed by the bank.
type AccountDTO struct {
	AccountID        string                 `json:"AccountId"`
	Currency         string                 `json:"Currency"`
	AccountType      string                 `json:"AccountType"`
	AccountSubType   string                 `json:"AccountSubType"`
	Nickname         string                 `json:"Nickname,omitempty"`
	Description      string                 `json:"Description,omitempty"`
	OpeningDate      string                 `json:"OpeningDate,omitempty"`
	MaturityDate     string                 `json:"MaturityDate,omitempty"`
	Status           string                 `json:"Status,omitempty"`
	StatusUpdate     string                 `json:"StatusUpdateDateTime,omitempty"`
	SwitchStatus     string                 `json:"SwitchStatus,omitempty"`
	Account          []AccountIdentifierDTO `json:"Account,omitempty"`
	Servicer         *ServicerDTO           `json:"Servicer,omitempty"`
	SecondaryAccount []AccountIdentifierDTO `json:"SecondaryAccount,omitempty"`
}

// AccountsData is the Data member of the accounts endpoints.
type AccountsData struct {
	Account []AccountDTO `json:"Account"`
}

func identifiers(in []AccountIdentifierDTO) []domain.AccountIdentifier {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.AccountIdentifier, 0, len(in))
	for _, id := range in {
		out = append(out, domain.AccountIdentifier{Scheme: id.SchemeName, Identification: id.Identification, Name: id.Name})
	}
	return out
}

func (a AccountDTO) toAccount() (domain.Account, error) {
	opened, err := parseTimePtr(a.OpeningDate)
	if err != nil {
		return domain.Account{}, err
	}
	return domain.Account{
		ID:          a.AccountID,
		Currency:    a.Currency,
		Type:        a.AccountType,
		SubType:     a.AccountSubType,
		Nickname:    a.Nickname,
		OpeningDate: opened,
		Identifiers: identifiers(a.Account),
	}, nil
}

// ToAccounts maps an accounts payload.
func ToAccounts(data AccountsData) ([]domain.Account, error) {
	out := make([]domain.Account, 0, len(data.Account))
	for _, a := range data.Account {
		acc, err := a.toAccount()
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, nil
}

// ToAccountDetails maps the single-account payload. The bank returns a
// one-element list; an empty list is reported as NotFound.
func ToAccountDetails(data AccountsData, accountID string) (*domain.AccountDetails, error) {
	if len(data.Account) == 0 {
		return nil, domain.Errorf(domain.KindNotFound, "account %s not returned by bank", accountID)
	}
	a := data.Account[0]
	for _, candidate := range data.Account {
		if candidate.AccountID == accountID {
			a = candidate
			break
		}
	}

	acc, err := a.toAccount()
	if err != nil {
		return nil, err
	}
	statusAt, err := parseTimePtr(a.StatusUpdate)
	if err != nil {
		return nil, err
	}
	maturity, err := parseTimePtr(a.MaturityDate)
	if err != nil {
		return nil, err
	}

	d := &domain.AccountDetails{
		Account:           acc,
		Status:            a.Status,
		StatusUpdatedAt:   statusAt,
		Description:       a.Description,
		MaturityDate:      maturity,
		SwitchStatus:      a.SwitchStatus,
		SecondaryAccounts: identifiers(a.SecondaryAccount),
	}
	if a.Servicer != nil {
		d.ServicerScheme = a.Servicer.SchemeName
		d.ServicerID = a.Servicer.Identification
	}
	return d, nil
}

// ============================================================
// Balances
// ============================================================

// BalanceDTO is one balance of an account.
type BalanceDTO struct {
	AccountID            string    `json:"AccountId"`
	CreditDebitIndicator string    `json:"CreditDebitIndicator"`
	Type                 string    `json:"Type"`
	DateTime             string    `json:"DateTime"`
	Amount               AmountDTO `json:"Amount"`
}

// BalancesData is the Data member of the balances endpoint.
type BalancesData struct {
	Balance []BalanceDTO `json:"Balance"`
}

// ToBalances maps a balances payload.
func ToBalances(data BalancesData) ([]domain.Balance, error) {
	out := make([]domain.Balance, 0, len(data.Balance))
	for _, b := range data.Balance {
		amt, err := b.Amount.ToDomain()
		if err != nil {
			return nil, err
		}
		ind, err := parseIndicator(b.CreditDebitIndicator)
		if err != nil {
			return nil, err
		}
		asOf, err := ParseTime(b.DateTime)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Balance{
			AccountID: b.AccountID,
			Type:      domain.BalanceType(b.Type),
			Amount:    amt.Abs(),
			Indicator: ind,
			AsOf:      asOf,
		})
	}
	return out, nil
}

// ============================================================
// Transactions
// ============================================================

// MerchantDTO describes the merchant of a card transaction.
type MerchantDTO struct {
	MerchantName         string `json:"MerchantName,omitempty"`
	MerchantCategoryCode string `json:"MerchantCategoryCode,omitempty"`
}

// TransactionBalanceDTO is the running balance after a transaction.
type TransactionBalanceDTO struct {
	Amount               AmountDTO `json:"Amount"`
	CreditDebitIndicator string    `json:"CreditDebitIndicator"`
	Type                 string    `json:"Type,omitempty"`
}

// TransactionDTO is one booked or pending transaction.
type TransactionDTO struct {
	AccountID              string                 `json:"AccountId"`
	TransactionID          string                 `json:"TransactionId"`
	TransactionReference   string                 `json:"TransactionReference,omitempty"`
	Amount                 AmountDTO              `json:"Amount"`
	CreditDebitIndicator   string                 `json:"CreditDebitIndicator"`
	Status                 string                 `json:"Status"`
	BookingDateTime        string                 `json:"BookingDateTime"`
	ValueDateTime          string                 `json:"ValueDateTime,omitempty"`
	TransactionInformation string                 `json:"TransactionInformation,omitempty"`
	MerchantDetails        *MerchantDTO           `json:"MerchantDetails,omitempty"`
	Balance                *TransactionBalanceDTO `json:"Balance,omitempty"`
}

// TransactionsData is the Data member of the transactions endpoint.
type TransactionsData struct {
	Transaction []TransactionDTO `json:"Transaction"`
}

func transactionStatus(s string) domain.TransactionStatus {
	if s == string(domain.TransactionPending) {
		return domain.TransactionPending
	}
	return domain.TransactionBooked
}

// ToTransactions maps a transactions payload. Amounts are stored unsigned;
// a bank that sends a signed magnitude still yields indicator plus magnitude.
func ToTransactions(data TransactionsData) ([]domain.Transaction, error) {
	out := make([]domain.Transaction, 0, len(data.Transaction))
	for _, t := range data.Transaction {
		amt, err := t.Amount.ToDomain()
		if err != nil {
			return nil, err
		}
		ind, err := parseIndicator(t.CreditDebitIndicator)
		if err != nil {
			return nil, err
		}
		booked, err := ParseTime(t.BookingDateTime)
		if err != nil {
			return nil, err
		}
		valueAt, err := parseTimePtr(t.ValueDateTime)
		if err != nil {
			return nil, err
		}

		tx := domain.Transaction{
			ID:          t.TransactionID,
			AccountID:   t.AccountID,
			Reference:   t.TransactionReference,
			Amount:      amt.Abs(),
			Indicator:   ind,
			Status:      transactionStatus(t.Status),
			BookedAt:    booked,
			ValueAt:     valueAt,
			Description: t.TransactionInformation,
		}
		if t.MerchantDetails != nil {
			tx.Merchant = &domain.Merchant{Name: t.MerchantDetails.MerchantName, CategoryCode: t.MerchantDetails.MerchantCategoryCode}
		}
		if t.Balance != nil {
			bal, err := t.Balance.Amount.ToDomain()
			if err != nil {
				return nil, err
			}
			bind, err := parseIndicator(t.Balance.CreditDebitIndicator)
			if err != nil {
				return nil, err
			}
			tx.BalanceAfter = &domain.BalanceSnapshot{Amount: bal.Abs(), Indicator: bind, Type: domain.BalanceType(t.Balance.Type)}
		}
		out = append(out, tx)
	}
	return out, nil
}

// ============================================================
// Standing orders, direct debits, statements
// ============================================================

// StandingOrderDTO is a standing order set up on an account.
type StandingOrderDTO struct {
	AccountID               string                `json:"AccountId"`
	StandingOrderID         string                `json:"StandingOrderId"`
	Frequency               string                `json:"Frequency"`
	Reference               string                `json:"Reference,omitempty"`
	StandingOrderStatusCode string                `json:"StandingOrderStatusCode,omitempty"`
	FirstPaymentDateTime    string                `json:"FirstPaymentDateTime,omitempty"`
	NextPaymentDateTime     string                `json:"NextPaymentDateTime,omitempty"`
	FinalPaymentDateTime    string                `json:"FinalPaymentDateTime,omitempty"`
	FirstPaymentAmount      *AmountDTO            `json:"FirstPaymentAmount,omitempty"`
	NextPaymentAmount       *AmountDTO            `json:"NextPaymentAmount,omitempty"`
	CreditorAccount         *AccountIdentifierDTO `json:"CreditorAccount,omitempty"`
}

// StandingOrdersData is the Data member of the standing orders endpoint.
type StandingOrdersData struct {
	StandingOrder []StandingOrderDTO `json:"StandingOrder"`
}

// ToStandingOrders maps a standing-orders payload.
func ToStandingOrders(data StandingOrdersData) ([]domain.StandingOrder, error) {
	out := make([]domain.StandingOrder, 0, len(data.StandingOrder))
	for _, so := range data.StandingOrder {
		first, err := parseTimePtr(so.FirstPaymentDateTime)
		if err != nil {
			return nil, err
		}
		next, err := parseTimePtr(so.NextPaymentDateTime)
		if err != nil {
			return nil, err
		}
		final, err := parseTimePtr(so.FinalPaymentDateTime)
		if err != nil {
			return nil, err
		}
		firstAmt, err := parseOptionalAmount(so.FirstPaymentAmount)
		if err != nil {
			return nil, err
		}
		nextAmt, err := parseOptionalAmount(so.NextPaymentAmount)
		if err != nil {
			return nil, err
		}

		order := domain.StandingOrder{
			ID:                 so.StandingOrderID,
			AccountID:          so.AccountID,
			Frequency:          so.Frequency,
			Reference:          so.Reference,
			Status:             so.StandingOrderStatusCode,
			FirstPaymentAt:     first,
			NextPaymentAt:      next,
			FinalPaymentAt:     final,
			FirstPaymentAmount: firstAmt,
			NextPaymentAmount:  nextAmt,
		}
		if so.CreditorAccount != nil {
			order.Creditor = &domain.AccountIdentifier{
				Scheme:         so.CreditorAccount.SchemeName,
				Identification: so.CreditorAccount.Identification,
				Name:           so.CreditorAccount.Name,
			}
		}
		out = append(out, order)
	}
	return out, nil
}

// DirectDebitDTO is a direct debit mandate on an account.
type DirectDebitDTO struct {
	AccountID               string     `json:"AccountId"`
	DirectDebitID           string     `json:"DirectDebitId"`
	MandateIdentification   string     `json:"MandateIdentification"`
	DirectDebitStatusCode   string     `json:"DirectDebitStatusCode,omitempty"`
	Name                    string     `json:"Name"`
	PreviousPaymentDateTime string     `json:"PreviousPaymentDateTime,omitempty"`
	PreviousPaymentAmount   *AmountDTO `json:"PreviousPaymentAmount,omitempty"`
}

// DirectDebitsData is the Data member of the direct debits endpoint.
type DirectDebitsData struct {
	DirectDebit []DirectDebitDTO `json:"DirectDebit"`
}

// ToDirectDebits maps a direct-debits payload.
func ToDirectDebits(data DirectDebitsData) ([]domain.DirectDebit, error) {
	out := make([]domain.DirectDebit, 0, len(data.DirectDebit))
	for _, dd := range data.DirectDebit {
		prev, err := parseTimePtr(dd.PreviousPaymentDateTime)
		if err != nil {
			return nil, err
		}
		amt, err := parseOptionalAmount(dd.PreviousPaymentAmount)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.DirectDebit{
			ID:                    dd.DirectDebitID,
			AccountID:             dd.AccountID,
			MandateID:             dd.MandateIdentification,
			Status:                dd.DirectDebitStatusCode,
			Name:                  dd.Name,
			PreviousPaymentAt:     prev,
			PreviousPaymentAmount: amt,
		})
	}
	return out, nil
}

// StatementDTO is one account statement period.
type StatementDTO struct {
	AccountID          string `json:"AccountId"`
	StatementID        string `json:"StatementId"`
	StatementReference string `json:"StatementReference,omitempty"`
	Type               string `json:"Type"`
	StartDateTime      string `json:"StartDateTime"`
	EndDateTime        string `json:"EndDateTime"`
	CreationDateTime   string `json:"CreationDateTime"`
}

// StatementsData is the Data member of the statements endpoint.
type StatementsData struct {
	Statement []StatementDTO `json:"Statement"`
}

// ToStatements maps a statements payload.
func ToStatements(data StatementsData) ([]domain.Statement, error) {
	out := make([]domain.Statement, 0, len(data.Statement))
	for _, s := range data.Statement {
		start, err := ParseTime(s.StartDateTime)
		if err != nil {
			return nil, err
		}
		end, err := ParseTime(s.EndDateTime)
		if err != nil {
			return nil, err
		}
		created, err := ParseTime(s.CreationDateTime)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Statement{
			ID:        s.StatementID,
			AccountID: s.AccountID,
			Reference: s.StatementReference,
			Type:      s.Type,
			StartAt:   start,
			EndAt:     end,
			CreatedAt: created,
		})
	}
	return out, nil
}
