package service

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/ob-client-go/internal/domain"
	"github.com/boddenberg/ob-client-go/internal/infra/wire"
	"github.com/boddenberg/ob-client-go/internal/port"
)

var accountsTracer = otel.Tracer("service/accounts")

const (
	DefaultTransactionLimit = 100
	MaxTransactionLimit     = 1000
)

// AccountService reads consented account data with the user token.
// Every call checks the consent locally before any network traffic.
type AccountService struct {
	transport port.BankTransport
	tokens    TokenSource
	consents  port.PermissionChecker
	logger    *zap.Logger
}

// NewAccountService creates the account service.
func NewAccountService(transport port.BankTransport, tokens TokenSource, consents port.PermissionChecker, logger *zap.Logger) *AccountService {
	return &AccountService{
		transport: transport,
		tokens:    tokens,
		consents:  consents,
		logger:    logger,
	}
}

// GetAccounts lists the accounts visible under the consent.
func (s *AccountService) GetAccounts(ctx context.Context, consentID string) ([]domain.Account, error) {
	ctx, span := accountsTracer.Start(ctx, "AccountService.GetAccounts")
	defer span.End()

	if err := s.consents.RequireAnyPermission(ctx, consentID, domain.PermReadAccountsBasic, domain.PermReadAccountsDetail); err != nil {
		return nil, err
	}
	env, err := fetch[wire.AccountsData](ctx, s, "accounts.list", "/accounts", nil)
	if err != nil {
		return nil, err
	}
	return wire.ToAccounts(env.Data)
}

// GetAccountDetails returns one account with servicer and status data.
func (s *AccountService) GetAccountDetails(ctx context.Context, consentID, accountID string) (*domain.AccountDetails, error) {
	ctx, span := accountsTracer.Start(ctx, "AccountService.GetAccountDetails")
	defer span.End()

	if err := requireAccountID(accountID); err != nil {
		return nil, err
	}
	if err := s.consents.RequirePermission(ctx, consentID, domain.PermReadAccountsDetail); err != nil {
		return nil, err
	}
	env, err := fetch[wire.AccountsData](ctx, s, "accounts.get", accountPath(accountID, ""), nil)
	if err != nil {
		return nil, err
	}
	return wire.ToAccountDetails(env.Data, accountID)
}

// GetAccountBalances returns every balance type the bank reports.
func (s *AccountService) GetAccountBalances(ctx context.Context, consentID, accountID string) ([]domain.Balance, error) {
	ctx, span := accountsTracer.Start(ctx, "AccountService.GetAccountBalances")
	defer span.End()

	if err := requireAccountID(accountID); err != nil {
		return nil, err
	}
	if err := s.consents.RequirePermission(ctx, consentID, domain.PermReadBalances); err != nil {
		return nil, err
	}
	env, err := fetch[wire.BalancesData](ctx, s, "accounts.balances", accountPath(accountID, "balances"), nil)
	if err != nil {
		return nil, err
	}
	return wire.ToBalances(env.Data)
}

// GetTransactions returns one page of transactions. Limit defaults to 100.
func (s *AccountService) GetTransactions(ctx context.Context, consentID string, q domain.TransactionQuery) (*domain.TransactionResponse, error) {
	ctx, span := accountsTracer.Start(ctx, "AccountService.GetTransactions")
	defer span.End()

	if err := requireAccountID(q.AccountID); err != nil {
		return nil, err
	}
	if q.Limit == 0 {
		q.Limit = DefaultTransactionLimit
	}
	if q.Limit < 0 || q.Limit > MaxTransactionLimit {
		return nil, domain.Validation("limit", "limit must be between 1 and "+strconv.Itoa(MaxTransactionLimit))
	}
	if q.Offset < 0 {
		return nil, domain.Validation("offset", "offset must not be negative")
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return nil, domain.Validation("from", "from must not be after to")
	}
	span.SetAttributes(attribute.Int("page.limit", q.Limit), attribute.Int("page.offset", q.Offset))

	if err := s.consents.RequireAnyPermission(ctx, consentID,
		domain.PermReadTransactionsBasic, domain.PermReadTransactionsDetail,
		domain.PermReadTransactionsCredits, domain.PermReadTransactionsDebits,
	); err != nil {
		return nil, err
	}

	// Bank pages are Limit wide; an unaligned offset spans two of them.
	page := q.Offset/q.Limit + 1
	skip := q.Offset % q.Limit

	env, txns, err := s.transactionsPage(ctx, q, page)
	if err != nil {
		return nil, err
	}
	lastPage, full := page, len(txns) == q.Limit
	if skip > 0 {
		txns = txns[min(skip, len(txns)):]
		if full && hasMore(env.Links, env.Meta, page, q.Limit, q.Limit) {
			next, more, err := s.transactionsPage(ctx, q, page+1)
			if err != nil {
				return nil, err
			}
			txns = append(txns, more[:min(skip, len(more))]...)
			env, lastPage, full = next, page+1, len(more) >= skip
		} else {
			full = false
		}
	}
	for i := range txns {
		if txns[i].AccountID == "" {
			txns[i].AccountID = q.AccountID
		}
	}

	resp := &domain.TransactionResponse{
		AccountID:    q.AccountID,
		Transactions: txns,
		Pagination:   paginate(env.Links, env.Meta, q, lastPage, len(txns), full),
	}
	s.logger.Debug("transactions page",
		zap.String("account_id", q.AccountID),
		zap.Int("offset", q.Offset),
		zap.Int("returned", len(txns)),
		zap.Bool("has_more", resp.Pagination.HasMore),
	)
	return resp, nil
}

// transactionsPage fetches one bank page of q.Limit records, truncated to
// q.Limit for banks that ignore pageSize.
func (s *AccountService) transactionsPage(ctx context.Context, q domain.TransactionQuery, page int) (*wire.Envelope[wire.TransactionsData], []domain.Transaction, error) {
	var from, to string
	if q.From != nil {
		from = wire.FormatTime(*q.From)
	}
	if q.To != nil {
		to = wire.FormatTime(*q.To)
	}
	query := wire.Query(
		"fromBookingDateTime", from,
		"toBookingDateTime", to,
		"page", strconv.Itoa(page),
		"pageSize", strconv.Itoa(q.Limit),
	)

	env, err := fetch[wire.TransactionsData](ctx, s, "accounts.transactions", accountPath(q.AccountID, "transactions"), query)
	if err != nil {
		return nil, nil, err
	}
	txns, err := wire.ToTransactions(env.Data)
	if err != nil {
		return nil, nil, err
	}
	if len(txns) > q.Limit {
		txns = txns[:q.Limit]
	}
	return env, txns, nil
}

// hasMore prefers the bank's Links and Meta and otherwise treats a full
// page as a sign that more may follow.
func hasMore(links *wire.Links, meta *wire.Meta, page, returned, limit int) bool {
	hasLinkData := (links != nil && (links.Next != "" || links.Last != "" || links.Self != "")) ||
		(meta != nil && meta.TotalPages > 0)
	if !hasLinkData {
		return returned == limit
	}
	if links != nil && links.Next != "" {
		return true
	}
	return meta != nil && meta.TotalPages > 0 && page < meta.TotalPages
}

// paginate describes the window [Offset, Offset+returned). lastPage is the
// last bank page fetched; full reports whether the window was filled.
func paginate(links *wire.Links, meta *wire.Meta, q domain.TransactionQuery, lastPage, returned int, full bool) domain.Pagination {
	p := domain.Pagination{
		Page:     q.Offset/q.Limit + 1,
		PageSize: q.Limit,
		Offset:   q.Offset,
	}
	if meta != nil {
		p.TotalPages = meta.TotalPages
		p.TotalRecords = meta.TotalRecords
	}
	if links != nil {
		p.NextLink = links.Next
	}

	pageReturned := returned
	if full {
		pageReturned = q.Limit
	}
	p.HasMore = hasMore(links, meta, lastPage, pageReturned, q.Limit)

	seen := q.Offset + returned
	if p.TotalPages == 0 {
		p.TotalPages = (seen + q.Limit - 1) / q.Limit
		if p.HasMore {
			p.TotalPages++
		}
		if p.TotalPages == 0 {
			p.TotalPages = 1
		}
	}
	if p.TotalRecords == 0 {
		p.TotalRecords = seen
	}
	return p
}

// GetStandingOrders lists the account's standing orders.
func (s *AccountService) GetStandingOrders(ctx context.Context, consentID, accountID string) ([]domain.StandingOrder, error) {
	ctx, span := accountsTracer.Start(ctx, "AccountService.GetStandingOrders")
	defer span.End()

	if err := requireAccountID(accountID); err != nil {
		return nil, err
	}
	if err := s.consents.RequireAnyPermission(ctx, consentID, domain.PermReadStandingOrdersBasic, domain.PermReadStandingOrdersDetail); err != nil {
		return nil, err
	}
	env, err := fetch[wire.StandingOrdersData](ctx, s, "accounts.standing_orders", accountPath(accountID, "standing-orders"), nil)
	if err != nil {
		return nil, err
	}
	return wire.ToStandingOrders(env.Data)
}

// GetDirectDebits lists the account's direct debit mandates.
func (s *AccountService) GetDirectDebits(ctx context.Context, consentID, accountID string) ([]domain.DirectDebit, error) {
	ctx, span := accountsTracer.Start(ctx, "AccountService.GetDirectDebits")
	defer span.End()

	if err := requireAccountID(accountID); err != nil {
		return nil, err
	}
	if err := s.consents.RequirePermission(ctx, consentID, domain.PermReadDirectDebits); err != nil {
		return nil, err
	}
	env, err := fetch[wire.DirectDebitsData](ctx, s, "accounts.direct_debits", accountPath(accountID, "direct-debits"), nil)
	if err != nil {
		return nil, err
	}
	return wire.ToDirectDebits(env.Data)
}

// GetStatements lists the account's statements.
func (s *AccountService) GetStatements(ctx context.Context, consentID, accountID string) ([]domain.Statement, error) {
	ctx, span := accountsTracer.Start(ctx, "AccountService.GetStatements")
	defer span.End()

	if err := requireAccountID(accountID); err != nil {
		return nil, err
	}
	if err := s.consents.RequireAnyPermission(ctx, consentID, domain.PermReadStatementsBasic, domain.PermReadStatementsDetail); err != nil {
		return nil, err
	}
	env, err := fetch[wire.StatementsData](ctx, s, "accounts.statements", accountPath(accountID, "statements"), nil)
	if err != nil {
		return nil, err
	}
	return wire.ToStatements(env.Data)
}

// ============================================================
// Helpers
// ============================================================

func fetch[T any](ctx context.Context, s *AccountService, op, path string, query url.Values) (*wire.Envelope[T], error) {
	return callWithToken(ctx, s.tokens, func(token string) (*wire.Envelope[T], error) {
		resp, err := s.transport.Do(ctx, &port.BankRequest{
			Operation: op,
			Method:    http.MethodGet,
			Path:      path,
			Query:     query,
			Token:     token,
		})
		if err != nil {
			return nil, err
		}
		return wire.Decode[T](resp.Body)
	})
}

func requireAccountID(accountID string) error {
	if accountID == "" {
		return domain.Validation("account_id", "account id is required")
	}
	return nil
}

func accountPath(accountID, resource string) string {
	p := "/accounts/" + url.PathEscape(accountID)
	if resource != "" {
		p += "/" + resource
	}
	return p
}
