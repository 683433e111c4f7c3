package openbanking

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boddenberg/ob-client-go/internal/domain"
)

// AccountSnapshot fetches details, balances and the first transaction page
// of one account concurrently. Any failure cancels the other reads.
func (c *Client) AccountSnapshot(ctx context.Context, consentID, accountID string, q domain.TransactionQuery) (*domain.AccountSnapshot, error) {
	ctx, span := tracer.Start(ctx, "Client.AccountSnapshot")
	defer span.End()

	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	q.AccountID = accountID
	q.Offset = 0

	var snap domain.AccountSnapshot
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d, err := conn.accounts.GetAccountDetails(gCtx, consentID, accountID)
		if err != nil {
			return fmt.Errorf("account details: %w", err)
		}
		snap.Details = d
		return nil
	})

	g.Go(func() error {
		b, err := conn.accounts.GetAccountBalances(gCtx, consentID, accountID)
		if err != nil {
			return fmt.Errorf("balances: %w", err)
		}
		snap.Balances = b
		return nil
	})

	g.Go(func() error {
		t, err := conn.accounts.GetTransactions(gCtx, consentID, q)
		if err != nil {
			return fmt.Errorf("transactions: %w", err)
		}
		snap.Transactions = t
		return nil
	})

	if err := g.Wait(); err != nil {
		c.logger.Error("account snapshot failed",
			zap.String("consent_id", consentID),
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		return nil, err
	}
	return &snap, nil
}
