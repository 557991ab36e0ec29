package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/shopspring/decimal"
)

// Discrepancy reports a wallet whose balance change is not explained by the
// transactions that touch it.
type Discrepancy struct {
	WalletID       string `json:"wallet_id"`
	Balance        string `json:"balance"`
	InitialBalance string `json:"initial_balance"`
	TransactionNet string `json:"transaction_net"`
}

// Reconcile checks, for every wallet, that the signed sum of its transactions
// equals balance minus initial balance. All wallets are locked while the
// snapshot is taken.
func (l *Ledger) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	wallets, err := l.store.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	ids := make([]string, 0, len(wallets))
	for _, w := range wallets {
		ids = append(ids, w.ID)
	}
	unlock := l.locks.LockAll(ids...)
	defer unlock()

	// Re-read under the locks.
	wallets, err = l.store.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	txs, err := l.store.ListTransactions(ctx, model.TransactionFilter{})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	net := make(map[string]decimal.Decimal, len(wallets))
	for _, tx := range txs {
		amount := mustDecimal(tx.Amount)
		net[tx.ToWallet] = net[tx.ToWallet].Add(amount)
		net[tx.FromWallet] = net[tx.FromWallet].Sub(amount)
	}

	discrepancies := make([]Discrepancy, 0)
	for _, w := range wallets {
		change := mustDecimal(w.Balance).Sub(mustDecimal(w.InitialBalance))
		if !change.Equal(net[w.ID]) {
			discrepancies = append(discrepancies, Discrepancy{
				WalletID:       w.ID,
				Balance:        w.Balance,
				InitialBalance: w.InitialBalance,
				TransactionNet: net[w.ID].StringFixed(2),
			})
		}
	}

	if len(discrepancies) > 0 {
		slog.ErrorContext(ctx, "ledger_reconciliation_failed", "discrepancies", len(discrepancies))
	}
	return discrepancies, nil
}
