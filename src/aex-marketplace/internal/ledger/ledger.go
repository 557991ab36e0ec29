// Package ledger moves funds between wallets through escrows and keeps the
// append-only transaction log that every balance change is paired with.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/keylock"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/metrics"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/store"
	"github.com/parlakisik/agent-exchange/src/internal/events"
	"github.com/shopspring/decimal"
)

// System wallets. EscrowWallet holds pending escrow funds and PlatformWallet
// collects fees, so every movement has a wallet on both sides.
const (
	EscrowWallet   = "escrow"
	PlatformWallet = "platform"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletExists        = errors.New("wallet already exists")
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrEscrowSettled       = errors.New("escrow already settled")
	ErrEscrowMismatch      = errors.New("escrow does not match request")
	ErrDepositExists       = errors.New("deposit already credited")
	ErrDepositsDisabled    = errors.New("deposits are not configured")
	ErrSystemWallet        = errors.New("system wallets cannot take part in transfers")
)

// CreatorResolver returns the wallet that receives the creator share of an
// agent's earnings, or "" when the agent has none.
type CreatorResolver func(ctx context.Context, agentID string) string

type Ledger struct {
	store       store.LedgerStore
	locks       *keylock.Locker
	events      *events.Publisher
	metrics     *metrics.Metrics
	verifier    TransferVerifier
	creators    CreatorResolver
	feeRate     decimal.Decimal
	creatorRate decimal.Decimal
	now         func() time.Time
}

type Option func(*Ledger)

func WithEvents(p *events.Publisher) Option { return func(l *Ledger) { l.events = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

func WithTransferVerifier(v TransferVerifier) Option { return func(l *Ledger) { l.verifier = v } }

func WithCreatorResolver(r CreatorResolver) Option { return func(l *Ledger) { l.creators = r } }

// WithFees sets the share of each release paid to the platform and to the
// agent's creator.
func WithFees(platformRate, creatorRate decimal.Decimal) Option {
	return func(l *Ledger) {
		l.feeRate = platformRate
		l.creatorRate = creatorRate
	}
}

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func New(st store.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:       st,
		locks:       keylock.New(),
		feeRate:     decimal.Zero,
		creatorRate: decimal.Zero,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ParseAmount parses a currency amount and rejects anything that is not a
// positive value with at most two decimal places.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, d.String())
	}
	if !d.Equal(d.Round(2)) {
		return fmt.Errorf("%w: %s has more than two decimal places", ErrInvalidAmount, d.String())
	}
	return nil
}

// OpenWallet creates a wallet whose balance starts at initial. The initial
// balance is the reconciliation baseline and carries no transaction.
func (l *Ledger) OpenWallet(ctx context.Context, walletID string, initial decimal.Decimal) (model.Wallet, error) {
	if walletID == "" || initial.IsNegative() || !initial.Equal(initial.Round(2)) {
		return model.Wallet{}, fmt.Errorf("%w: wallet %q initial %s", ErrInvalidAmount, walletID, initial.String())
	}
	if err := checkParty(walletID); err != nil {
		return model.Wallet{}, err
	}

	unlock := l.locks.Lock(walletID)
	defer unlock()

	if _, err := l.store.GetWallet(ctx, walletID); err == nil {
		return model.Wallet{}, fmt.Errorf("%w: %s", ErrWalletExists, walletID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}

	wallet := l.newWallet(walletID, initial)
	if err := l.store.CommitLedger(ctx, model.LedgerCommit{Wallets: []model.Wallet{wallet}}); err != nil {
		return model.Wallet{}, fmt.Errorf("save wallet: %w", err)
	}

	slog.InfoContext(ctx, "wallet_opened", "wallet_id", walletID, "initial_balance", wallet.Balance)
	return wallet, nil
}

func (l *Ledger) Wallet(ctx context.Context, walletID string) (model.Wallet, error) {
	w, err := l.store.GetWallet(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Wallet{}, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	return w, err
}

func (l *Ledger) Wallets(ctx context.Context) ([]model.Wallet, error) {
	return l.store.ListWallets(ctx)
}

func (l *Ledger) Escrow(ctx context.Context, escrowID string) (model.Escrow, error) {
	e, err := l.store.GetEscrow(ctx, escrowID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Escrow{}, fmt.Errorf("%w: %s", ErrEscrowNotFound, escrowID)
	}
	return e, err
}

func (l *Ledger) Transactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error) {
	return l.store.ListTransactions(ctx, filter)
}

// CreateEscrow debits from and parks amount in the escrow wallet for jobID.
// The debit, the escrow record and the escrow_create transaction are
// committed together. Both parties must be existing, non-system wallets.
func (l *Ledger) CreateEscrow(ctx context.Context, from, to string, amount decimal.Decimal, jobID string) (model.Escrow, error) {
	escrow, err := l.createEscrow(ctx, from, to, amount, jobID)
	l.metrics.EscrowOp("create", err)
	return escrow, err
}

func (l *Ledger) createEscrow(ctx context.Context, from, to string, amount decimal.Decimal, jobID string) (model.Escrow, error) {
	if err := ValidateAmount(amount); err != nil {
		return model.Escrow{}, err
	}
	if err := checkParty(from); err != nil {
		return model.Escrow{}, err
	}
	if err := checkParty(to); err != nil {
		return model.Escrow{}, err
	}
	if _, err := l.Wallet(ctx, to); err != nil {
		return model.Escrow{}, fmt.Errorf("payee: %w", err)
	}

	var escrow model.Escrow
	err := l.locked(func() error {
		payer, err := l.Wallet(ctx, from)
		if err != nil {
			return err
		}
		holding, err := l.systemWallet(ctx, EscrowWallet)
		if err != nil {
			return err
		}

		balance := mustDecimal(payer.Balance)
		if balance.LessThan(amount) {
			slog.WarnContext(ctx, "escrow_insufficient_balance",
				"wallet_id", from,
				"balance", payer.Balance,
				"amount", amount.StringFixed(2),
				"job_id", jobID,
			)
			return fmt.Errorf("%w: wallet %s holds %s, escrow needs %s",
				ErrInsufficientBalance, from, balance.StringFixed(2), amount.StringFixed(2))
		}

		now := l.now()
		escrow = model.Escrow{
			ID:         "esc_" + uuid.NewString(),
			JobID:      jobID,
			FromWallet: from,
			ToWallet:   to,
			Amount:     amount.StringFixed(2),
			Status:     model.EscrowStatusPending,
			CreatedAt:  now,
		}

		payer = adjust(payer, amount.Neg(), now)
		holding = adjust(holding, amount, now)

		commit := model.LedgerCommit{
			Wallets: []model.Wallet{payer, holding},
			Escrows: []model.Escrow{escrow},
			Transactions: []model.Transaction{
				l.newTransaction(model.TxEscrowCreate, from, EscrowWallet, amount, jobID, escrow.ID, now),
			},
		}
		if err := l.store.CommitLedger(ctx, commit); err != nil {
			return fmt.Errorf("commit escrow: %w", err)
		}
		return nil
	}, from, EscrowWallet)
	if err != nil {
		return model.Escrow{}, err
	}

	slog.InfoContext(ctx, "escrow_created",
		"escrow_id", escrow.ID,
		"job_id", jobID,
		"from_wallet", from,
		"to_wallet", to,
		"amount", escrow.Amount,
	)
	_ = l.events.Publish(ctx, events.EventEscrowCreated, map[string]any{
		"escrow_id": escrow.ID,
		"job_id":    jobID,
		"from":      from,
		"to":        to,
		"amount":    escrow.Amount,
	})
	return escrow, nil
}

// ReleaseEscrow pays a pending escrow out to its payee, less the platform fee
// and creator share, and credits the payee's completion stats. Releasing an
// escrow that is no longer pending returns ErrEscrowSettled and moves nothing.
func (l *Ledger) ReleaseEscrow(ctx context.Context, escrowID, to string, amount decimal.Decimal, jobID string) (model.Escrow, error) {
	escrow, err := l.releaseEscrow(ctx, escrowID, to, amount, jobID)
	l.metrics.EscrowOp("release", err)
	return escrow, err
}

func (l *Ledger) releaseEscrow(ctx context.Context, escrowID, to string, amount decimal.Decimal, jobID string) (model.Escrow, error) {
	if err := checkParty(to); err != nil {
		return model.Escrow{}, err
	}

	creatorWallet := ""
	if l.creators != nil && l.creatorRate.IsPositive() {
		creatorWallet = l.creators(ctx, to)
		if creatorWallet == to || IsSystemWallet(creatorWallet) {
			creatorWallet = ""
		}
	}

	keys := []string{escrowID, EscrowWallet, to, PlatformWallet}
	if creatorWallet != "" {
		keys = append(keys, creatorWallet)
	}

	var (
		escrow                    model.Escrow
		payout, fee, creatorShare decimal.Decimal
	)
	err := l.locked(func() error {
		var err error
		escrow, err = l.pendingEscrow(ctx, escrowID, to, amount, jobID, func(e model.Escrow) string { return e.ToWallet })
		if err != nil {
			return err
		}

		payee, err := l.Wallet(ctx, to)
		if err != nil {
			return err
		}
		holding, err := l.systemWallet(ctx, EscrowWallet)
		if err != nil {
			return err
		}

		now := l.now()
		fee = amount.Mul(l.feeRate).Round(2)
		creatorShare = decimal.Zero
		var creator model.Wallet
		if creatorWallet != "" {
			creator, err = l.Wallet(ctx, creatorWallet)
			if err != nil {
				slog.WarnContext(ctx, "creator_wallet_missing", "wallet_id", creatorWallet, "error", err)
				creatorWallet = ""
			} else {
				creatorShare = amount.Mul(l.creatorRate).Round(2)
			}
		}
		payout = amount.Sub(fee).Sub(creatorShare)

		holding = adjust(holding, amount.Neg(), now)
		payee = adjust(payee, payout, now)
		payee.JobsCompleted++
		payee.TotalEarned = mustDecimal(payee.TotalEarned).Add(payout).StringFixed(2)

		commit := model.LedgerCommit{
			Transactions: []model.Transaction{
				l.newTransaction(model.TxEscrowRelease, EscrowWallet, to, payout, jobID, escrowID, now),
			},
		}
		if fee.IsPositive() {
			platform, err := l.systemWallet(ctx, PlatformWallet)
			if err != nil {
				return err
			}
			platform = adjust(platform, fee, now)
			commit.Wallets = append(commit.Wallets, platform)
			commit.Transactions = append(commit.Transactions,
				l.newTransaction(model.TxPlatformFee, EscrowWallet, PlatformWallet, fee, jobID, escrowID, now))
		}
		if creatorShare.IsPositive() {
			creator = adjust(creator, creatorShare, now)
			commit.Wallets = append(commit.Wallets, creator)
			commit.Transactions = append(commit.Transactions,
				l.newTransaction(model.TxCreatorEarning, EscrowWallet, creatorWallet, creatorShare, jobID, escrowID, now))
		}

		escrow.Status = model.EscrowStatusReleased
		escrow.SettledAt = &now
		commit.Wallets = append(commit.Wallets, holding, payee)
		commit.Escrows = []model.Escrow{escrow}

		if err := l.store.CommitLedger(ctx, commit); err != nil {
			return fmt.Errorf("commit release: %w", err)
		}
		return nil
	}, keys...)
	if err != nil {
		if errors.Is(err, ErrEscrowSettled) {
			return escrow, err
		}
		return model.Escrow{}, err
	}

	slog.InfoContext(ctx, "escrow_released",
		"escrow_id", escrowID,
		"job_id", jobID,
		"to_wallet", to,
		"payout", payout.StringFixed(2),
		"platform_fee", fee.StringFixed(2),
		"creator_share", creatorShare.StringFixed(2),
	)
	_ = l.events.Publish(ctx, events.EventEscrowReleased, map[string]any{
		"escrow_id":    escrowID,
		"job_id":       jobID,
		"to":           to,
		"payout":       payout.StringFixed(2),
		"platform_fee": fee.StringFixed(2),
	})
	return escrow, nil
}

// CancelEscrow refunds a pending escrow to the wallet that funded it.
func (l *Ledger) CancelEscrow(ctx context.Context, escrowID, to string, amount decimal.Decimal, jobID string) (model.Escrow, error) {
	escrow, err := l.cancelEscrow(ctx, escrowID, to, amount, jobID)
	l.metrics.EscrowOp("cancel", err)
	return escrow, err
}

func (l *Ledger) cancelEscrow(ctx context.Context, escrowID, to string, amount decimal.Decimal, jobID string) (model.Escrow, error) {
	if err := checkParty(to); err != nil {
		return model.Escrow{}, err
	}

	var escrow model.Escrow
	err := l.locked(func() error {
		var err error
		escrow, err = l.pendingEscrow(ctx, escrowID, to, amount, jobID, func(e model.Escrow) string { return e.FromWallet })
		if err != nil {
			return err
		}

		payer, err := l.Wallet(ctx, to)
		if err != nil {
			return err
		}
		holding, err := l.systemWallet(ctx, EscrowWallet)
		if err != nil {
			return err
		}

		now := l.now()
		holding = adjust(holding, amount.Neg(), now)
		payer = adjust(payer, amount, now)
		escrow.Status = model.EscrowStatusCancelled
		escrow.SettledAt = &now

		commit := model.LedgerCommit{
			Wallets: []model.Wallet{holding, payer},
			Escrows: []model.Escrow{escrow},
			Transactions: []model.Transaction{
				l.newTransaction(model.TxEscrowCancel, EscrowWallet, to, amount, jobID, escrowID, now),
			},
		}
		if err := l.store.CommitLedger(ctx, commit); err != nil {
			return fmt.Errorf("commit cancel: %w", err)
		}
		return nil
	}, escrowID, EscrowWallet, to)
	if err != nil {
		if errors.Is(err, ErrEscrowSettled) {
			return escrow, err
		}
		return model.Escrow{}, err
	}

	slog.InfoContext(ctx, "escrow_cancelled",
		"escrow_id", escrowID,
		"job_id", jobID,
		"refunded_to", to,
		"amount", amount.StringFixed(2),
	)
	_ = l.events.Publish(ctx, events.EventEscrowCancelled, map[string]any{
		"escrow_id": escrowID,
		"job_id":    jobID,
		"to":        to,
		"amount":    amount.StringFixed(2),
	})
	return escrow, nil
}

// pendingEscrow loads escrowID and checks it is pending and matches the
// caller's view of the payment. party selects the wallet that to must equal.
func (l *Ledger) pendingEscrow(ctx context.Context, escrowID, to string, amount decimal.Decimal, jobID string, party func(model.Escrow) string) (model.Escrow, error) {
	escrow, err := l.Escrow(ctx, escrowID)
	if err != nil {
		return model.Escrow{}, err
	}
	if escrow.Status != model.EscrowStatusPending {
		return escrow, fmt.Errorf("%w: %s is %s", ErrEscrowSettled, escrowID, escrow.Status)
	}
	if party(escrow) != to || escrow.JobID != jobID || !mustDecimal(escrow.Amount).Equal(amount) {
		return model.Escrow{}, fmt.Errorf("%w: escrow %s is %s for job %s to %s",
			ErrEscrowMismatch, escrowID, escrow.Amount, escrow.JobID, party(escrow))
	}
	return escrow, nil
}

// Deposit credits walletID with a verified on-chain transfer. Each transfer
// hash is credited at most once.
func (l *Ledger) Deposit(ctx context.Context, walletID, txHash string) (model.Transaction, error) {
	if l.verifier == nil {
		return model.Transaction{}, ErrDepositsDisabled
	}
	if txHash == "" {
		return model.Transaction{}, fmt.Errorf("%w: transaction hash is required", ErrInvalidAmount)
	}
	if err := checkParty(walletID); err != nil {
		return model.Transaction{}, err
	}

	var (
		tx       model.Transaction
		transfer Transfer
	)
	err := l.locked(func() error {
		if _, err := l.store.FindTransactionByReference(ctx, txHash); err == nil {
			return fmt.Errorf("%w: %s", ErrDepositExists, txHash)
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("lookup deposit: %w", err)
		}

		wallet, err := l.Wallet(ctx, walletID)
		if err != nil {
			return err
		}

		transfer, err = l.verifier.VerifyTransfer(ctx, txHash)
		if err != nil {
			return err
		}
		amount := transfer.Amount.Round(2)
		if err := ValidateAmount(amount); err != nil {
			return err
		}

		now := l.now()
		wallet = adjust(wallet, amount, now)
		tx = l.newTransaction(model.TxDeposit, transfer.From, walletID, amount, "", "", now)
		tx.Reference = txHash

		if err := l.store.CommitLedger(ctx, model.LedgerCommit{
			Wallets:      []model.Wallet{wallet},
			Transactions: []model.Transaction{tx},
		}); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: %s", ErrDepositExists, txHash)
			}
			return fmt.Errorf("commit deposit: %w", err)
		}
		return nil
	}, walletID, "deposit:"+txHash)
	if err != nil {
		return model.Transaction{}, err
	}

	slog.InfoContext(ctx, "deposit_credited",
		"wallet_id", walletID,
		"tx_hash", txHash,
		"from", transfer.From,
		"amount", tx.Amount,
	)
	_ = l.events.Publish(ctx, events.EventDepositCredited, map[string]any{
		"wallet_id": walletID,
		"tx_hash":   txHash,
		"amount":    tx.Amount,
	})
	return tx, nil
}

// locked runs fn while holding every key. Events go out after it returns so
// a slow subscriber never holds up settlement.
func (l *Ledger) locked(fn func() error, keys ...string) error {
	unlock := l.locks.LockAll(keys...)
	defer unlock()
	return fn()
}

// IsSystemWallet reports whether walletID is one of the ledger's own wallets.
func IsSystemWallet(walletID string) bool {
	return walletID == EscrowWallet || walletID == PlatformWallet
}

func checkParty(walletID string) error {
	if IsSystemWallet(walletID) {
		return fmt.Errorf("%w: %s", ErrSystemWallet, walletID)
	}
	return nil
}

// systemWallet loads one of the ledger's own wallets, creating it with a
// zero baseline the first time it is needed.
func (l *Ledger) systemWallet(ctx context.Context, walletID string) (model.Wallet, error) {
	w, err := l.store.GetWallet(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		return l.newWallet(walletID, decimal.Zero), nil
	}
	return w, err
}

func (l *Ledger) newWallet(walletID string, initial decimal.Decimal) model.Wallet {
	now := l.now()
	return model.Wallet{
		ID:             walletID,
		Balance:        initial.StringFixed(2),
		InitialBalance: initial.StringFixed(2),
		TotalEarned:    decimal.Zero.StringFixed(2),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (l *Ledger) newTransaction(txType model.TransactionType, from, to string, amount decimal.Decimal, jobID, escrowID string, now time.Time) model.Transaction {
	tx := model.Transaction{
		ID:         "tx_" + uuid.NewString(),
		Type:       txType,
		FromWallet: from,
		ToWallet:   to,
		Amount:     amount.StringFixed(2),
		JobID:      jobID,
		CreatedAt:  now,
	}
	if escrowID != "" {
		id := escrowID
		tx.EscrowID = &id
	}
	return tx
}

func adjust(w model.Wallet, delta decimal.Decimal, now time.Time) model.Wallet {
	w.Balance = mustDecimal(w.Balance).Add(delta).StringFixed(2)
	w.UpdatedAt = now
	return w
}

// mustDecimal parses an amount the ledger itself wrote. Stored amounts are
// always produced by StringFixed, so a parse failure reads as zero.
func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
