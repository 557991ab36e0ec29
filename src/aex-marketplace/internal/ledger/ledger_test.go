package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/store"
	"github.com/parlakisik/agent-exchange/src/internal/events"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	l := New(st, opts...)
	ctx := context.Background()
	if _, err := l.OpenWallet(ctx, "coordinator", dec("10.00")); err != nil {
		t.Fatalf("OpenWallet(coordinator) error: %v", err)
	}
	if _, err := l.OpenWallet(ctx, "agent_1", dec("0")); err != nil {
		t.Fatalf("OpenWallet(agent_1) error: %v", err)
	}
	return l, st
}

func balance(t *testing.T, l *Ledger, walletID string) string {
	t.Helper()
	w, err := l.Wallet(context.Background(), walletID)
	if err != nil {
		t.Fatalf("Wallet(%s) error: %v", walletID, err)
	}
	return w.Balance
}

func assertReconciled(t *testing.T, l *Ledger) {
	t.Helper()
	d, err := l.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if len(d) != 0 {
		t.Fatalf("Reconcile() discrepancies = %+v", d)
	}
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"5", false},
		{"5.00", false},
		{"0.01", false},
		{"3.100", false},
		{"3.001", true},
		{"0", true},
		{"-1.00", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			_, err := ParseAmount(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAmount(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("ParseAmount(%q) error = %v, want ErrInvalidAmount", tt.raw, err)
			}
		})
	}
}

func TestOpenWallet_Duplicate(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.OpenWallet(context.Background(), "coordinator", dec("1"))
	if !errors.Is(err, ErrWalletExists) {
		t.Errorf("OpenWallet(existing) error = %v, want ErrWalletExists", err)
	}
}

func TestCreateEscrow_InsufficientBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateEscrow(ctx, "coordinator", "agent_1", dec("12.00"), "job_1")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("CreateEscrow() error = %v, want ErrInsufficientBalance", err)
	}

	if got := balance(t, l, "coordinator"); got != "10.00" {
		t.Errorf("coordinator balance = %s, want 10.00", got)
	}
	txs, _ := l.Transactions(ctx, model.TransactionFilter{})
	if len(txs) != 0 {
		t.Errorf("transactions after failed escrow = %d, want 0", len(txs))
	}
}

func TestCreateEscrow_DebitsPayer(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	escrow, err := l.CreateEscrow(ctx, "coordinator", "agent_1", dec("3.00"), "job_1")
	if err != nil {
		t.Fatalf("CreateEscrow() error: %v", err)
	}
	if escrow.Status != model.EscrowStatusPending || escrow.Amount != "3.00" {
		t.Errorf("escrow = %+v, want pending 3.00", escrow)
	}
	if got := balance(t, l, "coordinator"); got != "7.00" {
		t.Errorf("coordinator balance = %s, want 7.00", got)
	}
	if got := balance(t, l, EscrowWallet); got != "3.00" {
		t.Errorf("escrow wallet balance = %s, want 3.00", got)
	}

	txs, _ := l.Transactions(ctx, model.TransactionFilter{JobID: "job_1"})
	if len(txs) != 1 || txs[0].Type != model.TxEscrowCreate || txs[0].EscrowID == nil || *txs[0].EscrowID != escrow.ID {
		t.Errorf("transactions = %+v, want one escrow_create for %s", txs, escrow.ID)
	}
	assertReconciled(t, l)
}

func TestReleaseEscrow_Idempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	escrow, _ := l.CreateEscrow(ctx, "coordinator", "agent_1", dec("3.00"), "job_1")

	if _, err := l.ReleaseEscrow(ctx, escrow.ID, "agent_1", dec("3.00"), "job_1"); err != nil {
		t.Fatalf("ReleaseEscrow() error: %v", err)
	}
	_, err := l.ReleaseEscrow(ctx, escrow.ID, "agent_1", dec("3.00"), "job_1")
	if !errors.Is(err, ErrEscrowSettled) {
		t.Fatalf("second ReleaseEscrow() error = %v, want ErrEscrowSettled", err)
	}

	agent, _ := l.Wallet(ctx, "agent_1")
	if agent.Balance != "3.00" {
		t.Errorf("agent balance = %s, want 3.00 (credited once)", agent.Balance)
	}
	if agent.JobsCompleted != 1 || agent.TotalEarned != "3.00" {
		t.Errorf("agent stats = %d jobs / %s earned, want 1 / 3.00", agent.JobsCompleted, agent.TotalEarned)
	}
	if _, err := l.CancelEscrow(ctx, escrow.ID, "coordinator", dec("3.00"), "job_1"); !errors.Is(err, ErrEscrowSettled) {
		t.Errorf("CancelEscrow() after release error = %v, want ErrEscrowSettled", err)
	}
	assertReconciled(t, l)
}

func TestReleaseEscrow_ConcurrentReleaseCreditsOnce(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	escrow, _ := l.CreateEscrow(ctx, "coordinator", "agent_1", dec("5.00"), "job_1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.ReleaseEscrow(ctx, escrow.ID, "agent_1", dec("5.00"), "job_1"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("successful releases = %d, want 1", succeeded)
	}
	if got := balance(t, l, "agent_1"); got != "5.00" {
		t.Errorf("agent balance = %s, want 5.00", got)
	}
	assertReconciled(t, l)
}

func TestReleaseEscrow_Mismatch(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	escrow, _ := l.CreateEscrow(ctx, "coordinator", "agent_1", dec("3.00"), "job_1")

	tests := []struct {
		name   string
		to     string
		amount string
		jobID  string
	}{
		{"wrong payee", "agent_2", "3.00", "job_1"},
		{"wrong amount", "agent_1", "4.00", "job_1"},
		{"wrong job", "agent_1", "3.00", "job_2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.ReleaseEscrow(ctx, escrow.ID, tt.to, dec(tt.amount), tt.jobID)
			if !errors.Is(err, ErrEscrowMismatch) {
				t.Errorf("ReleaseEscrow() error = %v, want ErrEscrowMismatch", err)
			}
		})
	}

	if _, err := l.ReleaseEscrow(ctx, "esc_missing", "agent_1", dec("3.00"), "job_1"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("ReleaseEscrow(missing) error = %v, want ErrEscrowNotFound", err)
	}
}

func TestCancelEscrow_RestoresPayer(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	escrow, _ := l.CreateEscrow(ctx, "coordinator", "agent_1", dec("5.00"), "job_1")
	if got := balance(t, l, "coordinator"); got != "5.00" {
		t.Fatalf("coordinator balance after escrow = %s, want 5.00", got)
	}

	cancelled, err := l.CancelEscrow(ctx, escrow.ID, "coordinator", dec("5.00"), "job_1")
	if err != nil {
		t.Fatalf("CancelEscrow() error: %v", err)
	}
	if cancelled.Status != model.EscrowStatusCancelled || cancelled.SettledAt == nil {
		t.Errorf("escrow = %+v, want cancelled with settled_at", cancelled)
	}
	if got := balance(t, l, "coordinator"); got != "10.00" {
		t.Errorf("coordinator balance = %s, want 10.00", got)
	}
	if got := balance(t, l, "agent_1"); got != "0.00" {
		t.Errorf("agent balance = %s, want 0.00", got)
	}
	if _, err := l.CancelEscrow(ctx, escrow.ID, "coordinator", dec("5.00"), "job_1"); !errors.Is(err, ErrEscrowSettled) {
		t.Errorf("second CancelEscrow() error = %v, want ErrEscrowSettled", err)
	}
	if _, err := l.CancelEscrow(ctx, escrow.ID, "agent_1", dec("5.00"), "job_1"); err == nil {
		t.Error("CancelEscrow() to non-payer returned nil error")
	}
	assertReconciled(t, l)
}

func TestReleaseEscrow_FeesAndCreatorShare(t *testing.T) {
	creators := func(ctx context.Context, agentID string) string {
		if agentID == "agent_1" {
			return "creator_1"
		}
		return ""
	}
	l, _ := newTestLedger(t,
		WithFees(dec("0.10"), dec("0.05")),
		WithCreatorResolver(creators),
	)
	ctx := context.Background()
	if _, err := l.OpenWallet(ctx, "creator_1", dec("0")); err != nil {
		t.Fatalf("OpenWallet(creator_1) error: %v", err)
	}

	escrow, _ := l.CreateEscrow(ctx, "coordinator", "agent_1", dec("3.33"), "job_1")
	if _, err := l.ReleaseEscrow(ctx, escrow.ID, "agent_1", dec("3.33"), "job_1"); err != nil {
		t.Fatalf("ReleaseEscrow() error: %v", err)
	}

	// fee 0.333 -> 0.33, creator 0.1665 -> 0.17, payout 2.83
	want := map[string]string{
		"agent_1":      "2.83",
		PlatformWallet: "0.33",
		"creator_1":    "0.17",
		EscrowWallet:   "0.00",
		"coordinator":  "6.67",
	}
	for wallet, wantBalance := range want {
		if got := balance(t, l, wallet); got != wantBalance {
			t.Errorf("%s balance = %s, want %s", wallet, got, wantBalance)
		}
	}

	txs, _ := l.Transactions(ctx, model.TransactionFilter{JobID: "job_1"})
	types := map[model.TransactionType]int{}
	for _, tx := range txs {
		types[tx.Type]++
	}
	for _, tt := range []model.TransactionType{model.TxEscrowCreate, model.TxEscrowRelease, model.TxPlatformFee, model.TxCreatorEarning} {
		if types[tt] != 1 {
			t.Errorf("transactions of type %s = %d, want 1", tt, types[tt])
		}
	}
	assertReconciled(t, l)
}

func TestCreateEscrow_ConcurrentNeverOverdraws(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.CreateEscrow(ctx, "coordinator", "agent_1", dec("3.00"), "job_x"); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 3 {
		t.Errorf("escrows created = %d, want 3 from a 10.00 wallet", created)
	}
	if got := balance(t, l, "coordinator"); got != "1.00" {
		t.Errorf("coordinator balance = %s, want 1.00", got)
	}
	assertReconciled(t, l)
}

func TestReconcile_DetectsTampering(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()

	w, _ := st.GetWallet(ctx, "agent_1")
	w.Balance = "1.00"
	_ = st.CommitLedger(ctx, model.LedgerCommit{Wallets: []model.Wallet{w}})

	d, err := l.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if len(d) != 1 || d[0].WalletID != "agent_1" {
		t.Errorf("Reconcile() = %+v, want one discrepancy for agent_1", d)
	}
}

type fakeVerifier map[string]Transfer

func (f fakeVerifier) VerifyTransfer(ctx context.Context, txHash string) (Transfer, error) {
	tr, ok := f[txHash]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	return tr, nil
}

func TestDeposit(t *testing.T) {
	verifier := fakeVerifier{"0xabc": {TxHash: "0xabc", From: "0xsender", Amount: dec("2.50")}}
	l, _ := newTestLedger(t, WithTransferVerifier(verifier))
	ctx := context.Background()

	tx, err := l.Deposit(ctx, "coordinator", "0xabc")
	if err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	if tx.Type != model.TxDeposit || tx.Amount != "2.50" || tx.Reference != "0xabc" {
		t.Errorf("Deposit() tx = %+v", tx)
	}
	if got := balance(t, l, "coordinator"); got != "12.50" {
		t.Errorf("coordinator balance = %s, want 12.50", got)
	}

	if _, err := l.Deposit(ctx, "coordinator", "0xabc"); !errors.Is(err, ErrDepositExists) {
		t.Errorf("second Deposit() error = %v, want ErrDepositExists", err)
	}
	if _, err := l.Deposit(ctx, "coordinator", "0xunknown"); !errors.Is(err, ErrTransferNotFound) {
		t.Errorf("Deposit(unknown) error = %v, want ErrTransferNotFound", err)
	}
	assertReconciled(t, l)
}

func TestDeposit_Disabled(t *testing.T) {
	l, _ := newTestLedger(t)
	if _, err := l.Deposit(context.Background(), "coordinator", "0xabc"); !errors.Is(err, ErrDepositsDisabled) {
		t.Errorf("Deposit() error = %v, want ErrDepositsDisabled", err)
	}
}

func TestHTTPTransferVerifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transfers/0xok":
			_ = json.NewEncoder(w).Encode(map[string]any{"hash": "0xok", "from": "0xsender", "amount": "4.20", "confirmed": true})
		case "/transfers/0xpending":
			_ = json.NewEncoder(w).Encode(map[string]any{"hash": "0xpending", "from": "0xsender", "amount": "1", "confirmed": false})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	v := NewHTTPTransferVerifier(server.URL)
	ctx := context.Background()

	tr, err := v.VerifyTransfer(ctx, "0xok")
	if err != nil {
		t.Fatalf("VerifyTransfer() error: %v", err)
	}
	if tr.From != "0xsender" || !tr.Amount.Equal(dec("4.20")) {
		t.Errorf("VerifyTransfer() = %+v", tr)
	}

	for _, hash := range []string{"0xpending", "0xmissing"} {
		if _, err := v.VerifyTransfer(ctx, hash); !errors.Is(err, ErrTransferNotFound) {
			t.Errorf("VerifyTransfer(%s) error = %v, want ErrTransferNotFound", hash, err)
		}
	}
}

func TestCreateEscrow_UnknownPayeeMovesNothing(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.CreateEscrow(ctx, "coordinator", "ghost", dec("3.00"), "job_1"); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("CreateEscrow(unknown payee) error = %v, want ErrWalletNotFound", err)
	}
	if got := balance(t, l, "coordinator"); got != "10.00" {
		t.Errorf("coordinator balance = %s, want 10.00", got)
	}
	txs, _ := l.Transactions(ctx, model.TransactionFilter{})
	if len(txs) != 0 {
		t.Errorf("transactions = %+v, want none", txs)
	}
	assertReconciled(t, l)
}

func TestSystemWalletsCannotBeParties(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	pending, err := l.CreateEscrow(ctx, "coordinator", "agent_1", dec("5.00"), "job_1")
	if err != nil {
		t.Fatalf("CreateEscrow() error: %v", err)
	}

	tests := []struct {
		name string
		call func() error
	}{
		{"escrow from escrow wallet", func() error {
			_, err := l.CreateEscrow(ctx, EscrowWallet, "agent_1", dec("4.00"), "job_2")
			return err
		}},
		{"escrow to escrow wallet", func() error {
			_, err := l.CreateEscrow(ctx, "coordinator", EscrowWallet, dec("1.00"), "job_2")
			return err
		}},
		{"escrow to platform wallet", func() error {
			_, err := l.CreateEscrow(ctx, "coordinator", PlatformWallet, dec("1.00"), "job_2")
			return err
		}},
		{"release to escrow wallet", func() error {
			_, err := l.ReleaseEscrow(ctx, pending.ID, EscrowWallet, dec("5.00"), "job_1")
			return err
		}},
		{"cancel to escrow wallet", func() error {
			_, err := l.CancelEscrow(ctx, pending.ID, EscrowWallet, dec("5.00"), "job_1")
			return err
		}},
		{"open platform wallet", func() error {
			_, err := l.OpenWallet(ctx, PlatformWallet, dec("100.00"))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrSystemWallet) {
				t.Errorf("error = %v, want ErrSystemWallet", err)
			}
		})
	}

	if got := balance(t, l, EscrowWallet); got != "5.00" {
		t.Errorf("escrow wallet balance = %s, want 5.00", got)
	}
	if e, _ := l.Escrow(ctx, pending.ID); e.Status != model.EscrowStatusPending {
		t.Errorf("escrow status = %s, want pending", e.Status)
	}
	assertReconciled(t, l)
}

func TestCreateEscrow_EventsPublishedAfterLocksReleased(t *testing.T) {
	pub := events.NewPublisher("test")
	l, _ := newTestLedger(t, WithEvents(pub))
	ctx := context.Background()

	var (
		fired  atomic.Bool
		nested error
	)
	pub.Subscribe(events.EventEscrowCreated, func(ctx context.Context, e events.Envelope) error {
		if !fired.CompareAndSwap(false, true) {
			return nil
		}
		done := make(chan error, 1)
		go func() {
			_, err := l.CreateEscrow(ctx, "coordinator", "agent_1", dec("1.00"), "job_2")
			done <- err
		}()
		select {
		case nested = <-done:
		case <-time.After(2 * time.Second):
			nested = errors.New("escrow lock still held while publishing")
		}
		return nil
	})

	if _, err := l.CreateEscrow(ctx, "coordinator", "agent_1", dec("2.00"), "job_1"); err != nil {
		t.Fatalf("CreateEscrow() error: %v", err)
	}
	if nested != nil {
		t.Fatalf("CreateEscrow() from subscriber: %v", nested)
	}
	if got := balance(t, l, "coordinator"); got != "7.00" {
		t.Errorf("coordinator balance = %s, want 7.00", got)
	}
	assertReconciled(t, l)
}
