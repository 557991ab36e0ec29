package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/agents"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/bids"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/decider"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/jobs"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/ledger"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/store"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/testutil"
	"github.com/parlakisik/agent-exchange/src/internal/events"
	"github.com/shopspring/decimal"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock  *clock
	jobs   *jobs.Service
	bids   *bids.Collector
	ledger *ledger.Ledger
	agents *agents.Registry
	events *events.Publisher
	coord  *Coordinator
}

func newHarness(t *testing.T, balance string, mutate ...func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	clk := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	pub := events.NewPublisher("test")

	l := ledger.New(st, ledger.WithClock(clk.Now), ledger.WithEvents(pub))
	if _, err := l.OpenWallet(ctx, "coordinator", decimal.RequireFromString(balance)); err != nil {
		t.Fatalf("OpenWallet() error: %v", err)
	}
	reg := agents.New(st, l, pub)
	if err := reg.Seed(ctx, []model.Agent{
		testutil.AgentFixture("agent_a", "research"),
		testutil.AgentFixture("agent_b", "research"),
		testutil.AgentFixture("agent_c", "research"),
	}); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}

	js := jobs.New(st, 5*time.Second, jobs.WithClock(clk.Now), jobs.WithEvents(pub), jobs.WithWallets(l))
	bc := bids.New(st, js, reg, pub, nil)

	cfg := DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	coord := New(js, bc, l, reg, decider.NewRuleBased(decider.DefaultWeights()), pub, nil, cfg)
	return &harness{clock: clk, jobs: js, bids: bc, ledger: l, agents: reg, events: pub, coord: coord}
}

func (h *harness) postJob(t *testing.T, budget string, req map[string]any) model.Job {
	t.Helper()
	job, err := h.jobs.Create(context.Background(), jobs.NewJob{
		Type: "research", Description: "summarize", BudgetMax: budget, Requirements: req,
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return job
}

func (h *harness) bid(t *testing.T, jobID, agentID, price string, conf float64, etaMs int64) model.Bid {
	t.Helper()
	b, err := h.bids.Submit(context.Background(), bids.SubmitRequest{
		JobID: jobID, AgentID: agentID, Price: price, Confidence: &conf, EstimatedTimeMs: etaMs,
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	h.clock.Advance(time.Millisecond)
	return b
}

func (h *harness) balance(t *testing.T, wallet string) string {
	t.Helper()
	w, err := h.ledger.Wallet(context.Background(), wallet)
	if err != nil {
		t.Fatalf("Wallet(%s) error: %v", wallet, err)
	}
	return w.Balance
}

func (h *harness) sweep(t *testing.T) {
	t.Helper()
	if err := h.coord.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
}

func (h *harness) assertInvariants(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	all, _ := h.jobs.List(ctx)
	for _, j := range all {
		if (j.AcceptedBid == nil) != (j.EscrowID == nil) {
			t.Errorf("job %s: accepted_bid=%v escrow_id=%v", j.ID, j.AcceptedBid, j.EscrowID)
		}
		if j.AcceptedBid != nil && (j.Status == model.JobStatusAcceptingBids || j.Status == model.JobStatusEvaluating) {
			t.Errorf("job %s has accepted bid in status %s", j.ID, j.Status)
		}
	}
	d, err := h.ledger.Reconcile(ctx)
	if err != nil || len(d) != 0 {
		t.Errorf("Reconcile() = %+v, %v", d, err)
	}
}

func TestLifecycle_ThreeBidsCheapestBalancedWins(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "5.00", nil)

	h.bid(t, job.ID, "agent_a", "1.50", 0.90, 120_000)
	winner := h.bid(t, job.ID, "agent_b", "3.00", 0.95, 60_000)
	h.bid(t, job.ID, "agent_c", "4.50", 0.99, 300_000)

	h.sweep(t)
	got, _ := h.jobs.Get(ctx, job.ID)
	if got.Status != model.JobStatusAcceptingBids {
		t.Fatalf("Status before window end = %s, want accepting_bids", got.Status)
	}

	h.clock.Advance(5 * time.Second)
	h.sweep(t)

	got, _ = h.jobs.Get(ctx, job.ID)
	if got.Status != model.JobStatusInProgress {
		t.Fatalf("Status = %s, want in_progress", got.Status)
	}
	if got.AcceptedBid == nil || got.AcceptedBid.BidID != winner.ID || got.AcceptedBid.Price != "3.00" {
		t.Fatalf("AcceptedBid = %+v, want the $3.00 bid", got.AcceptedBid)
	}
	if got := h.balance(t, "coordinator"); got != "7.00" {
		t.Errorf("coordinator balance = %s, want 7.00", got)
	}

	if _, err := h.coord.SubmitResult(ctx, job.ID, "agent_b", map[string]any{"summary": "done"}); err != nil {
		t.Fatalf("SubmitResult() error: %v", err)
	}
	h.sweep(t)

	got, _ = h.jobs.Get(ctx, job.ID)
	if got.Status != model.JobStatusCompleted || got.CompletedAt == nil || got.Verification == nil || !got.Verification.Passed {
		t.Fatalf("job = %+v, want completed and verified", got)
	}
	if got := h.balance(t, "agent_b"); got != "3.00" {
		t.Errorf("agent_b balance = %s, want 3.00", got)
	}
	agent, _ := h.agents.Get(ctx, "agent_b")
	if agent.JobsCompleted != 1 || agent.ReputationScore != 1 {
		t.Errorf("agent_b = %+v, want 1 job and reputation 1", agent)
	}
	h.assertInvariants(t)
}

func TestAcceptBid_InsufficientBalanceLeavesJobUnchanged(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "20.00", nil)
	b := h.bid(t, job.ID, "agent_a", "12.00", 0.9, 1000)

	_, err := h.coord.AcceptBid(ctx, job.ID, b.ID)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("AcceptBid() error = %v, want ErrInsufficientBalance", err)
	}

	got, _ := h.jobs.Get(ctx, job.ID)
	if got.Status != model.JobStatusAcceptingBids || got.AcceptedBid != nil || got.EscrowID != nil {
		t.Errorf("job after failed accept = %+v, want unchanged", got)
	}
	if got := h.balance(t, "coordinator"); got != "10.00" {
		t.Errorf("coordinator balance = %s, want 10.00", got)
	}
	h.assertInvariants(t)
}

func TestSweep_UnfundableJobFails(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "20.00", nil)
	h.bid(t, job.ID, "agent_a", "12.00", 0.9, 1000)

	h.clock.Advance(6 * time.Second)
	h.sweep(t)

	got, _ := h.jobs.Get(ctx, job.ID)
	if got.Status != model.JobStatusFailed || got.FailureReason == nil {
		t.Fatalf("job = %+v, want failed with reason", got)
	}
	if got.AcceptedBid != nil || got.EscrowID != nil {
		t.Errorf("failed unfunded job has accepted bid or escrow")
	}
	h.assertInvariants(t)
}

func TestVerify_FailureRefundsPayer(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "5.00", map[string]any{"required_fields": []any{"summary"}})
	b := h.bid(t, job.ID, "agent_a", "5.00", 0.9, 1000)

	accepted, err := h.coord.AcceptBid(ctx, job.ID, b.ID)
	if err != nil {
		t.Fatalf("AcceptBid() error: %v", err)
	}
	if got := h.balance(t, "coordinator"); got != "5.00" {
		t.Fatalf("coordinator balance after escrow = %s, want 5.00", got)
	}

	if _, err := h.coord.SubmitResult(ctx, job.ID, "agent_a", map[string]any{"notes": "forgot the summary"}); err != nil {
		t.Fatalf("SubmitResult() error: %v", err)
	}
	got, err := h.coord.Verify(ctx, job.ID)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}

	if got.Status != model.JobStatusFailed || got.FailureReason == nil || got.Verification == nil || got.Verification.Passed {
		t.Errorf("job = %+v, want failed with a failed verification", got)
	}
	if got := h.balance(t, "coordinator"); got != "10.00" {
		t.Errorf("coordinator balance = %s, want 10.00 (pre-escrow)", got)
	}
	escrow, _ := h.ledger.Escrow(ctx, *accepted.EscrowID)
	if escrow.Status != model.EscrowStatusCancelled {
		t.Errorf("escrow status = %s, want cancelled", escrow.Status)
	}
	agent, _ := h.agents.Get(ctx, "agent_a")
	if agent.ReputationScore != 0 {
		t.Errorf("agent_a reputation = %v, want 0 after one failure", agent.ReputationScore)
	}
	h.assertInvariants(t)
}

func TestVerify_RepeatedVerificationPaysOnce(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "5.00", nil)
	b := h.bid(t, job.ID, "agent_a", "2.00", 0.9, 1000)
	_, _ = h.coord.AcceptBid(ctx, job.ID, b.ID)
	_, _ = h.coord.SubmitResult(ctx, job.ID, "agent_a", map[string]any{"summary": "ok"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.coord.Verify(ctx, job.ID)
		}()
	}
	wg.Wait()

	if got := h.balance(t, "agent_a"); got != "2.00" {
		t.Errorf("agent_a balance = %s, want 2.00", got)
	}
	releases, _ := h.ledger.Transactions(ctx, model.TransactionFilter{JobID: job.ID})
	count := 0
	for _, tx := range releases {
		if tx.Type == model.TxEscrowRelease {
			count++
		}
	}
	if count != 1 {
		t.Errorf("escrow_release transactions = %d, want 1", count)
	}
	h.assertInvariants(t)
}

func TestAcceptBid_Rejections(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "5.00", nil)
	other := h.postJob(t, "5.00", nil)
	b1 := h.bid(t, job.ID, "agent_a", "2.00", 0.9, 1000)
	b2 := h.bid(t, job.ID, "agent_b", "1.00", 0.9, 1000)
	foreign := h.bid(t, other.ID, "agent_c", "1.00", 0.9, 1000)

	if _, err := h.coord.AcceptBid(ctx, job.ID, foreign.ID); !errors.Is(err, ErrBidRejected) {
		t.Errorf("AcceptBid(foreign bid) error = %v, want ErrBidRejected", err)
	}
	if _, err := h.coord.AcceptBid(ctx, job.ID, "bid_missing"); !errors.Is(err, bids.ErrBidNotFound) {
		t.Errorf("AcceptBid(missing) error = %v, want ErrBidNotFound", err)
	}
	if _, err := h.coord.AcceptBid(ctx, job.ID, b1.ID); err != nil {
		t.Fatalf("AcceptBid() error: %v", err)
	}
	if _, err := h.coord.AcceptBid(ctx, job.ID, b2.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second AcceptBid() error = %v, want ErrInvalidState", err)
	}
	if got := h.balance(t, "coordinator"); got != "8.00" {
		t.Errorf("coordinator balance = %s, want 8.00", got)
	}
	h.assertInvariants(t)
}

func TestSubmitResult_Rejections(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "5.00", nil)
	b := h.bid(t, job.ID, "agent_a", "2.00", 0.9, 1000)

	if _, err := h.coord.SubmitResult(ctx, job.ID, "agent_a", nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SubmitResult() before accept error = %v, want ErrInvalidState", err)
	}
	_, _ = h.coord.AcceptBid(ctx, job.ID, b.ID)

	if _, err := h.coord.SubmitResult(ctx, job.ID, "agent_b", nil); !errors.Is(err, ErrNotAssigned) {
		t.Errorf("SubmitResult(other agent) error = %v, want ErrNotAssigned", err)
	}
	if _, err := h.coord.SubmitResult(ctx, job.ID, "agent_a", map[string]any{"summary": "x"}); err != nil {
		t.Fatalf("SubmitResult() error: %v", err)
	}
	if _, err := h.coord.SubmitResult(ctx, job.ID, "agent_a", map[string]any{"summary": "y"}); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("second SubmitResult() error = %v, want ErrAlreadySubmitted", err)
	}
}

func TestSweep_EmptyWindowReopens(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "5.00", nil)

	for i := 1; i <= 3; i++ {
		h.clock.Advance(6 * time.Second)
		h.sweep(t)
		got, _ := h.jobs.Get(ctx, job.ID)
		if got.Status != model.JobStatusAcceptingBids || got.WindowReopens != i {
			t.Fatalf("after sweep %d job = %s/%d reopens, want accepting_bids/%d", i, got.Status, got.WindowReopens, i)
		}
		if !got.BidWindowEndsAt.After(h.clock.Now()) {
			t.Errorf("reopened window ends %v, not after now %v", got.BidWindowEndsAt, h.clock.Now())
		}
	}
}

func TestSweep_EmptyWindowFailsAfterLimit(t *testing.T) {
	h := newHarness(t, "10.00", func(c *Config) { c.MaxWindowReopens = 1 })
	ctx := context.Background()
	job := h.postJob(t, "5.00", nil)

	h.clock.Advance(6 * time.Second)
	h.sweep(t)
	h.clock.Advance(6 * time.Second)
	h.sweep(t)

	got, _ := h.jobs.Get(ctx, job.ID)
	if got.Status != model.JobStatusFailed || got.FailureReason == nil {
		t.Errorf("job = %+v, want failed after one reopen", got)
	}
}

func TestSweep_NoAcceptableBidFails(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "1.00", nil)
	h.bid(t, job.ID, "agent_a", "2.00", 0.9, 1000)

	h.clock.Advance(6 * time.Second)
	h.sweep(t)

	got, _ := h.jobs.Get(ctx, job.ID)
	if got.Status != model.JobStatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
}

func TestSweep_WatchdogFailsStuckJob(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "5.00", nil)
	b := h.bid(t, job.ID, "agent_a", "4.00", 0.9, 1000)
	if _, err := h.coord.AcceptBid(ctx, job.ID, b.ID); err != nil {
		t.Fatalf("AcceptBid() error: %v", err)
	}

	h.clock.Advance(4 * time.Minute)
	h.sweep(t)
	if got, _ := h.jobs.Get(ctx, job.ID); got.Status != model.JobStatusInProgress {
		t.Fatalf("Status before timeout = %s, want in_progress", got.Status)
	}

	h.clock.Advance(2 * time.Minute)
	h.sweep(t)
	got, _ := h.jobs.Get(ctx, job.ID)
	if got.Status != model.JobStatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got := h.balance(t, "coordinator"); got != "10.00" {
		t.Errorf("coordinator balance = %s, want 10.00", got)
	}
	h.assertInvariants(t)
}

func TestFailJob(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "5.00", nil)

	got, err := h.coord.FailJob(ctx, job.ID, "cancelled by poster")
	if err != nil {
		t.Fatalf("FailJob() error: %v", err)
	}
	if got.Status != model.JobStatusFailed || *got.FailureReason != "cancelled by poster" {
		t.Errorf("FailJob() = %+v", got)
	}
	if _, err := h.coord.FailJob(ctx, job.ID, "again"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second FailJob() error = %v, want ErrInvalidState", err)
	}
	if _, err := h.coord.FailJob(ctx, "job_missing", "x"); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("FailJob(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestSelect_DoesNotChangeState(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "5.00", nil)
	h.bid(t, job.ID, "agent_a", "1.50", 0.90, 120_000)
	h.bid(t, job.ID, "agent_b", "3.00", 0.95, 60_000)

	sel, err := h.coord.Select(ctx, job.ID)
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if sel.Winner == nil || len(sel.Ranked) != 2 {
		t.Fatalf("Select() = %+v", sel)
	}
	got, _ := h.jobs.Get(ctx, job.ID)
	if got.Status != model.JobStatusAcceptingBids || got.AcceptedBid != nil {
		t.Errorf("job changed by Select(): %+v", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, "10.00", func(c *Config) { c.Interval = 10 * time.Millisecond })
	job := h.postJob(t, "5.00", nil)
	h.bid(t, job.ID, "agent_a", "2.00", 0.9, 1000)
	h.clock.Advance(6 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.coord.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		got, _ := h.jobs.Get(context.Background(), job.ID)
		if got.Status == model.JobStatusInProgress {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never reached in_progress, status %s", got.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestSweep_UnpayableJobFails(t *testing.T) {
	tests := []struct {
		name   string
		payer  string
		reason string
	}{
		{"payer wallet missing", "poster_gone", "wallet not found"},
		{"payer is the escrow wallet", ledger.EscrowWallet, "system wallets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "10.00")
			ctx := context.Background()
			job := h.postJob(t, "5.00", nil)
			h.bid(t, job.ID, "agent_a", "2.00", 0.9, 1000)

			// stored jobs predating payer checks can still name such a payer
			job.PostedBy = tt.payer
			if _, err := h.jobs.Update(ctx, job); err != nil {
				t.Fatalf("Update() error: %v", err)
			}

			h.clock.Advance(6 * time.Second)
			h.sweep(t)

			got, _ := h.jobs.Get(ctx, job.ID)
			if got.Status != model.JobStatusFailed || got.FailureReason == nil || !strings.Contains(*got.FailureReason, tt.reason) {
				t.Fatalf("job = %s / %v, want failed mentioning %q", got.Status, got.FailureReason, tt.reason)
			}
			if got.AcceptedBid != nil || got.EscrowID != nil {
				t.Errorf("failed job has accepted bid or escrow")
			}
			if got := h.balance(t, "coordinator"); got != "10.00" {
				t.Errorf("coordinator balance = %s, want 10.00", got)
			}
			h.assertInvariants(t)
		})
	}
}

func TestVerify_ReleaseFailureFailsJob(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "5.00", nil)
	b := h.bid(t, job.ID, "agent_a", "2.00", 0.9, 1000)

	accepted, err := h.coord.AcceptBid(ctx, job.ID, b.ID)
	if err != nil {
		t.Fatalf("AcceptBid() error: %v", err)
	}
	if _, err := h.coord.SubmitResult(ctx, job.ID, "agent_a", map[string]any{"summary": "ok"}); err != nil {
		t.Fatalf("SubmitResult() error: %v", err)
	}

	// a job whose recorded price no longer matches its escrow cannot be paid out
	stale, _ := h.jobs.Get(ctx, job.ID)
	stale.AcceptedBid.Price = "1.00"
	if _, err := h.jobs.Update(ctx, stale); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	h.sweep(t)

	got, _ := h.jobs.Get(ctx, job.ID)
	if got.Status != model.JobStatusFailed || got.FailureReason == nil || !strings.Contains(*got.FailureReason, "escrow release failed") {
		t.Fatalf("job = %s / %v, want failed after the release error", got.Status, got.FailureReason)
	}
	escrow, _ := h.ledger.Escrow(ctx, *accepted.EscrowID)
	if escrow.Status != model.EscrowStatusCancelled {
		t.Errorf("escrow status = %s, want cancelled", escrow.Status)
	}
	if got := h.balance(t, "coordinator"); got != "10.00" {
		t.Errorf("coordinator balance = %s, want 10.00", got)
	}
	if got := h.balance(t, "agent_a"); got != "0.00" {
		t.Errorf("agent_a balance = %s, want 0.00", got)
	}

	h.sweep(t)
	if again, _ := h.jobs.Get(ctx, job.ID); again.Status != model.JobStatusFailed {
		t.Errorf("Status after another sweep = %s, want failed", again.Status)
	}
	h.assertInvariants(t)
}

func TestAcceptBid_EventsPublishedAfterLocksReleased(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()
	job := h.postJob(t, "5.00", nil)
	b := h.bid(t, job.ID, "agent_a", "2.00", 0.9, 1000)

	var viewErr, failErr error
	within := func(fn func() error) error {
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			return errors.New("lock still held while publishing")
		}
	}
	h.events.Subscribe(events.EventEscrowCreated, func(ctx context.Context, e events.Envelope) error {
		viewErr = within(func() error {
			return h.jobs.View(ctx, job.ID, func(model.Job) error { return nil })
		})
		return nil
	})
	h.events.Subscribe(events.EventBidAccepted, func(ctx context.Context, e events.Envelope) error {
		failErr = within(func() error {
			_, err := h.coord.FailJob(ctx, job.ID, "withdrawn by poster")
			return err
		})
		return nil
	})

	if _, err := h.coord.AcceptBid(ctx, job.ID, b.ID); err != nil {
		t.Fatalf("AcceptBid() error: %v", err)
	}
	if viewErr != nil {
		t.Errorf("job lookup from escrow.created subscriber: %v", viewErr)
	}
	if failErr != nil {
		t.Fatalf("FailJob() from bid.accepted subscriber: %v", failErr)
	}

	got, _ := h.jobs.Get(ctx, job.ID)
	if got.Status != model.JobStatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got := h.balance(t, "coordinator"); got != "10.00" {
		t.Errorf("coordinator balance = %s, want 10.00", got)
	}
	h.assertInvariants(t)
}
