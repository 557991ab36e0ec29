// Package coordinator drives jobs through their lifecycle: it closes bidding
// windows, selects and funds winners, verifies submissions and settles or
// refunds escrow.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/agents"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/bids"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/decider"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/jobs"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/keylock"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/ledger"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/metrics"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/parlakisik/agent-exchange/src/internal/events"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidState     = errors.New("invalid job state")
	ErrNotAssigned      = errors.New("agent is not assigned to this job")
	ErrAlreadySubmitted = errors.New("job already has a submission")
	ErrBidRejected      = errors.New("bid cannot be accepted")
)

type Config struct {
	Interval         time.Duration
	BidWindow        time.Duration
	ExecutionTimeout time.Duration
	// MaxWindowReopens caps how often an empty window reopens before the
	// job fails. Zero reopens forever.
	MaxWindowReopens int
}

func DefaultConfig() Config {
	return Config{
		Interval:         3 * time.Second,
		BidWindow:        5 * time.Second,
		ExecutionTimeout: 5 * time.Minute,
	}
}

type Coordinator struct {
	jobs    *jobs.Service
	bids    *bids.Collector
	ledger  *ledger.Ledger
	agents  *agents.Registry
	decider decider.Decider
	events  *events.Publisher
	metrics *metrics.Metrics
	cfg     Config

	// settlement of a single job is serialized across API calls and sweeps;
	// coordinator events are published once it is released
	locks *keylock.Locker
	nudge chan struct{}
}

func New(js *jobs.Service, bc *bids.Collector, l *ledger.Ledger, reg *agents.Registry, d decider.Decider, pub *events.Publisher, m *metrics.Metrics, cfg Config) *Coordinator {
	return &Coordinator{
		jobs:    js,
		bids:    bc,
		ledger:  l,
		agents:  reg,
		decider: d,
		events:  pub,
		metrics: m,
		cfg:     cfg,
		locks:   keylock.New(),
		nudge:   make(chan struct{}, 1),
	}
}

// Run sweeps every interval and whenever a submission arrives, until ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	if c.events != nil {
		defer c.events.Subscribe(events.EventJobSubmitted, events.Notify(c.nudge))()
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "coordinator_started", "interval", c.cfg.Interval)
	for {
		if err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
			c.metrics.PollError("coordinator")
			slog.ErrorContext(ctx, "coordinator_sweep_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "coordinator_stopped")
			return
		case <-ticker.C:
		case <-c.nudge:
		}
	}
}

// Sweep runs one pass over every active job. A failure on one job is logged
// and does not stop the pass.
func (c *Coordinator) Sweep(ctx context.Context) error {
	open, err := c.jobs.ListByStatus(ctx, model.JobStatusAcceptingBids)
	if err != nil {
		return fmt.Errorf("list open jobs: %w", err)
	}
	now := c.jobs.Now()
	for _, job := range open {
		if now.After(job.BidWindowEndsAt) {
			c.perJob(ctx, "close_window", job.ID, c.closeWindow(ctx, job.ID))
		}
	}

	evaluating, err := c.jobs.ListByStatus(ctx, model.JobStatusEvaluating)
	if err != nil {
		return fmt.Errorf("list evaluating jobs: %w", err)
	}
	for _, job := range evaluating {
		c.perJob(ctx, "evaluate", job.ID, c.evaluate(ctx, job.ID))
	}

	running, err := c.jobs.ListByStatus(ctx, model.JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	now = c.jobs.Now()
	for _, job := range running {
		switch {
		case job.Submission != nil:
			_, err := c.Verify(ctx, job.ID)
			if errors.Is(err, decider.ErrExternalService) {
				_, err = c.FailJob(ctx, job.ID, "verification failed: "+err.Error())
			}
			c.perJob(ctx, "verify", job.ID, err)
		case job.StartedAt != nil && c.cfg.ExecutionTimeout > 0 && now.Sub(*job.StartedAt) > c.cfg.ExecutionTimeout:
			_, err := c.FailJob(ctx, job.ID, fmt.Sprintf("execution timed out after %s", c.cfg.ExecutionTimeout))
			c.perJob(ctx, "watchdog", job.ID, err)
		}
	}
	return nil
}

func (c *Coordinator) perJob(ctx context.Context, phase, jobID string, err error) {
	if err == nil || errors.Is(err, jobs.ErrUnchanged) {
		return
	}
	c.metrics.PollError("coordinator")
	slog.ErrorContext(ctx, "coordinator_job_failed",
		"phase", phase,
		"job_id", jobID,
		"error", err,
	)
}

// notice is an event held back until the job's settlement lock is released.
type notice struct {
	event string
	data  map[string]any
}

func (c *Coordinator) publish(ctx context.Context, n *notice) {
	if n != nil {
		_ = c.events.Publish(ctx, n.event, n.data)
	}
}

// closeWindow moves an elapsed window to evaluation, or reopens it when no
// bid arrived.
func (c *Coordinator) closeWindow(ctx context.Context, jobID string) error {
	n, err := c.closeWindowLocked(ctx, jobID)
	c.publish(ctx, n)
	return err
}

func (c *Coordinator) closeWindowLocked(ctx context.Context, jobID string) (*notice, error) {
	unlock := c.locks.Lock(jobID)
	defer unlock()

	list, err := c.bids.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}

	if len(list) == 0 {
		job, err := c.jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status != model.JobStatusAcceptingBids {
			return nil, nil
		}
		if c.cfg.MaxWindowReopens > 0 && job.WindowReopens >= c.cfg.MaxWindowReopens {
			_, n, err := c.failLocked(ctx, jobID, fmt.Sprintf("no bids received after %d bidding windows", job.WindowReopens+1))
			return n, err
		}
		return c.reopen(ctx, jobID)
	}

	job, err := c.jobs.Mutate(ctx, jobID, func(j *model.Job) error {
		if j.Status != model.JobStatusAcceptingBids {
			return jobs.ErrUnchanged
		}
		j.Status = model.JobStatusEvaluating
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "bid_window_closed", "job_id", job.ID, "bids_received", len(list))
	return &notice{events.EventJobBidWindowClosed, map[string]any{
		"job_id":    job.ID,
		"bid_count": len(list),
	}}, nil
}

func (c *Coordinator) reopen(ctx context.Context, jobID string) (*notice, error) {
	job, err := c.jobs.Mutate(ctx, jobID, func(j *model.Job) error {
		if j.Status != model.JobStatusAcceptingBids {
			return jobs.ErrUnchanged
		}
		j.WindowReopens++
		j.BidWindowEndsAt = c.jobs.Now().Add(c.cfg.BidWindow)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "bid_window_reopened",
		"job_id", job.ID,
		"window_reopens", job.WindowReopens,
		"bid_window_ends_at", job.BidWindowEndsAt,
	)
	return &notice{events.EventJobWindowReopened, map[string]any{
		"job_id":             job.ID,
		"window_reopens":     job.WindowReopens,
		"bid_window_ends_at": job.BidWindowEndsAt.Format(time.RFC3339Nano),
	}}, nil
}

// evaluate selects and accepts the winner of an evaluating job. Jobs that
// cannot be funded or have no acceptable bid fail with the reason recorded.
func (c *Coordinator) evaluate(ctx context.Context, jobID string) error {
	sel, err := c.Select(ctx, jobID)
	if err != nil {
		if errors.Is(err, decider.ErrExternalService) {
			_, ferr := c.FailJob(ctx, jobID, "bid evaluation failed: "+err.Error())
			return errors.Join(err, ferr)
		}
		return err
	}
	if sel.Winner == nil {
		_, err := c.FailJob(ctx, jobID, "no acceptable bid: "+sel.Reasoning)
		return err
	}

	_, err = c.AcceptBid(ctx, jobID, sel.Winner.ID)
	if unfundable(err) {
		_, ferr := c.FailJob(ctx, jobID, err.Error())
		return ferr
	}
	return err
}

// unfundable reports whether accepting a bid failed for a reason that
// retrying will not fix.
func unfundable(err error) bool {
	for _, target := range []error{
		ledger.ErrInsufficientBalance,
		ledger.ErrWalletNotFound,
		ledger.ErrSystemWallet,
		ledger.ErrInvalidAmount,
		ErrBidRejected,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Select ranks a job's bids without changing any state.
func (c *Coordinator) Select(ctx context.Context, jobID string) (decider.Selection, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return decider.Selection{}, err
	}
	list, err := c.bids.ListByJob(ctx, jobID)
	if err != nil {
		return decider.Selection{}, fmt.Errorf("list bids: %w", err)
	}
	roster, err := c.agents.Map(ctx)
	if err != nil {
		return decider.Selection{}, fmt.Errorf("list agents: %w", err)
	}

	sel, err := c.decider.SelectWinner(ctx, job, list, roster)
	if err != nil {
		return decider.Selection{}, fmt.Errorf("select winner for %s: %w", jobID, err)
	}
	return sel, nil
}

// AcceptBid funds escrow for the bid and moves the job to in_progress. If
// escrow cannot be created the job is left exactly as it was.
func (c *Coordinator) AcceptBid(ctx context.Context, jobID, bidID string) (model.Job, error) {
	job, n, err := c.acceptLocked(ctx, jobID, bidID)
	c.publish(ctx, n)
	return job, err
}

func (c *Coordinator) acceptLocked(ctx context.Context, jobID, bidID string) (model.Job, *notice, error) {
	unlock := c.locks.Lock(jobID)
	defer unlock()

	bid, err := c.bids.Get(ctx, bidID)
	if err != nil {
		return model.Job{}, nil, err
	}
	if bid.JobID != jobID {
		return model.Job{}, nil, fmt.Errorf("%w: bid %s belongs to job %s", ErrBidRejected, bidID, bid.JobID)
	}
	price, err := decimal.NewFromString(bid.Price)
	if err != nil {
		return model.Job{}, nil, fmt.Errorf("%w: bid %s price %q", ErrBidRejected, bidID, bid.Price)
	}

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return model.Job{}, nil, err
	}
	if err := acceptable(job, bid, price); err != nil {
		slog.WarnContext(ctx, "bid_accept_failed", "job_id", jobID, "bid_id", bidID, "error", err)
		return job, nil, err
	}

	// Escrow is funded outside the job's write lock; the state is checked
	// again before the job is written.
	escrow, err := c.ledger.CreateEscrow(ctx, job.PostedBy, bid.AgentID, price, job.ID)
	if err != nil {
		slog.WarnContext(ctx, "bid_accept_failed", "job_id", jobID, "bid_id", bidID, "error", err)
		return job, nil, err
	}

	job, err = c.jobs.Mutate(ctx, jobID, func(j *model.Job) error {
		if err := acceptable(*j, bid, price); err != nil {
			return err
		}
		now := c.jobs.Now()
		j.AcceptedBid = &model.AcceptedBid{
			BidID:      bid.ID,
			AgentID:    bid.AgentID,
			Price:      bid.Price,
			AcceptedAt: now,
		}
		j.EscrowID = &escrow.ID
		j.Status = model.JobStatusInProgress
		j.StartedAt = &now
		return nil
	})
	if err != nil {
		// the job moved on or could not be written after funding; return the money
		if _, cerr := c.ledger.CancelEscrow(ctx, escrow.ID, escrow.FromWallet, price, jobID); cerr != nil {
			slog.ErrorContext(ctx, "escrow_rollback_failed", "escrow_id", escrow.ID, "job_id", jobID, "error", cerr)
		}
		slog.WarnContext(ctx, "bid_accept_failed", "job_id", jobID, "bid_id", bidID, "error", err)
		return job, nil, err
	}

	slog.InfoContext(ctx, "bid_accepted",
		"job_id", job.ID,
		"bid_id", bid.ID,
		"agent_id", bid.AgentID,
		"price", bid.Price,
		"escrow_id", escrow.ID,
	)
	return job, &notice{events.EventBidAccepted, map[string]any{
		"job_id":    job.ID,
		"bid_id":    bid.ID,
		"agent_id":  bid.AgentID,
		"price":     bid.Price,
		"escrow_id": escrow.ID,
	}}, nil
}

func acceptable(j model.Job, bid model.Bid, price decimal.Decimal) error {
	if j.Status != model.JobStatusAcceptingBids && j.Status != model.JobStatusEvaluating {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, j.ID, j.Status)
	}
	if budget, err := decimal.NewFromString(j.BudgetMax); err == nil && price.GreaterThan(budget) {
		return fmt.Errorf("%w: price %s exceeds budget %s", ErrBidRejected, bid.Price, j.BudgetMax)
	}
	return nil
}

// SubmitResult records the assigned agent's results. Only one submission
// is accepted per job.
func (c *Coordinator) SubmitResult(ctx context.Context, jobID, agentID string, results map[string]any) (model.Job, error) {
	job, err := c.jobs.Mutate(ctx, jobID, func(j *model.Job) error {
		if j.Status != model.JobStatusInProgress {
			return fmt.Errorf("%w: job %s is %s", ErrInvalidState, j.ID, j.Status)
		}
		if j.AcceptedBid == nil || j.AcceptedBid.AgentID != agentID {
			return fmt.Errorf("%w: %s", ErrNotAssigned, agentID)
		}
		if j.Submission != nil {
			return fmt.Errorf("%w: %s", ErrAlreadySubmitted, j.ID)
		}
		if results == nil {
			results = map[string]any{}
		}
		j.Submission = &model.Submission{
			AgentID:     agentID,
			Results:     results,
			SubmittedAt: c.jobs.Now(),
		}
		return nil
	})
	if err != nil {
		return job, err
	}

	_ = c.events.Publish(ctx, events.EventJobSubmitted, map[string]any{
		"job_id":   job.ID,
		"agent_id": agentID,
	})
	slog.InfoContext(ctx, "job_submitted", "job_id", job.ID, "agent_id", agentID, "result_fields", len(results))
	return job, nil
}

// Verify judges the submission, then releases escrow to the agent or
// refunds the payer. Releasing an escrow that is already released counts as
// success, so a repeated verification is harmless. A release that fails for
// any other reason fails the job and refunds the payer.
func (c *Coordinator) Verify(ctx context.Context, jobID string) (model.Job, error) {
	job, n, err := c.verifyLocked(ctx, jobID)
	c.publish(ctx, n)
	return job, err
}

func (c *Coordinator) verifyLocked(ctx context.Context, jobID string) (model.Job, *notice, error) {
	unlock := c.locks.Lock(jobID)
	defer unlock()

	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return model.Job{}, nil, err
	}
	if job.Status.Terminal() {
		return job, nil, nil
	}
	if job.Status != model.JobStatusInProgress || job.Submission == nil {
		return job, nil, fmt.Errorf("%w: job %s is %s without a submission", ErrInvalidState, job.ID, job.Status)
	}

	verdict, err := c.decider.VerifyWork(ctx, job)
	if err != nil {
		return job, nil, fmt.Errorf("verify job %s: %w", jobID, err)
	}

	if !verdict.Passed {
		return c.failLocked(ctx, jobID, "verification failed: "+verdict.Reasoning, withVerdict(verdict, c.jobs.Now()))
	}

	price, _ := decimal.NewFromString(job.AcceptedBid.Price)
	released, err := c.ledger.ReleaseEscrow(ctx, *job.EscrowID, job.AcceptedBid.AgentID, price, job.ID)
	if err != nil && !(errors.Is(err, ledger.ErrEscrowSettled) && released.Status == model.EscrowStatusReleased) {
		slog.ErrorContext(ctx, "escrow_release_failed", "job_id", job.ID, "escrow_id", *job.EscrowID, "error", err)
		return c.failLocked(ctx, jobID, "escrow release failed: "+err.Error(), withVerdict(verdict, c.jobs.Now()))
	}

	job, err = c.jobs.Mutate(ctx, jobID, func(j *model.Job) error {
		if j.Status != model.JobStatusInProgress {
			return jobs.ErrUnchanged
		}
		now := c.jobs.Now()
		j.Status = model.JobStatusCompleted
		j.Verification = &model.Verification{Passed: true, Reasoning: verdict.Reasoning, VerifiedAt: now}
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return job, nil, err
	}

	c.recordOutcome(ctx, job, true)
	c.metrics.JobFinished(string(model.JobStatusCompleted))
	slog.InfoContext(ctx, "job_completed",
		"job_id", job.ID,
		"agent_id", job.AcceptedBid.AgentID,
		"price", job.AcceptedBid.Price,
	)
	return job, &notice{events.EventJobCompleted, map[string]any{
		"job_id":    job.ID,
		"agent_id":  job.AcceptedBid.AgentID,
		"price":     job.AcceptedBid.Price,
		"escrow_id": *job.EscrowID,
		"reasoning": verdict.Reasoning,
	}}, nil
}

// FailJob ends a job as failed and refunds any pending escrow to the payer.
func (c *Coordinator) FailJob(ctx context.Context, jobID, reason string) (model.Job, error) {
	job, n, err := c.failJob(ctx, jobID, reason)
	c.publish(ctx, n)
	return job, err
}

func (c *Coordinator) failJob(ctx context.Context, jobID, reason string) (model.Job, *notice, error) {
	unlock := c.locks.Lock(jobID)
	defer unlock()
	return c.failLocked(ctx, jobID, reason)
}

func withVerdict(v decider.Verdict, at time.Time) func(*model.Job) {
	return func(j *model.Job) {
		j.Verification = &model.Verification{Passed: v.Passed, Reasoning: v.Reasoning, VerifiedAt: at}
	}
}

func (c *Coordinator) failLocked(ctx context.Context, jobID, reason string, extra ...func(*model.Job)) (model.Job, *notice, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return model.Job{}, nil, err
	}
	if job.Status.Terminal() {
		return job, nil, fmt.Errorf("%w: job %s is already %s", ErrInvalidState, job.ID, job.Status)
	}

	if job.EscrowID != nil {
		if err := c.refund(ctx, *job.EscrowID, job.ID); err != nil {
			return job, nil, err
		}
	}

	job, err = c.jobs.Mutate(ctx, jobID, func(j *model.Job) error {
		if j.Status.Terminal() {
			return jobs.ErrUnchanged
		}
		now := c.jobs.Now()
		j.Status = model.JobStatusFailed
		j.FailureReason = &reason
		j.CompletedAt = &now
		for _, fn := range extra {
			fn(j)
		}
		return nil
	})
	if err != nil {
		return job, nil, err
	}

	if job.AcceptedBid != nil {
		c.recordOutcome(ctx, job, false)
	}
	c.metrics.JobFinished(string(model.JobStatusFailed))
	slog.WarnContext(ctx, "job_failed", "job_id", job.ID, "reason", reason)
	return job, &notice{events.EventJobFailed, map[string]any{
		"job_id": job.ID,
		"reason": reason,
	}}, nil
}

// refund cancels a pending escrow back to the wallet that funded it, using
// the escrow's own record of payer and amount.
func (c *Coordinator) refund(ctx context.Context, escrowID, jobID string) error {
	escrow, err := c.ledger.Escrow(ctx, escrowID)
	if err != nil {
		return fmt.Errorf("get escrow: %w", err)
	}
	if escrow.Status != model.EscrowStatusPending {
		return nil
	}
	amount, err := decimal.NewFromString(escrow.Amount)
	if err != nil {
		return fmt.Errorf("escrow %s amount %q: %w", escrow.ID, escrow.Amount, err)
	}
	if _, err := c.ledger.CancelEscrow(ctx, escrow.ID, escrow.FromWallet, amount, jobID); err != nil && !errors.Is(err, ledger.ErrEscrowSettled) {
		return fmt.Errorf("cancel escrow: %w", err)
	}
	return nil
}

func (c *Coordinator) recordOutcome(ctx context.Context, job model.Job, success bool) {
	if _, err := c.agents.RecordOutcome(ctx, job.AcceptedBid.AgentID, job.ID, success); err != nil {
		slog.WarnContext(ctx, "reputation_update_failed", "job_id", job.ID, "agent_id", job.AcceptedBid.AgentID, "error", err)
	}
}
