// Package agentworker runs the simulated agents: each worker bids on
// matching jobs and executes the jobs it wins.
package agentworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/agents"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/bids"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/decider"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/metrics"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/parlakisik/agent-exchange/src/internal/events"
	"github.com/shopspring/decimal"
)

var (
	ErrAlreadyRunning = errors.New("job is already executing")
	ErrNotExecutable  = errors.New("job cannot be executed")
	ErrNoWorker       = errors.New("no worker for agent")
)

type Config struct {
	Interval         time.Duration
	ExecutionTimeout time.Duration
}

type Worker struct {
	agentID  string
	market   Marketplace
	roster   Roster
	decider  decider.Decider
	executor Executor
	events   *events.Publisher
	metrics  *metrics.Metrics
	cfg      Config

	mu       sync.Mutex
	inFlight map[string]bool
	bidOn    map[string]bool
	wg       sync.WaitGroup
	nudge    chan struct{}
}

func NewWorker(agentID string, m Marketplace, r Roster, d decider.Decider, ex Executor, pub *events.Publisher, met *metrics.Metrics, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 5 * time.Minute
	}
	return &Worker{
		agentID:  agentID,
		market:   m,
		roster:   r,
		decider:  d,
		executor: ex,
		events:   pub,
		metrics:  met,
		cfg:      cfg,
		inFlight: make(map[string]bool),
		bidOn:    make(map[string]bool),
		nudge:    make(chan struct{}, 1),
	}
}

func (w *Worker) AgentID() string { return w.agentID }

// Run polls until ctx is cancelled, then waits for running executions.
func (w *Worker) Run(ctx context.Context) {
	if w.events != nil {
		defer w.events.Subscribe(events.EventJobPosted, events.Notify(w.nudge))()
		defer w.events.Subscribe(events.EventBidAccepted, events.Notify(w.nudge))()
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.metrics.PollError("agent_worker")
			slog.ErrorContext(ctx, "agent_poll_failed", "agent_id", w.agentID, "error", err)
		}
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-ticker.C:
		case <-w.nudge:
		}
	}
}

// Poll bids on open jobs the agent has not bid on yet and starts execution
// of accepted jobs still waiting for results.
func (w *Worker) Poll(ctx context.Context) error {
	agent, err := w.roster.Get(ctx, w.agentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if agent.Status == model.AgentStatusOffline {
		return nil
	}

	open, err := w.market.Jobs(ctx, model.JobStatusAcceptingBids)
	if err != nil {
		return fmt.Errorf("list open jobs: %w", err)
	}
	for _, job := range open {
		if _, err := w.Bid(ctx, agent, job); err != nil {
			slog.WarnContext(ctx, "agent_bid_failed", "agent_id", w.agentID, "job_id", job.ID, "error", err)
		}
	}

	running, err := w.market.Jobs(ctx, model.JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		if job.AcceptedBid == nil || job.AcceptedBid.AgentID != w.agentID || job.Submission != nil {
			continue
		}
		if err := w.Start(ctx, job); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			slog.WarnContext(ctx, "agent_execute_failed", "agent_id", w.agentID, "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// Bid prices and submits a bid for job when the agent's type matches, it
// has not bid already and the quote fits the budget. It returns nil and no
// error when the job is skipped.
func (w *Worker) Bid(ctx context.Context, agent model.Agent, job model.Job) (*model.Bid, error) {
	if !agents.MatchesJob(agent.Type, job.Type) || w.hasBid(job.ID) {
		return nil, nil
	}

	existing, err := w.market.Bids(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	for _, b := range existing {
		if b.AgentID == w.agentID {
			w.markBid(job.ID)
			return nil, nil
		}
	}

	quote, err := w.decider.PriceBid(ctx, agent, job)
	if err != nil {
		return nil, fmt.Errorf("price bid: %w", err)
	}
	if budget, err := decimal.NewFromString(job.BudgetMax); err == nil && quote.Price.GreaterThan(budget) {
		slog.InfoContext(ctx, "agent_bid_skipped", "agent_id", w.agentID, "job_id", job.ID, "quote", quote.Price.StringFixed(2), "budget_max", job.BudgetMax)
		w.markBid(job.ID)
		return nil, nil
	}

	confidence := quote.Confidence
	bid, err := w.market.SubmitBid(ctx, bids.SubmitRequest{
		JobID:           job.ID,
		AgentID:         w.agentID,
		Price:           quote.Price.StringFixed(2),
		EstimatedTimeMs: quote.EstimatedTimeMs,
		Confidence:      &confidence,
		Reasoning:       quote.Reasoning,
	})
	switch {
	case err == nil:
		w.markBid(job.ID)
		return &bid, nil
	case errors.Is(err, bids.ErrDuplicateBid), errors.Is(err, bids.ErrWindowClosed):
		w.markBid(job.ID)
		return nil, nil
	default:
		return nil, err
	}
}

// Start executes job in the background unless it is already running.
func (w *Worker) Start(ctx context.Context, job model.Job) error {
	if job.Status != model.JobStatusInProgress || job.AcceptedBid == nil || job.AcceptedBid.AgentID != w.agentID {
		return fmt.Errorf("%w: job %s is %s", ErrNotExecutable, job.ID, job.Status)
	}
	if job.Submission != nil {
		return fmt.Errorf("%w: job %s already has results", ErrNotExecutable, job.ID)
	}
	if !w.claim(job.ID) {
		return ErrAlreadyRunning
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.release(job.ID)
		w.execute(ctx, job)
	}()
	return nil
}

// Wait blocks until every started execution has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) execute(ctx context.Context, job model.Job) {
	agent, err := w.roster.SetStatus(ctx, w.agentID, model.AgentStatusBusy)
	if err != nil {
		slog.WarnContext(ctx, "agent_status_failed", "agent_id", w.agentID, "error", err)
		if agent, err = w.roster.Get(ctx, w.agentID); err != nil {
			return
		}
	}
	defer func() {
		if _, err := w.roster.SetStatus(context.WithoutCancel(ctx), w.agentID, model.AgentStatusAvailable); err != nil {
			slog.WarnContext(ctx, "agent_status_failed", "agent_id", w.agentID, "error", err)
		}
	}()

	slog.InfoContext(ctx, "job_execution_started", "agent_id", w.agentID, "job_id", job.ID)
	execCtx, cancel := context.WithTimeout(ctx, w.cfg.ExecutionTimeout)
	results, err := w.executor.Execute(execCtx, agent, job)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// shutting down; the watchdog settles the job if nobody resumes it
			return
		}
		slog.ErrorContext(ctx, "job_execution_failed", "agent_id", w.agentID, "job_id", job.ID, "error", err)
		if _, ferr := w.market.FailJob(ctx, job.ID, "execution failed: "+err.Error()); ferr != nil {
			slog.ErrorContext(ctx, "job_fail_failed", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if _, err := w.market.SubmitResult(ctx, job.ID, w.agentID, results); err != nil {
		slog.ErrorContext(ctx, "job_submit_failed", "agent_id", w.agentID, "job_id", job.ID, "error", err)
		return
	}
	slog.InfoContext(ctx, "job_execution_finished", "agent_id", w.agentID, "job_id", job.ID, "result_fields", len(results))
}

func (w *Worker) claim(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[jobID] {
		return false
	}
	w.inFlight[jobID] = true
	return true
}

func (w *Worker) release(jobID string) {
	w.mu.Lock()
	delete(w.inFlight, jobID)
	w.mu.Unlock()
}

func (w *Worker) hasBid(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bidOn[jobID]
}

func (w *Worker) markBid(jobID string) {
	w.mu.Lock()
	w.bidOn[jobID] = true
	w.mu.Unlock()
}
