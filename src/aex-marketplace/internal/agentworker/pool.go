package agentworker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/bids"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
)

// Pool owns one worker per agent.
type Pool struct {
	market  Marketplace
	roster  Roster
	workers map[string]*Worker

	mu      sync.Mutex
	baseCtx context.Context
}

func NewPool(m Marketplace, r Roster, workers ...*Worker) *Pool {
	p := &Pool{
		market:  m,
		roster:  r,
		workers: make(map[string]*Worker, len(workers)),
		baseCtx: context.Background(),
	}
	for _, w := range workers {
		p.workers[w.AgentID()] = w
	}
	return p
}

// Run starts every worker and blocks until all of them have stopped.
func (p *Pool) Run(ctx context.Context) {
	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	slog.InfoContext(ctx, "agent_workers_started", "count", len(p.workers))
	wg.Wait()
	slog.InfoContext(ctx, "agent_workers_stopped")
}

// Execute starts the assigned agent's execution of jobID. The work outlives
// the caller's request and stops with the pool.
func (p *Pool) Execute(ctx context.Context, jobID string) (model.Job, error) {
	job, err := p.market.Job(ctx, jobID)
	if err != nil {
		return model.Job{}, err
	}
	if job.AcceptedBid == nil {
		return job, fmt.Errorf("%w: job %s has no accepted bid", ErrNotExecutable, job.ID)
	}
	w, ok := p.workers[job.AcceptedBid.AgentID]
	if !ok {
		return job, fmt.Errorf("%w: %s", ErrNoWorker, job.AcceptedBid.AgentID)
	}

	p.mu.Lock()
	base := p.baseCtx
	p.mu.Unlock()
	return job, w.Start(base, job)
}

// GenerateBids has every matching available agent bid on jobID now.
func (p *Pool) GenerateBids(ctx context.Context, jobID string) ([]model.Bid, error) {
	job, err := p.market.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusAcceptingBids {
		return nil, fmt.Errorf("%w: job %s is %s", bids.ErrWindowClosed, job.ID, job.Status)
	}

	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []model.Bid
	for _, id := range ids {
		agent, err := p.roster.Get(ctx, id)
		if err != nil || agent.Status != model.AgentStatusAvailable {
			continue
		}
		bid, err := p.workers[id].Bid(ctx, agent, job)
		if err != nil {
			slog.WarnContext(ctx, "agent_bid_failed", "agent_id", id, "job_id", job.ID, "error", err)
			continue
		}
		if bid != nil {
			out = append(out, *bid)
		}
	}
	return out, nil
}

// Wait blocks until every worker's running executions have finished.
func (p *Pool) Wait() {
	for _, w := range p.workers {
		w.Wait()
	}
}
