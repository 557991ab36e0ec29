package agentworker

import (
	"context"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/bids"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/coordinator"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/jobs"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
)

// Marketplace is the view of the exchange an agent worker acts through.
type Marketplace interface {
	Job(ctx context.Context, jobID string) (model.Job, error)
	Jobs(ctx context.Context, status model.JobStatus) ([]model.Job, error)
	Bids(ctx context.Context, jobID string) ([]model.Bid, error)
	SubmitBid(ctx context.Context, req bids.SubmitRequest) (model.Bid, error)
	SubmitResult(ctx context.Context, jobID, agentID string, results map[string]any) (model.Job, error)
	FailJob(ctx context.Context, jobID, reason string) (model.Job, error)
}

// Roster is the agent bookkeeping a worker needs.
type Roster interface {
	Get(ctx context.Context, agentID string) (model.Agent, error)
	SetStatus(ctx context.Context, agentID string, status model.AgentStatus) (model.Agent, error)
}

// Local serves Marketplace from in-process components.
type Local struct {
	JobService  *jobs.Service
	Collector   *bids.Collector
	Coordinator *coordinator.Coordinator
}

func (l Local) Job(ctx context.Context, jobID string) (model.Job, error) {
	return l.JobService.Get(ctx, jobID)
}

func (l Local) Jobs(ctx context.Context, status model.JobStatus) ([]model.Job, error) {
	return l.JobService.ListByStatus(ctx, status)
}

func (l Local) Bids(ctx context.Context, jobID string) ([]model.Bid, error) {
	return l.Collector.ListByJob(ctx, jobID)
}

func (l Local) SubmitBid(ctx context.Context, req bids.SubmitRequest) (model.Bid, error) {
	return l.Collector.Submit(ctx, req)
}

func (l Local) SubmitResult(ctx context.Context, jobID, agentID string, results map[string]any) (model.Job, error) {
	return l.Coordinator.SubmitResult(ctx, jobID, agentID, results)
}

func (l Local) FailJob(ctx context.Context, jobID, reason string) (model.Job, error) {
	return l.Coordinator.FailJob(ctx, jobID, reason)
}
