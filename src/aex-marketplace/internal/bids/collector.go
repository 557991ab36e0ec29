// Package bids accepts agent bids while a job's window is open.
package bids

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/agents"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/jobs"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/ledger"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/metrics"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/store"
	"github.com/parlakisik/agent-exchange/src/internal/events"
)

var (
	ErrValidation   = errors.New("invalid bid")
	ErrBidNotFound  = errors.New("bid not found")
	ErrWindowClosed = errors.New("bidding window closed")
	ErrDuplicateBid = errors.New("agent already bid on this job")
)

// SubmitRequest is a bid submission. A nil Confidence means the agent did not
// state one and its reputation is used instead.
type SubmitRequest struct {
	JobID           string   `json:"job_id"`
	AgentID         string   `json:"agent_id"`
	Price           string   `json:"price"`
	EstimatedTimeMs int64    `json:"estimated_time_ms"`
	Confidence      *float64 `json:"confidence,omitempty"`
	Reasoning       string   `json:"reasoning"`
}

// Roster looks up registered agents.
type Roster interface {
	Get(ctx context.Context, agentID string) (model.Agent, error)
}

type Collector struct {
	store   store.BidStore
	jobs    *jobs.Service
	roster  Roster
	events  *events.Publisher
	metrics *metrics.Metrics
}

func New(st store.BidStore, js *jobs.Service, roster Roster, pub *events.Publisher, m *metrics.Metrics) *Collector {
	return &Collector{
		store:   st,
		jobs:    js,
		roster:  roster,
		events:  pub,
		metrics: m,
	}
}

// Submit records a bid from a registered agent if the job is still accepting
// bids and the agent has not bid on it before. A rejected duplicate leaves
// the original bid as is.
func (c *Collector) Submit(ctx context.Context, req SubmitRequest) (model.Bid, error) {
	bid, err := c.submit(ctx, req)
	if err != nil {
		c.metrics.BidRejected(rejectReason(err))
		slog.WarnContext(ctx, "bid_rejected",
			"job_id", req.JobID,
			"agent_id", req.AgentID,
			"price", req.Price,
			"error", err,
		)
	}
	return bid, err
}

func (c *Collector) submit(ctx context.Context, req SubmitRequest) (model.Bid, error) {
	req.AgentID = strings.TrimSpace(req.AgentID)
	price, err := validate(req)
	if err != nil {
		return model.Bid{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	agent, err := c.roster.Get(ctx, req.AgentID)
	if err != nil {
		return model.Bid{}, err
	}
	confidence := agent.ReputationScore
	if req.Confidence != nil {
		confidence = *req.Confidence
	}

	// The status check and the save share the job's lock, so no bid lands
	// after the coordinator has moved the job on.
	var (
		bid     model.Bid
		jobType string
	)
	err = c.jobs.View(ctx, req.JobID, func(job model.Job) error {
		now := c.jobs.Now()
		if job.Status != model.JobStatusAcceptingBids {
			return fmt.Errorf("%w: job %s is %s", ErrWindowClosed, job.ID, job.Status)
		}
		if now.After(job.BidWindowEndsAt) {
			return fmt.Errorf("%w: job %s window ended at %s", ErrWindowClosed, job.ID, job.BidWindowEndsAt.Format("15:04:05.000"))
		}

		bid = model.Bid{
			ID:              "bid_" + uuid.NewString(),
			JobID:           job.ID,
			AgentID:         req.AgentID,
			Price:           price,
			EstimatedTimeMs: req.EstimatedTimeMs,
			Confidence:      confidence,
			Reasoning:       req.Reasoning,
			SubmittedAt:     now,
		}
		jobType = job.Type
		if err := c.store.SaveBid(ctx, bid); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: agent %s on job %s", ErrDuplicateBid, req.AgentID, job.ID)
			}
			return fmt.Errorf("save bid: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Bid{}, err
	}

	c.metrics.BidSubmitted(jobType)
	_ = c.events.Publish(ctx, events.EventBidSubmitted, map[string]any{
		"job_id":   bid.JobID,
		"bid_id":   bid.ID,
		"agent_id": bid.AgentID,
		"price":    bid.Price,
	})

	slog.InfoContext(ctx, "bid_submitted",
		"job_id", bid.JobID,
		"bid_id", bid.ID,
		"agent_id", bid.AgentID,
		"price", bid.Price,
		"confidence", bid.Confidence,
	)
	return bid, nil
}

// ListByJob returns a job's bids in submission order.
func (c *Collector) ListByJob(ctx context.Context, jobID string) ([]model.Bid, error) {
	return c.store.ListBidsByJob(ctx, jobID)
}

func (c *Collector) Get(ctx context.Context, bidID string) (model.Bid, error) {
	bid, err := c.store.GetBid(ctx, bidID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Bid{}, fmt.Errorf("%w: %s", ErrBidNotFound, bidID)
	}
	return bid, err
}

func validate(req SubmitRequest) (string, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return "", errors.New("job_id is required")
	}
	if req.AgentID == "" {
		return "", errors.New("agent_id is required")
	}
	price, err := ledger.ParseAmount(strings.TrimSpace(req.Price))
	if err != nil {
		return "", fmt.Errorf("price: %v", err)
	}
	if c := req.Confidence; c != nil && (*c < 0 || *c > 1) {
		return "", fmt.Errorf("confidence %v must be between 0 and 1", *c)
	}
	if req.EstimatedTimeMs < 0 {
		return "", errors.New("estimated_time_ms must not be negative")
	}
	return price.StringFixed(2), nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrWindowClosed):
		return "window_closed"
	case errors.Is(err, ErrDuplicateBid):
		return "duplicate"
	case errors.Is(err, jobs.ErrJobNotFound):
		return "job_not_found"
	case errors.Is(err, agents.ErrAgentNotFound):
		return "unknown_agent"
	default:
		return "error"
	}
}
