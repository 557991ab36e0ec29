// Package decider holds the judgement calls of the marketplace: what an agent
// should bid, which bid wins, and whether submitted work is acceptable.
package decider

import (
	"context"
	"errors"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/shopspring/decimal"
)

// ErrExternalService wraps failures of a remote decision service after the
// bounded attempts are exhausted.
var ErrExternalService = errors.New("external service error")

type Decider interface {
	PriceBid(ctx context.Context, agent model.Agent, job model.Job) (Quote, error)
	SelectWinner(ctx context.Context, job model.Job, bids []model.Bid, agents map[string]model.Agent) (Selection, error)
	VerifyWork(ctx context.Context, job model.Job) (Verdict, error)
}

// Quote is a priced offer an agent can turn into a bid.
type Quote struct {
	Price           decimal.Decimal `json:"price"`
	EstimatedTimeMs int64           `json:"estimated_time_ms"`
	Confidence      float64         `json:"confidence"`
	Reasoning       string          `json:"reasoning"`
}

type Scores struct {
	Price      float64 `json:"price"`
	Confidence float64 `json:"confidence"`
	ETA        float64 `json:"eta"`
}

type RankedBid struct {
	Rank       int     `json:"rank"`
	BidID      string  `json:"bid_id"`
	AgentID    string  `json:"agent_id"`
	Price      string  `json:"price"`
	TotalScore float64 `json:"total_score"`
	Scores     Scores  `json:"scores"`
}

type DisqualifiedBid struct {
	BidID   string `json:"bid_id"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// Selection is the outcome of evaluating a job's bids. Winner is nil when
// every bid was disqualified.
type Selection struct {
	Winner       *model.Bid        `json:"selected_bid"`
	Ranked       []RankedBid       `json:"ranked_bids"`
	Disqualified []DisqualifiedBid `json:"disqualified_bids"`
	Reasoning    string            `json:"reasoning"`
}

type Verdict struct {
	Passed    bool   `json:"passed"`
	Reasoning string `json:"reasoning"`
}

// Weights for the price, confidence and ETA dimensions of a bid score.
type Weights struct {
	Price      float64
	Confidence float64
	ETA        float64
}

func DefaultWeights() Weights {
	return Weights{Price: 0.3, Confidence: 0.5, ETA: 0.2}
}
