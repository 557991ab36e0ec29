package cmd

import "time"

// Response shapes of the marketplace API, limited to what the CLI shows.

type job struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Description     string         `json:"description"`
	Requirements    map[string]any `json:"requirements,omitempty"`
	BudgetMax       string         `json:"budget_max"`
	Status          string         `json:"status"`
	PostedBy        string         `json:"posted_by"`
	AcceptedBid     *acceptedBid   `json:"accepted_bid"`
	EscrowID        *string        `json:"escrow_id"`
	Submission      *submission    `json:"submission"`
	Verification    *verification  `json:"verification,omitempty"`
	PostedAt        time.Time      `json:"posted_at"`
	BidWindowEndsAt time.Time      `json:"bid_window_ends_at"`
	WindowReopens   int            `json:"window_reopens"`
	CompletedAt     *time.Time     `json:"completed_at"`
	FailureReason   *string        `json:"failure_reason,omitempty"`
}

type acceptedBid struct {
	BidID   string `json:"bid_id"`
	AgentID string `json:"agent_id"`
	Price   string `json:"price"`
}

type submission struct {
	AgentID string         `json:"agent_id"`
	Results map[string]any `json:"results"`
}

type verification struct {
	Passed    bool   `json:"passed"`
	Reasoning string `json:"reasoning"`
}

type bid struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	AgentID         string    `json:"agent_id"`
	Price           string    `json:"price"`
	EstimatedTimeMs int64     `json:"estimated_time_ms"`
	Confidence      float64   `json:"confidence"`
	Reasoning       string    `json:"reasoning"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

type rankedBid struct {
	Rank       int     `json:"rank"`
	BidID      string  `json:"bid_id"`
	AgentID    string  `json:"agent_id"`
	Price      string  `json:"price"`
	TotalScore float64 `json:"total_score"`
}

type disqualifiedBid struct {
	BidID   string `json:"bid_id"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

type selection struct {
	Winner       *bid              `json:"selected_bid"`
	Ranked       []rankedBid       `json:"ranked_bids"`
	Disqualified []disqualifiedBid `json:"disqualified_bids"`
	Reasoning    string            `json:"reasoning"`
}

type agent struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Type            string  `json:"type"`
	Status          string  `json:"status"`
	ReputationScore float64 `json:"reputation_score"`
	WalletBalance   string  `json:"wallet_balance"`
	JobsCompleted   int     `json:"jobs_completed"`
	TotalEarned     string  `json:"total_earned"`
	CreatorID       string  `json:"creator_id,omitempty"`
}

type transaction struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	FromWallet string    `json:"from_wallet"`
	ToWallet   string    `json:"to_wallet"`
	Amount     string    `json:"amount"`
	JobID      string    `json:"job_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type discrepancy struct {
	WalletID       string `json:"wallet_id"`
	Balance        string `json:"balance"`
	InitialBalance string `json:"initial_balance"`
	TransactionNet string `json:"transaction_net"`
}
