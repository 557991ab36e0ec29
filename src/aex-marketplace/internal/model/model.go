package model

import (
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusAcceptingBids JobStatus = "accepting_bids"
	JobStatusEvaluating    JobStatus = "evaluating"
	JobStatusInProgress    JobStatus = "in_progress"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is a unit of work posted to the marketplace.
type Job struct {
	ID              string         `json:"id" bson:"_id" firestore:"id"`
	Type            string         `json:"type" bson:"type" firestore:"type"`
	Description     string         `json:"description" bson:"description" firestore:"description"`
	Requirements    map[string]any `json:"requirements,omitempty" bson:"requirements,omitempty" firestore:"requirements,omitempty"`
	BudgetMax       string         `json:"budget_max" bson:"budget_max" firestore:"budget_max"` // Decimal as string
	Status          JobStatus      `json:"status" bson:"status" firestore:"status"`
	PostedBy        string         `json:"posted_by" bson:"posted_by" firestore:"posted_by"`
	AcceptedBid     *AcceptedBid   `json:"accepted_bid" bson:"accepted_bid,omitempty" firestore:"accepted_bid,omitempty"`
	EscrowID        *string        `json:"escrow_id" bson:"escrow_id,omitempty" firestore:"escrow_id,omitempty"`
	Submission      *Submission    `json:"submission" bson:"submission,omitempty" firestore:"submission,omitempty"`
	Verification    *Verification  `json:"verification,omitempty" bson:"verification,omitempty" firestore:"verification,omitempty"`
	PostedAt        time.Time      `json:"posted_at" bson:"posted_at" firestore:"posted_at"`
	BidWindowEndsAt time.Time      `json:"bid_window_ends_at" bson:"bid_window_ends_at" firestore:"bid_window_ends_at"`
	WindowReopens   int            `json:"window_reopens" bson:"window_reopens" firestore:"window_reopens"`
	StartedAt       *time.Time     `json:"started_at,omitempty" bson:"started_at,omitempty" firestore:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at" bson:"completed_at,omitempty" firestore:"completed_at,omitempty"`
	FailureReason   *string        `json:"failure_reason,omitempty" bson:"failure_reason,omitempty" firestore:"failure_reason,omitempty"`
}

// AcceptedBid records the winning bid of a job.
type AcceptedBid struct {
	BidID      string    `json:"bid_id" bson:"bid_id" firestore:"bid_id"`
	AgentID    string    `json:"agent_id" bson:"agent_id" firestore:"agent_id"`
	Price      string    `json:"price" bson:"price" firestore:"price"` // Decimal as string
	AcceptedAt time.Time `json:"accepted_at" bson:"accepted_at" firestore:"accepted_at"`
}

// Submission holds the results an agent delivered for a job.
type Submission struct {
	AgentID     string         `json:"agent_id" bson:"agent_id" firestore:"agent_id"`
	Results     map[string]any `json:"results" bson:"results" firestore:"results"`
	SubmittedAt time.Time      `json:"submitted_at" bson:"submitted_at" firestore:"submitted_at"`
}

// Verification is the outcome of checking a submission.
type Verification struct {
	Passed     bool      `json:"passed" bson:"passed" firestore:"passed"`
	Reasoning  string    `json:"reasoning" bson:"reasoning" firestore:"reasoning"`
	VerifiedAt time.Time `json:"verified_at" bson:"verified_at" firestore:"verified_at"`
}

// Bid is an agent's offer to perform a job.
type Bid struct {
	ID              string    `json:"id" bson:"_id"`
	JobID           string    `json:"job_id" bson:"job_id"`
	AgentID         string    `json:"agent_id" bson:"agent_id"`
	Price           string    `json:"price" bson:"price"` // Decimal as string
	EstimatedTimeMs int64     `json:"estimated_time_ms" bson:"estimated_time_ms"`
	Confidence      float64   `json:"confidence" bson:"confidence"`
	Reasoning       string    `json:"reasoning" bson:"reasoning"`
	SubmittedAt     time.Time `json:"submitted_at" bson:"submitted_at"`
}

// AgentStatus is an agent's availability.
type AgentStatus string

const (
	AgentStatusAvailable AgentStatus = "available"
	AgentStatusBusy      AgentStatus = "busy"
	AgentStatusOffline   AgentStatus = "offline"
)

// Agent is a simulated marketplace participant.
type Agent struct {
	ID              string       `json:"id" bson:"_id"`
	Name            string       `json:"name" bson:"name"`
	Type            string       `json:"type" bson:"type"`
	CreatorID       string       `json:"creator_id,omitempty" bson:"creator_id,omitempty"`
	ReputationScore float64      `json:"reputation_score" bson:"reputation_score"`
	Status          AgentStatus  `json:"status" bson:"status"`
	PricingModel    PricingModel `json:"pricing_model" bson:"pricing_model"`
	RecentOutcomes  []Outcome    `json:"recent_outcomes,omitempty" bson:"recent_outcomes,omitempty"`
	CreatedAt       time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" bson:"updated_at"`

	// Populated from the agent's wallet on read.
	WalletBalance string `json:"wallet_balance" bson:"-"`
	JobsCompleted int    `json:"jobs_completed" bson:"-"`
	TotalEarned   string `json:"total_earned" bson:"-"`
}

// PricingModel drives rule-based bid pricing.
type PricingModel struct {
	BaseRate              string             `json:"base_rate" bson:"base_rate"` // Decimal as string
	ComplexityMultipliers map[string]float64 `json:"complexity_multipliers,omitempty" bson:"complexity_multipliers,omitempty"`
}

// Outcome is one verified job result for an agent.
type Outcome struct {
	JobID      string    `json:"job_id" bson:"job_id"`
	Success    bool      `json:"success" bson:"success"`
	RecordedAt time.Time `json:"recorded_at" bson:"recorded_at"`
}

// Wallet is a ledger account. Balance and InitialBalance are decimal strings.
type Wallet struct {
	ID             string    `json:"id" bson:"_id"`
	Balance        string    `json:"balance" bson:"balance"`
	InitialBalance string    `json:"initial_balance" bson:"initial_balance"`
	JobsCompleted  int       `json:"jobs_completed" bson:"jobs_completed"`
	TotalEarned    string    `json:"total_earned" bson:"total_earned"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" bson:"updated_at"`
}

// EscrowStatus is the settlement state of an escrow.
type EscrowStatus string

const (
	EscrowStatusPending   EscrowStatus = "pending"
	EscrowStatusReleased  EscrowStatus = "released"
	EscrowStatusCancelled EscrowStatus = "cancelled"
)

// Escrow holds funds earmarked for a job.
type Escrow struct {
	ID         string       `json:"id" bson:"_id"`
	JobID      string       `json:"job_id" bson:"job_id"`
	FromWallet string       `json:"from_wallet" bson:"from_wallet"`
	ToWallet   string       `json:"to_wallet" bson:"to_wallet"`
	Amount     string       `json:"amount" bson:"amount"` // Decimal as string
	Status     EscrowStatus `json:"status" bson:"status"`
	CreatedAt  time.Time    `json:"created_at" bson:"created_at"`
	SettledAt  *time.Time   `json:"settled_at,omitempty" bson:"settled_at,omitempty"`
}

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TxEscrowCreate   TransactionType = "escrow_create"
	TxEscrowRelease  TransactionType = "escrow_release"
	TxEscrowCancel   TransactionType = "escrow_cancel"
	TxPlatformFee    TransactionType = "platform_fee"
	TxCreatorEarning TransactionType = "creator_earning"
	TxDeposit        TransactionType = "deposit"
)

// Transaction is an immutable ledger record moving Amount from FromWallet to ToWallet.
type Transaction struct {
	ID         string          `json:"id" bson:"_id"`
	Type       TransactionType `json:"type" bson:"type"`
	FromWallet string          `json:"from_wallet" bson:"from_wallet"`
	ToWallet   string          `json:"to_wallet" bson:"to_wallet"`
	Amount     string          `json:"amount" bson:"amount"` // Decimal as string
	JobID      string          `json:"job_id,omitempty" bson:"job_id,omitempty"`
	EscrowID   *string         `json:"escrow_id" bson:"escrow_id,omitempty"`
	Reference  string          `json:"reference,omitempty" bson:"reference,omitempty"`
	CreatedAt  time.Time       `json:"created_at" bson:"created_at"`
}

// TransactionFilter narrows a transaction listing. Empty fields match everything.
type TransactionFilter struct {
	Wallet string
	JobID  string
	Limit  int
}

// Matches reports whether tx satisfies the filter.
func (f TransactionFilter) Matches(tx Transaction) bool {
	if f.Wallet != "" && tx.FromWallet != f.Wallet && tx.ToWallet != f.Wallet {
		return false
	}
	if f.JobID != "" && tx.JobID != f.JobID {
		return false
	}
	return true
}

// LedgerCommit is an atomic batch of ledger writes.
type LedgerCommit struct {
	Wallets      []Wallet
	Escrows      []Escrow
	Transactions []Transaction
}
