package store

import (
	"context"
	"errors"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// JobStore persists jobs. SaveJob inserts or fully replaces.
type JobStore interface {
	SaveJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, jobID string) (model.Job, error)
	// ListJobs returns jobs ordered by posted_at; an empty status lists all.
	ListJobs(ctx context.Context, status model.JobStatus) ([]model.Job, error)
	Close() error
}

// BidStore persists bids. SaveBid returns ErrDuplicate when the agent already
// has a bid on the job.
type BidStore interface {
	SaveBid(ctx context.Context, bid model.Bid) error
	GetBid(ctx context.Context, bidID string) (model.Bid, error)
	ListBidsByJob(ctx context.Context, jobID string) ([]model.Bid, error)
}

// AgentStore persists agent profiles.
type AgentStore interface {
	SaveAgent(ctx context.Context, agent model.Agent) error
	GetAgent(ctx context.Context, agentID string) (model.Agent, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)
}

// LedgerStore persists wallets, escrows and the transaction log. All writes
// go through CommitLedger, which applies the batch atomically.
type LedgerStore interface {
	GetWallet(ctx context.Context, walletID string) (model.Wallet, error)
	ListWallets(ctx context.Context) ([]model.Wallet, error)
	GetEscrow(ctx context.Context, escrowID string) (model.Escrow, error)
	ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (model.Transaction, error)
	CommitLedger(ctx context.Context, commit model.LedgerCommit) error
}

// Store is everything the marketplace persists apart from jobs, which may
// live in a separate backend.
type Store interface {
	BidStore
	AgentStore
	LedgerStore
	Close() error
}
