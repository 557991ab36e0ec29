package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
)

// MemoryStore implements JobStore and Store using in-memory storage.
type MemoryStore struct {
	mu           sync.RWMutex
	jobs         map[string]model.Job
	bids         map[string]model.Bid
	bidKeys      map[string]string // job_id/agent_id -> bid_id
	agents       map[string]model.Agent
	wallets      map[string]model.Wallet
	escrows      map[string]model.Escrow
	transactions []model.Transaction
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:         make(map[string]model.Job),
		bids:         make(map[string]model.Bid),
		bidKeys:      make(map[string]string),
		agents:       make(map[string]model.Agent),
		wallets:      make(map[string]model.Wallet),
		escrows:      make(map[string]model.Escrow),
		transactions: make([]model.Transaction, 0),
	}
}

// Jobs

func (s *MemoryStore) SaveJob(ctx context.Context, job model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return model.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, status model.JobStatus) ([]model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]model.Job, 0)
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			result = append(result, cloneJob(job))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].PostedAt.Equal(result[j].PostedAt) {
			return result[i].PostedAt.Before(result[j].PostedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Bids

func (s *MemoryStore) SaveBid(ctx context.Context, bid model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bid.JobID + "/" + bid.AgentID
	if existing, ok := s.bidKeys[key]; ok && existing != bid.ID {
		return fmt.Errorf("bid for %s: %w", key, ErrDuplicate)
	}
	s.bidKeys[key] = bid.ID
	s.bids[bid.ID] = bid
	return nil
}

func (s *MemoryStore) GetBid(ctx context.Context, bidID string) (model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bid, ok := s.bids[bidID]
	if !ok {
		return model.Bid{}, fmt.Errorf("bid %s: %w", bidID, ErrNotFound)
	}
	return bid, nil
}

func (s *MemoryStore) ListBidsByJob(ctx context.Context, jobID string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]model.Bid, 0)
	for _, bid := range s.bids {
		if bid.JobID == jobID {
			result = append(result, bid)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].SubmittedAt.Equal(result[j].SubmittedAt) {
			return result[i].SubmittedAt.Before(result[j].SubmittedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Agents

func (s *MemoryStore) SaveAgent(ctx context.Context, agent model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent.RecentOutcomes = append([]model.Outcome(nil), agent.RecentOutcomes...)
	s.agents[agent.ID] = agent
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return model.Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	agent.RecentOutcomes = append([]model.Outcome(nil), agent.RecentOutcomes...)
	return agent, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]model.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agent.RecentOutcomes = append([]model.Outcome(nil), agent.RecentOutcomes...)
		result = append(result, agent)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Ledger

func (s *MemoryStore) GetWallet(ctx context.Context, walletID string) (model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wallet, ok := s.wallets[walletID]
	if !ok {
		return model.Wallet{}, fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	return wallet, nil
}

func (s *MemoryStore) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]model.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) GetEscrow(ctx context.Context, escrowID string) (model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	escrow, ok := s.escrows[escrowID]
	if !ok {
		return model.Escrow{}, fmt.Errorf("escrow %s: %w", escrowID, ErrNotFound)
	}
	return escrow, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]model.Transaction, 0)
	for _, tx := range s.transactions {
		if filter.Matches(tx) {
			result = append(result, tx)
			if filter.Limit > 0 && len(result) >= filter.Limit {
				break
			}
		}
	}
	return result, nil
}

func (s *MemoryStore) FindTransactionByReference(ctx context.Context, reference string) (model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.transactions {
		if tx.Reference != "" && tx.Reference == reference {
			return tx, nil
		}
	}
	return model.Transaction{}, fmt.Errorf("transaction with reference %s: %w", reference, ErrNotFound)
}

func (s *MemoryStore) CommitLedger(ctx context.Context, commit model.LedgerCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range commit.Wallets {
		s.wallets[w.ID] = w
	}
	for _, e := range commit.Escrows {
		s.escrows[e.ID] = e
	}
	s.transactions = append(s.transactions, commit.Transactions...)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneJob(job model.Job) model.Job {
	if job.AcceptedBid != nil {
		ab := *job.AcceptedBid
		job.AcceptedBid = &ab
	}
	if job.EscrowID != nil {
		id := *job.EscrowID
		job.EscrowID = &id
	}
	if job.Submission != nil {
		sub := *job.Submission
		job.Submission = &sub
	}
	if job.Verification != nil {
		v := *job.Verification
		job.Verification = &v
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		job.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		job.CompletedAt = &t
	}
	if job.FailureReason != nil {
		r := *job.FailureReason
		job.FailureReason = &r
	}
	return job
}
