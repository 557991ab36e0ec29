// Package agents keeps the roster of marketplace agents, their availability
// and their reputation.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/keylock"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/ledger"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/store"
	"github.com/parlakisik/agent-exchange/src/internal/events"
	"github.com/shopspring/decimal"
)

var ErrAgentNotFound = errors.New("agent not found")

const (
	// DefaultReputation applies to agents with no recorded outcomes.
	DefaultReputation = 0.5
	maxOutcomes       = 100
)

type Registry struct {
	store  store.AgentStore
	ledger *ledger.Ledger
	locks  *keylock.Locker
	events *events.Publisher
	now    func() time.Time
}

func New(st store.AgentStore, l *ledger.Ledger, pub *events.Publisher) *Registry {
	return &Registry{
		store:  st,
		ledger: l,
		locks:  keylock.New(),
		events: pub,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Seed registers agents that are not known yet and opens their wallets with
// WalletBalance as the initial balance. Agents already present are left as
// they are, so seeding is safe on every start.
func (r *Registry) Seed(ctx context.Context, agents []model.Agent) error {
	for _, a := range agents {
		if _, err := r.store.GetAgent(ctx, a.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("get agent %s: %w", a.ID, err)
		}

		initial := decimal.Zero
		if a.WalletBalance != "" {
			d, err := decimal.NewFromString(a.WalletBalance)
			if err != nil {
				return fmt.Errorf("agent %s wallet balance %q: %w", a.ID, a.WalletBalance, err)
			}
			initial = d
		}
		if _, err := r.ledger.OpenWallet(ctx, a.ID, initial); err != nil && !errors.Is(err, ledger.ErrWalletExists) {
			return fmt.Errorf("open wallet for %s: %w", a.ID, err)
		}
		if a.CreatorID != "" {
			if _, err := r.ledger.OpenWallet(ctx, a.CreatorID, decimal.Zero); err != nil && !errors.Is(err, ledger.ErrWalletExists) {
				return fmt.Errorf("open creator wallet %s: %w", a.CreatorID, err)
			}
		}

		now := r.now()
		if a.Status == "" {
			a.Status = model.AgentStatusAvailable
		}
		if a.ReputationScore == 0 {
			a.ReputationScore = DefaultReputation
		}
		a.CreatedAt, a.UpdatedAt = now, now
		if err := r.store.SaveAgent(ctx, a); err != nil {
			return fmt.Errorf("save agent %s: %w", a.ID, err)
		}
		slog.InfoContext(ctx, "agent_registered", "agent_id", a.ID, "type", a.Type, "initial_balance", initial.StringFixed(2))
	}
	return nil
}

// Get returns the agent with its wallet figures filled in.
func (r *Registry) Get(ctx context.Context, agentID string) (model.Agent, error) {
	a, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return model.Agent{}, err
	}
	return r.withWallet(ctx, a), nil
}

func (r *Registry) List(ctx context.Context) ([]model.Agent, error) {
	list, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i] = r.withWallet(ctx, list[i])
	}
	return list, nil
}

// Map returns every agent keyed by id.
func (r *Registry) Map(ctx context.Context) (map[string]model.Agent, error) {
	list, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Agent, len(list))
	for _, a := range list {
		out[a.ID] = a
	}
	return out, nil
}

func (r *Registry) SetStatus(ctx context.Context, agentID string, status model.AgentStatus) (model.Agent, error) {
	return r.update(ctx, agentID, func(a *model.Agent) {
		a.Status = status
	})
}

// RecordOutcome adds a verified result and recomputes the reputation score
// as a weighted average where the newest outcomes weigh the most.
func (r *Registry) RecordOutcome(ctx context.Context, agentID, jobID string, success bool) (model.Agent, error) {
	var prev float64
	a, err := r.update(ctx, agentID, func(a *model.Agent) {
		prev = a.ReputationScore
		outcomes := append([]model.Outcome{{JobID: jobID, Success: success, RecordedAt: r.now()}}, a.RecentOutcomes...)
		if len(outcomes) > maxOutcomes {
			outcomes = outcomes[:maxOutcomes]
		}
		a.RecentOutcomes = outcomes
		a.ReputationScore = reputation(outcomes)
	})
	if err != nil {
		return model.Agent{}, err
	}

	_ = r.events.Publish(ctx, events.EventAgentReputationUpdated, map[string]any{
		"job_id":         jobID,
		"agent_id":       agentID,
		"success":        success,
		"previous_score": prev,
		"new_score":      a.ReputationScore,
	})
	slog.InfoContext(ctx, "agent_reputation_updated",
		"agent_id", agentID,
		"job_id", jobID,
		"success", success,
		"previous_score", prev,
		"new_score", a.ReputationScore,
	)
	return a, nil
}

// CreatorOf returns the creator wallet for an agent, or "" when it has none.
func (r *Registry) CreatorOf(ctx context.Context, agentID string) string {
	a, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return ""
	}
	return a.CreatorID
}

func (r *Registry) update(ctx context.Context, agentID string, fn func(*model.Agent)) (model.Agent, error) {
	unlock := r.locks.Lock(agentID)
	defer unlock()

	a, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err != nil {
		return model.Agent{}, err
	}

	fn(&a)
	a.UpdatedAt = r.now()
	if err := r.store.SaveAgent(ctx, a); err != nil {
		return model.Agent{}, fmt.Errorf("save agent %s: %w", agentID, err)
	}
	return r.withWallet(ctx, a), nil
}

func (r *Registry) withWallet(ctx context.Context, a model.Agent) model.Agent {
	w, err := r.ledger.Wallet(ctx, a.ID)
	if err != nil {
		a.WalletBalance = "0.00"
		a.TotalEarned = "0.00"
		return a
	}
	a.WalletBalance = w.Balance
	a.JobsCompleted = w.JobsCompleted
	a.TotalEarned = w.TotalEarned
	return a
}

func reputation(outcomes []model.Outcome) float64 {
	if len(outcomes) == 0 {
		return DefaultReputation
	}
	weightedSum := 0.0
	weightSum := 0.0
	for i, o := range outcomes {
		weight := 0.25
		switch {
		case i < 10:
			weight = 1.0
		case i < 50:
			weight = 0.5
		}
		score := 0.0
		if o.Success {
			score = 1.0
		}
		weightedSum += score * weight
		weightSum += weight
	}
	return math.Round(weightedSum/weightSum*1000) / 1000
}
