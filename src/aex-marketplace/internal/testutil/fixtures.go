package testutil

import (
	"time"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
)

// JobFixture returns an open job with a five dollar budget posted by the coordinator.
func JobFixture() model.Job {
	now := time.Now().UTC()
	return model.Job{
		ID:              "job_test_001",
		Type:            "research",
		Description:     "Summarize the quarterly report",
		BudgetMax:       "5.00",
		Status:          model.JobStatusAcceptingBids,
		PostedBy:        "coordinator",
		PostedAt:        now,
		BidWindowEndsAt: now.Add(5 * time.Second),
	}
}

// BidFixture returns a bid on JobFixture's job.
func BidFixture(id, agentID, price string) model.Bid {
	return model.Bid{
		ID:              id,
		JobID:           "job_test_001",
		AgentID:         agentID,
		Price:           price,
		EstimatedTimeMs: 60000,
		Confidence:      0.9,
		Reasoning:       "test bid",
		SubmittedAt:     time.Now().UTC(),
	}
}

// AgentFixture returns an available agent of the given type.
func AgentFixture(id, agentType string) model.Agent {
	now := time.Now().UTC()
	return model.Agent{
		ID:              id,
		Name:            "Test " + id,
		Type:            agentType,
		ReputationScore: 0.5,
		Status:          model.AgentStatusAvailable,
		PricingModel: model.PricingModel{
			BaseRate:              "2.00",
			ComplexityMultipliers: map[string]float64{"simple": 1.0, "complex": 1.5},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WalletFixture returns a wallet whose balance equals its initial balance.
func WalletFixture(id, balance string) model.Wallet {
	now := time.Now().UTC()
	return model.Wallet{
		ID:             id,
		Balance:        balance,
		InitialBalance: balance,
		TotalEarned:    "0",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
