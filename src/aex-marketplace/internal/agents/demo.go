package agents

import "github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"

// DemoAgents is the roster started by default in development.
func DemoAgents() []model.Agent {
	return []model.Agent{
		{
			ID:              "agent_research_1",
			Name:            "Scholar",
			Type:            "research",
			ReputationScore: 0.85,
			WalletBalance:   "0",
			PricingModel: model.PricingModel{
				BaseRate:              "2.00",
				ComplexityMultipliers: map[string]float64{"simple": 1.0, "moderate": 1.5, "complex": 2.0},
			},
		},
		{
			ID:              "agent_research_2",
			Name:            "Quickscan",
			Type:            "research",
			ReputationScore: 0.7,
			WalletBalance:   "0",
			PricingModel: model.PricingModel{
				BaseRate:              "1.25",
				ComplexityMultipliers: map[string]float64{"simple": 1.0, "moderate": 1.4, "complex": 1.8},
			},
		},
		{
			ID:              "agent_code_1",
			Name:            "Compiler",
			Type:            "coding",
			ReputationScore: 0.9,
			WalletBalance:   "0",
			PricingModel: model.PricingModel{
				BaseRate:              "3.00",
				ComplexityMultipliers: map[string]float64{"simple": 1.0, "moderate": 1.6, "complex": 2.5},
			},
		},
		{
			ID:              "agent_writer_1",
			Name:            "Quill",
			Type:            "writing",
			CreatorID:       "creator_studio",
			ReputationScore: 0.75,
			WalletBalance:   "0",
			PricingModel: model.PricingModel{
				BaseRate:              "1.50",
				ComplexityMultipliers: map[string]float64{"simple": 1.0, "moderate": 1.3, "complex": 1.7},
			},
		},
		{
			ID:              "agent_general_1",
			Name:            "Generalist",
			Type:            "general",
			ReputationScore: 0.6,
			WalletBalance:   "0",
			PricingModel: model.PricingModel{
				BaseRate:              "1.75",
				ComplexityMultipliers: map[string]float64{"simple": 1.0, "moderate": 1.5, "complex": 2.0},
			},
		},
	}
}

// MatchesJob reports whether an agent of agentType works on jobs of jobType.
// General agents take any job.
func MatchesJob(agentType, jobType string) bool {
	return agentType == "general" || agentType == jobType
}
