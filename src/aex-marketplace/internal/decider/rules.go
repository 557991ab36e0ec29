package decider

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/shopspring/decimal"
)

var (
	budgetCap     = decimal.RequireFromString("0.95")
	baseEstimate  = int64(60_000)
	defaultRate   = decimal.RequireFromString("1.00")
	generalFactor = 0.9
)

// RuleBased decides deterministically from bid data and agent pricing models.
type RuleBased struct {
	weights Weights
}

func NewRuleBased(w Weights) *RuleBased {
	return &RuleBased{weights: w}
}

// PriceBid prices base_rate × complexity multiplier, capped at 95% of the
// job budget.
func (r *RuleBased) PriceBid(ctx context.Context, agent model.Agent, job model.Job) (Quote, error) {
	budget, err := decimal.NewFromString(job.BudgetMax)
	if err != nil {
		return Quote{}, fmt.Errorf("job %s budget %q: %w", job.ID, job.BudgetMax, err)
	}

	rate := defaultRate
	if agent.PricingModel.BaseRate != "" {
		if rate, err = decimal.NewFromString(agent.PricingModel.BaseRate); err != nil {
			return Quote{}, fmt.Errorf("agent %s base rate %q: %w", agent.ID, agent.PricingModel.BaseRate, err)
		}
	}

	complexity := jobComplexity(job)
	multiplier := 1.0
	if m, ok := agent.PricingModel.ComplexityMultipliers[complexity]; ok && m > 0 {
		multiplier = m
	}

	price := rate.Mul(decimal.NewFromFloat(multiplier)).Round(2)
	reasoning := fmt.Sprintf("base rate %s x %s multiplier %.2f", rate.StringFixed(2), complexity, multiplier)
	if ceiling := budget.Mul(budgetCap).RoundDown(2); price.GreaterThan(ceiling) {
		price = ceiling
		reasoning += fmt.Sprintf(", capped at 95%% of budget (%s)", ceiling.StringFixed(2))
	}

	confidence := clamp01(agent.ReputationScore)
	if agent.Type != job.Type {
		confidence = clamp01(confidence * generalFactor)
	}

	return Quote{
		Price:           price,
		EstimatedTimeMs: int64(float64(baseEstimate) * multiplier),
		Confidence:      math.Round(confidence*100) / 100,
		Reasoning:       reasoning,
	}, nil
}

// SelectWinner ranks bids by weighted min-max normalised scores. A dimension
// where every bid is equal scores 1 for all of them. Ties resolve by earliest
// submission, then bid id.
func (r *RuleBased) SelectWinner(ctx context.Context, job model.Job, bids []model.Bid, agents map[string]model.Agent) (Selection, error) {
	budget, err := decimal.NewFromString(job.BudgetMax)
	if err != nil {
		return Selection{}, fmt.Errorf("job %s budget %q: %w", job.ID, job.BudgetMax, err)
	}

	valid, disq := filterValidBids(bids, budget)
	sel := Selection{Ranked: []RankedBid{}, Disqualified: disq}
	if len(valid) == 0 {
		sel.Reasoning = fmt.Sprintf("no eligible bids out of %d", len(bids))
		return sel, nil
	}

	type candidate struct {
		bid        model.Bid
		price      float64
		confidence float64
		eta        float64
	}
	cands := make([]candidate, 0, len(valid))
	for _, b := range valid {
		price, _ := decimal.RequireFromString(b.Price).Float64()
		cands = append(cands, candidate{bid: b, price: price, confidence: clamp01(b.Confidence), eta: float64(b.EstimatedTimeMs)})
	}

	priceMin, priceMax := bounds(cands, func(c candidate) float64 { return c.price })
	confMin, confMax := bounds(cands, func(c candidate) float64 { return c.confidence })
	etaMin, etaMax := bounds(cands, func(c candidate) float64 { return c.eta })

	type scored struct {
		bid    model.Bid
		scores Scores
		total  float64
	}
	out := make([]scored, 0, len(cands))
	for _, c := range cands {
		s := Scores{
			Price:      lowerIsBetter(c.price, priceMin, priceMax),
			Confidence: higherIsBetter(c.confidence, confMin, confMax),
			ETA:        lowerIsBetter(c.eta, etaMin, etaMax),
		}
		total := r.weights.Price*s.Price + r.weights.Confidence*s.Confidence + r.weights.ETA*s.ETA
		out = append(out, scored{bid: c.bid, scores: s, total: total})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].total != out[j].total {
			return out[i].total > out[j].total
		}
		if !out[i].bid.SubmittedAt.Equal(out[j].bid.SubmittedAt) {
			return out[i].bid.SubmittedAt.Before(out[j].bid.SubmittedAt)
		}
		return out[i].bid.ID < out[j].bid.ID
	})

	for i, s := range out {
		sel.Ranked = append(sel.Ranked, RankedBid{
			Rank:       i + 1,
			BidID:      s.bid.ID,
			AgentID:    s.bid.AgentID,
			Price:      s.bid.Price,
			TotalScore: s.total,
			Scores:     s.scores,
		})
	}
	winner := out[0].bid
	sel.Winner = &winner
	sel.Reasoning = fmt.Sprintf("bid %s from %s scored %.4f (price %.2f, confidence %.2f, eta %.2f)",
		winner.ID, winner.AgentID, out[0].total, out[0].scores.Price, out[0].scores.Confidence, out[0].scores.ETA)
	return sel, nil
}

// VerifyWork passes a submission with non-empty results that contains every
// field listed in requirements.required_fields.
func (r *RuleBased) VerifyWork(ctx context.Context, job model.Job) (Verdict, error) {
	if job.Submission == nil {
		return Verdict{Passed: false, Reasoning: "no submission to verify"}, nil
	}
	if len(job.Submission.Results) == 0 {
		return Verdict{Passed: false, Reasoning: "submission has no results"}, nil
	}

	var missing []string
	for _, field := range requiredFields(job) {
		if isEmpty(job.Submission.Results[field]) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return Verdict{Passed: false, Reasoning: "missing required fields: " + strings.Join(missing, ", ")}, nil
	}
	return Verdict{Passed: true, Reasoning: fmt.Sprintf("results contain %d fields and all required fields", len(job.Submission.Results))}, nil
}

func filterValidBids(bids []model.Bid, budget decimal.Decimal) (valid []model.Bid, disq []DisqualifiedBid) {
	disq = []DisqualifiedBid{}
	for _, b := range bids {
		price, err := decimal.NewFromString(b.Price)
		if err != nil || !price.IsPositive() {
			disq = append(disq, DisqualifiedBid{BidID: b.ID, AgentID: b.AgentID, Reason: "Invalid price"})
			continue
		}
		if price.GreaterThan(budget) {
			disq = append(disq, DisqualifiedBid{BidID: b.ID, AgentID: b.AgentID, Reason: "Price exceeds budget"})
			continue
		}
		valid = append(valid, b)
	}
	return valid, disq
}

func jobComplexity(job model.Job) string {
	if c, ok := job.Requirements["complexity"].(string); ok && c != "" {
		return c
	}
	return "simple"
}

func requiredFields(job model.Job) []string {
	switch v := job.Requirements["required_fields"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, f := range v {
			if s, ok := f.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func bounds[T any](items []T, f func(T) float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, it := range items {
		v := f(it)
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func lowerIsBetter(v, lo, hi float64) float64 {
	if hi == lo {
		return 1
	}
	return clamp01((hi - v) / (hi - lo))
}

func higherIsBetter(v, lo, hi float64) float64 {
	if hi == lo {
		return 1
	}
	return clamp01((v - lo) / (hi - lo))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
