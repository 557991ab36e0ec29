package decider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/metrics"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/shopspring/decimal"
)

const systemPrompt = "You are a decision service inside an agent marketplace. " +
	"Reply with a single JSON object and nothing else."

var errMalformedReply = errors.New("malformed model reply")

// LLM asks a completion service for each decision. Bid eligibility and the
// candidate ranking still come from the rule-based decider so the model can
// only choose among bids that are allowed to win.
type LLM struct {
	completer   Completer
	rules       *RuleBased
	maxAttempts int
	metrics     *metrics.Metrics
}

func NewLLM(c Completer, rules *RuleBased, maxAttempts int, m *metrics.Metrics) *LLM {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &LLM{completer: c, rules: rules, maxAttempts: maxAttempts, metrics: m}
}

type priceReply struct {
	Price           json.Number `json:"price"`
	EstimatedTimeMs int64       `json:"estimated_time_ms"`
	Confidence      float64     `json:"confidence"`
	Reasoning       string      `json:"reasoning"`
}

func (l *LLM) PriceBid(ctx context.Context, agent model.Agent, job model.Job) (Quote, error) {
	prompt := fmt.Sprintf(`Agent %q (type %s, reputation %.2f, base rate %s, multipliers %v) is bidding on a job.
Job type: %s
Description: %s
Requirements: %s
Budget: %s

Return {"price": "<decimal with at most 2 places, not above the budget>", "estimated_time_ms": <int>, "confidence": <0..1>, "reasoning": "<one sentence>"}.`,
		agent.Name, agent.Type, agent.ReputationScore, agent.PricingModel.BaseRate, agent.PricingModel.ComplexityMultipliers,
		job.Type, job.Description, mustJSON(job.Requirements), job.BudgetMax)

	var reply priceReply
	err := l.ask(ctx, "price_bid", prompt, &reply, func() error {
		p, err := decimal.NewFromString(reply.Price.String())
		if err != nil || !p.IsPositive() {
			return fmt.Errorf("%w: price %q", errMalformedReply, reply.Price)
		}
		return nil
	})
	if err != nil {
		return Quote{}, err
	}

	price := decimal.RequireFromString(reply.Price.String()).Round(2)
	eta := reply.EstimatedTimeMs
	if eta <= 0 {
		eta = baseEstimate
	}
	return Quote{Price: price, EstimatedTimeMs: eta, Confidence: clamp01(reply.Confidence), Reasoning: reply.Reasoning}, nil
}

type selectReply struct {
	WinnerBidID string `json:"winner_bid_id"`
	Reasoning   string `json:"reasoning"`
}

func (l *LLM) SelectWinner(ctx context.Context, job model.Job, bids []model.Bid, agents map[string]model.Agent) (Selection, error) {
	sel, err := l.rules.SelectWinner(ctx, job, bids, agents)
	if err != nil || sel.Winner == nil {
		return sel, err
	}

	byID := make(map[string]model.Bid, len(bids))
	for _, b := range bids {
		byID[b.ID] = b
	}

	var sb strings.Builder
	for _, r := range sel.Ranked {
		b := byID[r.BidID]
		agent := agents[b.AgentID]
		fmt.Fprintf(&sb, "- bid_id=%s agent=%s reputation=%.2f price=%s confidence=%.2f estimated_time_ms=%d reasoning=%q\n",
			b.ID, b.AgentID, agent.ReputationScore, b.Price, b.Confidence, b.EstimatedTimeMs, b.Reasoning)
	}
	prompt := fmt.Sprintf(`Choose the best bid for this job.
Job type: %s
Description: %s
Budget: %s
Bids:
%s
Return {"winner_bid_id": "<one of the bid ids above>", "reasoning": "<one sentence>"}.`,
		job.Type, job.Description, job.BudgetMax, sb.String())

	var reply selectReply
	err = l.ask(ctx, "select_winner", prompt, &reply, func() error {
		for _, r := range sel.Ranked {
			if r.BidID == reply.WinnerBidID {
				return nil
			}
		}
		return fmt.Errorf("%w: unknown bid id %q", errMalformedReply, reply.WinnerBidID)
	})
	if err != nil {
		return Selection{}, err
	}

	winner := byID[reply.WinnerBidID]
	sel.Winner = &winner
	sel.Reasoning = reply.Reasoning
	return sel, nil
}

func (l *LLM) VerifyWork(ctx context.Context, job model.Job) (Verdict, error) {
	if job.Submission == nil {
		return Verdict{Passed: false, Reasoning: "no submission to verify"}, nil
	}

	prompt := fmt.Sprintf(`Decide whether the submitted results satisfy the job.
Job type: %s
Description: %s
Requirements: %s
Results: %s

Return {"passed": <true|false>, "reasoning": "<one sentence>"}.`,
		job.Type, job.Description, mustJSON(job.Requirements), mustJSON(job.Submission.Results))

	var reply Verdict
	if err := l.ask(ctx, "verify_work", prompt, &reply, nil); err != nil {
		return Verdict{}, err
	}
	if reply.Reasoning == "" {
		reply.Reasoning = "no reasoning given"
	}
	return reply, nil
}

// ask runs up to maxAttempts completions until one yields JSON that decodes
// into out and passes check. out is zeroed before every decode, so nothing
// from a rejected reply carries over.
func (l *LLM) ask(ctx context.Context, op, prompt string, out any, check func() error) error {
	var lastErr error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := l.completer.Complete(ctx, systemPrompt, prompt)
		if err == nil {
			reflect.ValueOf(out).Elem().SetZero()
			err = decodeReply(raw, out)
		}
		if err == nil && check != nil {
			err = check()
		}
		if err == nil {
			l.metrics.DeciderCall(op, nil)
			return nil
		}

		lastErr = err
		slog.WarnContext(ctx, "decider_attempt_failed",
			"op", op,
			"attempt", attempt,
			"max_attempts", l.maxAttempts,
			"error", err,
		)
	}

	l.metrics.DeciderCall(op, lastErr)
	return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrExternalService, op, l.maxAttempts, lastErr)
}

// decodeReply pulls the outermost JSON object out of a model reply, which may
// be wrapped in prose or a code fence.
func decodeReply(raw string, out any) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return fmt.Errorf("%w: no JSON object", errMalformedReply)
	}
	dec := json.NewDecoder(strings.NewReader(raw[start : end+1]))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", errMalformedReply, err)
	}
	return nil
}

func mustJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
