package agentworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/decider"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
)

// Executor produces the results an agent submits for a job.
type Executor interface {
	Execute(ctx context.Context, agent model.Agent, job model.Job) (map[string]any, error)
}

// DeterministicExecutor fills every required field with a canned answer.
type DeterministicExecutor struct{}

func (DeterministicExecutor) Execute(ctx context.Context, agent model.Agent, job model.Job) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := map[string]any{
		"summary":  fmt.Sprintf("%s completed %s job: %s", agent.Name, job.Type, job.Description),
		"agent_id": agent.ID,
	}
	for _, field := range requiredFields(job) {
		if _, ok := results[field]; !ok {
			results[field] = fmt.Sprintf("%s for %s", field, job.ID)
		}
	}
	return results, nil
}

const executorPrompt = "You are an agent executing marketplace jobs. Reply with JSON only."

// CompletionExecutor asks a completion service to do the work. A reply that
// does not hold a JSON object counts as a failed attempt.
type CompletionExecutor struct {
	Completer decider.Completer
	// MaxAttempts bounds the completions tried per job. Values below one
	// mean a single attempt.
	MaxAttempts int
}

func (e CompletionExecutor) Execute(ctx context.Context, agent model.Agent, job model.Job) (map[string]any, error) {
	req, _ := json.Marshal(job.Requirements)
	fields := requiredFields(job)
	prompt := fmt.Sprintf(`You are %s, a %s agent. Complete this job.
Description: %s
Requirements: %s

Reply with a JSON object of results. Include these keys: %s.`,
		agent.Name, agent.Type, job.Description, req, strings.Join(append([]string{"summary"}, fields...), ", "))

	attempts := max(e.MaxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := e.Completer.Complete(ctx, executorPrompt, prompt)
		if err == nil {
			var results map[string]any
			if results, err = decodeResults(raw); err == nil {
				return results, nil
			}
		}

		lastErr = err
		slog.WarnContext(ctx, "executor_attempt_failed",
			"agent_id", agent.ID,
			"job_id", job.ID,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
	}
	return nil, fmt.Errorf("%w: execute job %s failed after %d attempts: %v", decider.ErrExternalService, job.ID, attempts, lastErr)
}

// decodeResults pulls the outermost JSON object out of a reply that may be
// wrapped in prose or a code fence.
func decodeResults(raw string) (map[string]any, error) {
	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return nil, errors.New("reply holds no JSON object")
	}
	var results map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &results); err != nil {
		return nil, fmt.Errorf("reply is not a JSON object: %w", err)
	}
	return results, nil
}

func requiredFields(job model.Job) []string {
	var out []string
	switch v := job.Requirements["required_fields"].(type) {
	case []string:
		out = v
	case []any:
		for _, f := range v {
			if s, ok := f.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
