package decider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/parlakisik/agent-exchange/src/internal/httpclient"
)

// Completer sends a prompt to a text completion service and returns the
// model's reply.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

const (
	AnthropicBaseURL  = "https://api.anthropic.com"
	OpenRouterBaseURL = "https://openrouter.ai"

	anthropicVersion = "2023-06-01"
	maxTokens        = 1024
)

var errEmptyCompletion = errors.New("empty completion")

// CompleterConfig configures the HTTP side of a completion backend.
type CompleterConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables
}

func newLLMClient(name string, cfg CompleterConfig) *httpclient.Client {
	// Attempts are bounded by the LLM decider; the transport does not retry.
	retry := httpclient.DefaultRetryConfig()
	retry.MaxRetries = 0
	return httpclient.NewClientWithRetry(name, cfg.Timeout, retry).WithRateLimit(cfg.RateLimit, 1)
}

// AnthropicCompleter calls the Anthropic Messages API.
type AnthropicCompleter struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
	model   string
}

func NewAnthropicCompleter(cfg CompleterConfig) *AnthropicCompleter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = AnthropicBaseURL
	}
	return &AnthropicCompleter{
		client:  newLLMClient("anthropic", cfg),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *AnthropicCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	var resp anthropicResponse
	err := httpclient.NewRequest(http.MethodPost, c.baseURL).
		Path("/v1/messages").
		Header("anthropic-version", anthropicVersion).
		Auth(&httpclient.APIKeyAuth{Header: "x-api-key", Key: c.apiKey}).
		JSON(anthropicRequest{
			Model:     c.model,
			MaxTokens: maxTokens,
			System:    system,
			Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		}).
		Context(ctx).
		ExecuteJSON(c.client, &resp)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errEmptyCompletion
	}
	return sb.String(), nil
}

// OpenRouterCompleter calls an OpenAI-compatible chat completions endpoint.
type OpenRouterCompleter struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
	model   string
}

func NewOpenRouterCompleter(cfg CompleterConfig) *OpenRouterCompleter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenRouterBaseURL
	}
	return &OpenRouterCompleter{
		client:  newLLMClient("openrouter", cfg),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *OpenRouterCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	msgs := make([]chatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	var resp chatResponse
	err := httpclient.NewRequest(http.MethodPost, c.baseURL).
		Path("/api/v1/chat/completions").
		Auth(&httpclient.BearerTokenAuth{Token: c.apiKey}).
		JSON(chatRequest{Model: c.model, Messages: msgs}).
		Context(ctx).
		ExecuteJSON(c.client, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}
