package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client drives a running marketplace over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Request makes an HTTP request
func (c *Client) Request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

// APIError is a non-2xx answer from the marketplace.
type APIError struct {
	Status    int
	Code      string `json:"error"`
	Reasoning string `json:"reasoning"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Reasoning)
}

// JSON makes a request and decodes the JSON response
func (c *Client) JSON(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.Request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

// HealthCheck checks if the marketplace is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.Request(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

type Job struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Description   string         `json:"description"`
	Requirements  map[string]any `json:"requirements,omitempty"`
	BudgetMax     string         `json:"budget_max"`
	BidWindowMs   int64          `json:"bid_window_ms,omitempty"`
	Status        string         `json:"status,omitempty"`
	EscrowID      *string        `json:"escrow_id,omitempty"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	AcceptedBid   *AcceptedBid   `json:"accepted_bid,omitempty"`
}

type AcceptedBid struct {
	BidID   string `json:"bid_id"`
	AgentID string `json:"agent_id"`
	Price   string `json:"price"`
}

type Bid struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	Price   string `json:"price"`
}

type Agent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	WalletBalance string `json:"wallet_balance"`
}

func (c *Client) PostJob(ctx context.Context, job *Job) (*Job, error) {
	var result Job
	err := c.JSON(ctx, http.MethodPost, "/api/jobs", job, &result)
	return &result, err
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var result Job
	err := c.JSON(ctx, http.MethodGet, "/api/jobs/"+jobID, nil, &result)
	return &result, err
}

func (c *Client) ListBids(ctx context.Context, jobID string) ([]Bid, error) {
	var result struct {
		Bids []Bid `json:"bids"`
	}
	err := c.JSON(ctx, http.MethodGet, "/api/jobs/"+jobID+"/bids", nil, &result)
	return result.Bids, err
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var result struct {
		Agents []Agent `json:"agents"`
	}
	err := c.JSON(ctx, http.MethodGet, "/api/agents", nil, &result)
	return result.Agents, err
}

func (c *Client) Reconcile(ctx context.Context) (bool, error) {
	var result struct {
		Balanced bool `json:"balanced"`
	}
	err := c.JSON(ctx, http.MethodGet, "/api/ledger/reconcile", nil, &result)
	return result.Balanced, err
}

// WaitForStatus polls the job until it reaches one of statuses.
func (c *Client) WaitForStatus(ctx context.Context, jobID string, timeout time.Duration, statuses ...string) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		for _, s := range statuses {
			if job.Status == s {
				return job, nil
			}
		}
		if time.Now().After(deadline) {
			return job, fmt.Errorf("job %s still %s after %s", jobID, job.Status, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
