package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/parlakisik/agent-exchange/src/internal/httpclient"
)

// APIError is a failure reported by the marketplace.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Reasoning  string `json:"reasoning"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Reasoning)
}

type apiClient struct {
	http    *httpclient.Client
	baseURL string
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	// Job posts and bids are not idempotent, so nothing is retried and every
	// error status reaches the caller with its body.
	retry := httpclient.DefaultRetryConfig()
	retry.MaxRetries = 0
	retry.RetryableStatuses = nil
	return &apiClient{
		http:    httpclient.NewClientWithRetry("aexctl", timeout, retry),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *apiClient) get(ctx context.Context, path string, query map[string]string, out any) error {
	b := httpclient.NewRequest(http.MethodGet, c.baseURL).Path(path).Context(ctx)
	for k, v := range query {
		if v != "" {
			b.Query(k, v)
		}
	}
	return apiErr(b.ExecuteJSON(c.http, out))
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	return apiErr(c.http.PostJSON(ctx, c.baseURL+path, body, out))
}

func apiErr(err error) error {
	var httpErr *httpclient.HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	out := &APIError{StatusCode: httpErr.StatusCode}
	if json.Unmarshal(httpErr.Body, out) != nil || out.Code == "" {
		out.Code = "http_error"
		out.Reasoning = strings.TrimSpace(string(httpErr.Body))
	}
	return out
}
