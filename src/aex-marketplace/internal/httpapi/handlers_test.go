package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/agents"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/agentworker"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/bids"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/coordinator"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/decider"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/jobs"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/ledger"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/metrics"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/store"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/testutil"
	"github.com/shopspring/decimal"
)

type testServer struct {
	*httptest.Server
	pool *agentworker.Pool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := metrics.New()

	l := ledger.New(st, ledger.WithMetrics(m))
	if _, err := l.OpenWallet(ctx, "coordinator", decimal.RequireFromString("10.00")); err != nil {
		t.Fatalf("OpenWallet() error: %v", err)
	}
	reg := agents.New(st, l, nil)
	if err := reg.Seed(ctx, []model.Agent{
		testutil.AgentFixture("agent_a", "research"),
		testutil.AgentFixture("agent_b", "research"),
	}); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}

	js := jobs.New(st, 5*time.Second, jobs.WithMetrics(m), jobs.WithWallets(l))
	bc := bids.New(st, js, reg, nil, m)
	rules := decider.NewRuleBased(decider.DefaultWeights())
	coord := coordinator.New(js, bc, l, reg, rules, nil, m, coordinator.DefaultConfig())

	market := agentworker.Local{JobService: js, Collector: bc, Coordinator: coord}
	cfg := agentworker.Config{Interval: time.Hour, ExecutionTimeout: time.Second}
	pool := agentworker.NewPool(market, reg,
		agentworker.NewWorker("agent_a", market, reg, rules, agentworker.DeterministicExecutor{}, nil, m, cfg),
		agentworker.NewWorker("agent_b", market, reg, rules, agentworker.DeterministicExecutor{}, nil, m, cfg),
	)

	srv := httptest.NewServer(NewRouter(NewHandlers(js, bc, coord, l, reg, pool, m)))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, pool: pool}
}

func (s *testServer) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s %s: decode %s: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode
}

func (s *testServer) postJob(t *testing.T, budget string) model.Job {
	t.Helper()
	var job model.Job
	body := `{"type":"research","prompt":"summarize the report","budget_max":"` + budget + `"}`
	if code := s.do(t, http.MethodPost, "/api/jobs", body, &job); code != http.StatusCreated {
		t.Fatalf("POST /api/jobs status = %d, want 201", code)
	}
	return job
}

func TestJobLifecycle(t *testing.T) {
	s := newTestServer(t)
	job := s.postJob(t, "5.00")
	if job.Description != "summarize the report" || job.Status != model.JobStatusAcceptingBids {
		t.Fatalf("posted job = %+v", job)
	}

	var generated struct {
		Bids []model.Bid `json:"bids"`
	}
	if code := s.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/bids", "", &generated); code != http.StatusCreated {
		t.Fatalf("generate bids status = %d", code)
	}
	if len(generated.Bids) != 2 {
		t.Fatalf("generated %d bids, want 2", len(generated.Bids))
	}

	var sel decider.Selection
	if code := s.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/select", "", &sel); code != http.StatusOK {
		t.Fatalf("select status = %d", code)
	}
	if sel.Winner == nil || len(sel.Ranked) != 2 {
		t.Fatalf("selection = %+v", sel)
	}

	var accepted model.Job
	if code := s.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/accept", `{"bid_id":"`+sel.Winner.ID+`"}`, &accepted); code != http.StatusOK {
		t.Fatalf("accept status = %d", code)
	}
	if accepted.Status != model.JobStatusInProgress || accepted.EscrowID == nil {
		t.Fatalf("accepted job = %+v", accepted)
	}

	if code := s.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/execute", "", nil); code != http.StatusAccepted {
		t.Fatalf("execute status = %d, want 202", code)
	}
	s.pool.Wait()

	var verified model.Job
	if code := s.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/verify", "", &verified); code != http.StatusOK {
		t.Fatalf("verify status = %d", code)
	}
	if verified.Status != model.JobStatusCompleted {
		t.Errorf("status = %s, want completed", verified.Status)
	}

	var txs struct {
		Total int `json:"total"`
	}
	s.do(t, http.MethodGet, "/api/transactions?job_id="+job.ID, "", &txs)
	if txs.Total != 2 {
		t.Errorf("transactions for job = %d, want 2 (create, release)", txs.Total)
	}

	var escrow model.Escrow
	if code := s.do(t, http.MethodGet, "/api/escrows/"+*verified.EscrowID, "", &escrow); code != http.StatusOK || escrow.Status != model.EscrowStatusReleased {
		t.Errorf("escrow = %+v (status %d), want released", escrow, code)
	}

	var rec struct {
		Balanced bool `json:"balanced"`
	}
	s.do(t, http.MethodGet, "/api/ledger/reconcile", "", &rec)
	if !rec.Balanced {
		t.Error("ledger is not balanced")
	}

	var agent model.Agent
	s.do(t, http.MethodGet, "/api/agents/"+sel.Winner.AgentID, "", &agent)
	if agent.WalletBalance != sel.Winner.Price {
		t.Errorf("winner wallet = %s, want %s", agent.WalletBalance, sel.Winner.Price)
	}
}

func TestErrorResponses(t *testing.T) {
	s := newTestServer(t)
	open := s.postJob(t, "5.00")
	pricey := s.postJob(t, "50.00")

	var bid model.Bid
	if code := s.do(t, http.MethodPost, "/api/jobs/"+open.ID+"/bids", `{"agent_id":"agent_a","price":"2.00","confidence":0.8}`, &bid); code != http.StatusCreated {
		t.Fatalf("external bid status = %d", code)
	}
	var big model.Bid
	s.do(t, http.MethodPost, "/api/jobs/"+pricey.ID+"/bids", `{"agent_id":"agent_a","price":"20.00","confidence":0.8}`, &big)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown job", http.MethodGet, "/api/jobs/job_missing", "", http.StatusNotFound, "not_found"},
		{"unknown agent", http.MethodGet, "/api/agents/agent_missing", "", http.StatusNotFound, "not_found"},
		{"missing budget", http.MethodPost, "/api/jobs", `{"type":"research","description":"x"}`, http.StatusBadRequest, "validation_error"},
		{"malformed body", http.MethodPost, "/api/jobs", `{"type":`, http.StatusBadRequest, "validation_error"},
		{"unknown status filter", http.MethodGet, "/api/jobs?status=paused", "", http.StatusBadRequest, "validation_error"},
		{"bid from unregistered agent", http.MethodPost, "/api/jobs/" + open.ID + "/bids", `{"agent_id":"agent_ghost","price":"1.00"}`, http.StatusNotFound, "not_found"},
		{"job paid from escrow wallet", http.MethodPost, "/api/jobs", `{"type":"research","description":"x","budget_max":"1.00","posted_by":"escrow"}`, http.StatusBadRequest, "validation_error"},
		{"job paid from missing wallet", http.MethodPost, "/api/jobs", `{"type":"research","description":"x","budget_max":"1.00","posted_by":"nobody"}`, http.StatusNotFound, "not_found"},
		{"duplicate bid", http.MethodPost, "/api/jobs/" + open.ID + "/bids", `{"agent_id":"agent_a","price":"1.00"}`, http.StatusConflict, "duplicate_bid"},
		{"accept without bid id", http.MethodPost, "/api/jobs/" + open.ID + "/accept", `{}`, http.StatusBadRequest, "validation_error"},
		{"accept unfundable", http.MethodPost, "/api/jobs/" + pricey.ID + "/accept", `{"bid_id":"` + big.ID + `"}`, http.StatusPaymentRequired, "insufficient_balance"},
		{"accept foreign bid", http.MethodPost, "/api/jobs/" + pricey.ID + "/accept", `{"bid_id":"` + bid.ID + `"}`, http.StatusConflict, "bid_rejected"},
		{"submit before accept", http.MethodPost, "/api/jobs/" + open.ID + "/submit", `{"agent_id":"agent_a","results":{}}`, http.StatusConflict, "invalid_state"},
		{"execute without winner", http.MethodPost, "/api/jobs/" + open.ID + "/execute", "", http.StatusConflict, "invalid_state"},
		{"verify without submission", http.MethodPost, "/api/jobs/" + open.ID + "/verify", "", http.StatusConflict, "invalid_state"},
		{"deposits disabled", http.MethodPost, "/api/wallets/coordinator/deposits", `{"tx_hash":"0xabc"}`, http.StatusNotImplemented, "deposits_disabled"},
		{"unknown escrow", http.MethodGet, "/api/escrows/esc_missing", "", http.StatusNotFound, "not_found"},
		{"bad limit", http.MethodGet, "/api/transactions?limit=-1", "", http.StatusBadRequest, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			code := s.do(t, tt.method, tt.path, tt.body, &resp)
			if code != tt.status {
				t.Errorf("status = %d, want %d (%+v)", code, tt.status, resp)
			}
			if resp.Error != tt.code {
				t.Errorf("error = %q, want %q", resp.Error, tt.code)
			}
			if resp.Reasoning == "" {
				t.Error("reasoning is empty")
			}
		})
	}
}

func TestFailRefundsEscrow(t *testing.T) {
	s := newTestServer(t)
	job := s.postJob(t, "5.00")

	var bid model.Bid
	s.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/bids", `{"agent_id":"agent_b","price":"4.00","confidence":0.9}`, &bid)
	if code := s.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/accept", `{"bid_id":"`+bid.ID+`"}`, nil); code != http.StatusOK {
		t.Fatalf("accept status = %d", code)
	}

	var failed model.Job
	if code := s.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/fail", "", &failed); code != http.StatusOK {
		t.Fatalf("fail status = %d", code)
	}
	if failed.Status != model.JobStatusFailed || failed.FailureReason == nil || *failed.FailureReason != "failed by request" {
		t.Errorf("failed job = %+v", failed)
	}

	var txs struct {
		Transactions []model.Transaction `json:"transactions"`
	}
	s.do(t, http.MethodGet, "/api/transactions?wallet=coordinator", "", &txs)
	if len(txs.Transactions) != 2 {
		t.Fatalf("coordinator transactions = %d, want 2", len(txs.Transactions))
	}

	var list struct {
		Jobs []model.Job `json:"jobs"`
	}
	s.do(t, http.MethodGet, "/api/jobs?status=failed", "", &list)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != job.ID {
		t.Errorf("failed jobs = %+v", list.Jobs)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.postJob(t, "1.00")

	if code := s.do(t, http.MethodGet, "/health", "", nil); code != http.StatusOK {
		t.Errorf("/health status = %d", code)
	}

	resp, err := http.Get(s.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "aex_jobs_posted_total 1") {
		t.Errorf("metrics missing aex_jobs_posted_total 1:\n%s", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("response has no X-Request-ID")
	}
}
