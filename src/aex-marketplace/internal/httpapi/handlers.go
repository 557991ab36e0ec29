package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/agents"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/agentworker"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/bids"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/coordinator"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/jobs"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/ledger"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/metrics"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/model"
)

type Handlers struct {
	jobs    *jobs.Service
	bids    *bids.Collector
	coord   *coordinator.Coordinator
	ledger  *ledger.Ledger
	agents  *agents.Registry
	pool    *agentworker.Pool
	metrics *metrics.Metrics
}

func NewHandlers(js *jobs.Service, bc *bids.Collector, coord *coordinator.Coordinator, l *ledger.Ledger, reg *agents.Registry, pool *agentworker.Pool, m *metrics.Metrics) *Handlers {
	return &Handlers{
		jobs:    js,
		bids:    bc,
		coord:   coord,
		ledger:  l,
		agents:  reg,
		pool:    pool,
		metrics: m,
	}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HandlePostJob handles POST /api/jobs
func (h *Handlers) HandlePostJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.NewJob
	if !decodeBody(w, r, &req, false) {
		return
	}

	job, err := h.jobs.Create(r.Context(), req)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// HandleListJobs handles GET /api/jobs?status=
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		list []model.Job
		err  error
	)
	switch status := model.JobStatus(r.URL.Query().Get("status")); status {
	case "":
		list, err = h.jobs.List(r.Context())
	case model.JobStatusAcceptingBids, model.JobStatusEvaluating, model.JobStatusInProgress,
		model.JobStatusCompleted, model.JobStatusFailed:
		list, err = h.jobs.ListByStatus(r.Context(), status)
	default:
		badRequest(w, "unknown status "+strconv.Quote(string(status)))
		return
	}
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if list == nil {
		list = []model.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "total": len(list)})
}

// HandleGetJob handles GET /api/jobs/{id}
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleSubmitBid handles POST /api/jobs/{id}/bids. A body naming an agent
// is an external bid; an empty body has the simulated agents bid.
func (h *Handlers) HandleSubmitBid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	var req bids.SubmitRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	if req.AgentID == "" {
		generated, err := h.pool.GenerateBids(ctx, jobID)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		if generated == nil {
			generated = []model.Bid{}
		}
		writeJSON(w, http.StatusCreated, map[string]any{"job_id": jobID, "bids": generated})
		return
	}

	req.JobID = jobID
	bid, err := h.bids.Submit(ctx, req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

// HandleListBids handles GET /api/jobs/{id}/bids
func (h *Handlers) HandleListBids(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")
	if _, err := h.jobs.Get(ctx, jobID); err != nil {
		writeError(ctx, w, err)
		return
	}

	list, err := h.bids.ListByJob(ctx, jobID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if list == nil {
		list = []model.Bid{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "bids": list, "total": len(list)})
}

// HandleSelect handles POST /api/jobs/{id}/select
func (h *Handlers) HandleSelect(w http.ResponseWriter, r *http.Request) {
	sel, err := h.coord.Select(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

// HandleAccept handles POST /api/jobs/{id}/accept
func (h *Handlers) HandleAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BidID string `json:"bid_id"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.BidID) == "" {
		badRequest(w, "bid_id is required")
		return
	}

	job, err := h.coord.AcceptBid(r.Context(), r.PathValue("id"), req.BidID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleExecute handles POST /api/jobs/{id}/execute. Execution continues
// after the response.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	job, err := h.pool.Execute(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":   job.ID,
		"agent_id": job.AcceptedBid.AgentID,
		"status":   "executing",
	})
}

// HandleSubmitResult handles POST /api/jobs/{id}/submit
func (h *Handlers) HandleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string         `json:"agent_id"`
		Results map[string]any `json:"results"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		badRequest(w, "agent_id is required")
		return
	}

	job, err := h.coord.SubmitResult(r.Context(), r.PathValue("id"), req.AgentID, req.Results)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleVerify handles POST /api/jobs/{id}/verify
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	job, err := h.coord.Verify(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleFail handles POST /api/jobs/{id}/fail
func (h *Handlers) HandleFail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req, true) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "failed by request"
	}

	job, err := h.coord.FailJob(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleListAgents handles GET /api/agents
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := h.agents.List(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if list == nil {
		list = []model.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": list, "total": len(list)})
}

// HandleGetAgent handles GET /api/agents/{id}
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// HandleListTransactions handles GET /api/transactions?wallet=&job_id=&limit=
func (h *Handlers) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.TransactionFilter{
		Wallet: q.Get("wallet"),
		JobID:  q.Get("job_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	list, err := h.ledger.Transactions(r.Context(), filter)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if list == nil {
		list = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": list, "total": len(list)})
}

// HandleGetEscrow handles GET /api/escrows/{id}
func (h *Handlers) HandleGetEscrow(w http.ResponseWriter, r *http.Request) {
	escrow, err := h.ledger.Escrow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrow)
}

// HandleReconcile handles GET /api/ledger/reconcile
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	discrepancies, err := h.ledger.Reconcile(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if discrepancies == nil {
		discrepancies = []ledger.Discrepancy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balanced":      len(discrepancies) == 0,
		"discrepancies": discrepancies,
	})
}

// HandleDeposit handles POST /api/wallets/{id}/deposits
func (h *Handlers) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"tx_hash"`
	}
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.TxHash) == "" {
		badRequest(w, "tx_hash is required")
		return
	}

	tx, err := h.ledger.Deposit(r.Context(), r.PathValue("id"), req.TxHash)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// decodeBody reads a JSON body of at most 1MB into v. With allowEmpty an
// empty body leaves v untouched. It writes the error response itself.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		badRequest(w, "failed to read request")
		return false
	}
	defer r.Body.Close()

	if len(bytes.TrimSpace(body)) == 0 {
		if allowEmpty {
			return true
		}
		badRequest(w, "request body is required")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
