package httpapi

import (
	"net/http"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/middleware"
)

func NewRouter(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", h.metrics.Handler())

	mux.HandleFunc("POST /api/jobs", h.HandlePostJob)
	mux.HandleFunc("GET /api/jobs", h.HandleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.HandleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/bids", h.HandleSubmitBid)
	mux.HandleFunc("GET /api/jobs/{id}/bids", h.HandleListBids)
	mux.HandleFunc("POST /api/jobs/{id}/select", h.HandleSelect)
	mux.HandleFunc("POST /api/jobs/{id}/accept", h.HandleAccept)
	mux.HandleFunc("POST /api/jobs/{id}/execute", h.HandleExecute)
	mux.HandleFunc("POST /api/jobs/{id}/submit", h.HandleSubmitResult)
	mux.HandleFunc("POST /api/jobs/{id}/verify", h.HandleVerify)
	mux.HandleFunc("POST /api/jobs/{id}/fail", h.HandleFail)

	mux.HandleFunc("GET /api/agents", h.HandleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", h.HandleGetAgent)

	mux.HandleFunc("GET /api/transactions", h.HandleListTransactions)
	mux.HandleFunc("GET /api/escrows/{id}", h.HandleGetEscrow)
	mux.HandleFunc("GET /api/ledger/reconcile", h.HandleReconcile)
	mux.HandleFunc("POST /api/wallets/{id}/deposits", h.HandleDeposit)

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.Logging,
		middleware.Recovery,
	)
}
