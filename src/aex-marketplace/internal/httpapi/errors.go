package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/agents"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/agentworker"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/bids"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/coordinator"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/decider"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/jobs"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/ledger"
)

// ErrorResponse is the body of every failed request. Reasoning is shown to
// users as is.
type ErrorResponse struct {
	Error     string `json:"error"`
	Reasoning string `json:"reasoning"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{jobs.ErrValidation, http.StatusBadRequest, "validation_error"},
	{bids.ErrValidation, http.StatusBadRequest, "validation_error"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "validation_error"},
	{ledger.ErrSystemWallet, http.StatusBadRequest, "validation_error"},

	{jobs.ErrJobNotFound, http.StatusNotFound, "not_found"},
	{bids.ErrBidNotFound, http.StatusNotFound, "not_found"},
	{agents.ErrAgentNotFound, http.StatusNotFound, "not_found"},
	{ledger.ErrWalletNotFound, http.StatusNotFound, "not_found"},
	{ledger.ErrEscrowNotFound, http.StatusNotFound, "not_found"},
	{ledger.ErrTransferNotFound, http.StatusNotFound, "not_found"},

	{ledger.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},

	{bids.ErrDuplicateBid, http.StatusConflict, "duplicate_bid"},
	{bids.ErrWindowClosed, http.StatusConflict, "window_closed"},
	{coordinator.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{coordinator.ErrNotAssigned, http.StatusConflict, "not_assigned"},
	{coordinator.ErrAlreadySubmitted, http.StatusConflict, "already_submitted"},
	{coordinator.ErrBidRejected, http.StatusConflict, "bid_rejected"},
	{ledger.ErrEscrowSettled, http.StatusConflict, "escrow_settled"},
	{ledger.ErrEscrowMismatch, http.StatusConflict, "escrow_mismatch"},
	{ledger.ErrDepositExists, http.StatusConflict, "deposit_exists"},
	{agentworker.ErrAlreadyRunning, http.StatusConflict, "already_running"},
	{agentworker.ErrNotExecutable, http.StatusConflict, "invalid_state"},
	{agentworker.ErrNoWorker, http.StatusConflict, "no_worker"},

	{decider.ErrExternalService, http.StatusBadGateway, "external_service_error"},
	{ledger.ErrDepositsDisabled, http.StatusNotImplemented, "deposits_disabled"},
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeJSON(w, m.status, ErrorResponse{Error: m.code, Reasoning: err.Error()})
			return
		}
	}
	slog.ErrorContext(ctx, "request_failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:     "internal_error",
		Reasoning: "An internal error occurred",
	})
}

func badRequest(w http.ResponseWriter, reasoning string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Reasoning: reasoning})
}
