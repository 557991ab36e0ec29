package events

import "time"

// Event envelope for all events
type Envelope struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	SchemaVersion  string         `json:"schema_version"`
	IdempotencyKey string         `json:"idempotency_key"`
	Timestamp      time.Time      `json:"timestamp"`
	Source         string         `json:"source"`
	TenantID       string         `json:"tenant_id,omitempty"`
	Data           map[string]any `json:"data"`
}

// Event type constants
const (
	// Job events
	EventJobPosted          = "job.posted"
	EventJobBidWindowClosed = "job.bid_window_closed"
	EventJobWindowReopened  = "job.window_reopened"
	EventJobSubmitted       = "job.submitted"
	EventJobCompleted       = "job.completed"
	EventJobFailed          = "job.failed"

	// Bid events
	EventBidSubmitted = "bid.submitted"
	EventBidAccepted  = "bid.accepted"

	// Ledger events
	EventEscrowCreated   = "escrow.created"
	EventEscrowReleased  = "escrow.released"
	EventEscrowCancelled = "escrow.cancelled"
	EventDepositCredited = "deposit.credited"

	// Agent events
	EventAgentReputationUpdated = "agent.reputation_updated"
)
