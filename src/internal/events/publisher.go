package events

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Sink forwards published envelopes to an external transport.
type Sink interface {
	Send(ctx context.Context, envelope Envelope) error
}

// Publisher stamps events into envelopes, dispatches them to in-process
// subscribers, and forwards them to registered sinks and webhooks.
type Publisher struct {
	source     string
	httpClient *http.Client
	bus        *Bus

	mu        sync.RWMutex
	endpoints map[string]string // eventType -> webhook URL
	sinks     []Sink
}

// NewPublisher creates a new event publisher
func NewPublisher(source string) *Publisher {
	return &Publisher{
		source: source,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		bus:       NewBus(),
		endpoints: make(map[string]string),
	}
}

// RegisterEndpoint registers a webhook endpoint for an event type
func (p *Publisher) RegisterEndpoint(eventType, webhookURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[eventType] = webhookURL
}

// AddSink attaches a transport that receives every published envelope.
func (p *Publisher) AddSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, sink)
}

// Subscribe registers handler for eventType on the in-process bus.
func (p *Publisher) Subscribe(eventType string, handler Handler) (unsubscribe func()) {
	return p.bus.Subscribe(eventType, handler)
}

// Publish publishes an event. Delivery failures are logged, never returned,
// so that a broken transport cannot fail the state change that raised it.
func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]any) error {
	if p == nil {
		return nil
	}

	now := time.Now().UTC()
	envelope := Envelope{
		EventID:        generateEventID(),
		EventType:      eventType,
		SchemaVersion:  "1.0",
		IdempotencyKey: fmt.Sprintf("%s_%v_%d", eventType, data["job_id"], now.UnixNano()),
		Timestamp:      now,
		Source:         p.source,
		Data:           data,
	}

	if tenantID, ok := data["tenant_id"].(string); ok {
		envelope.TenantID = tenantID
	}

	slog.DebugContext(ctx, "event_published",
		"event_id", envelope.EventID,
		"event_type", envelope.EventType,
		"source", envelope.Source,
	)

	p.bus.Publish(ctx, envelope)

	p.mu.RLock()
	sinks := append([]Sink(nil), p.sinks...)
	webhookURL, hasWebhook := p.endpoints[eventType]
	p.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Send(ctx, envelope); err != nil {
			slog.WarnContext(ctx, "event_sink_failed",
				"event_type", envelope.EventType,
				"error", err,
			)
		}
	}

	if hasWebhook {
		return p.sendWebhook(ctx, webhookURL, envelope)
	}
	return nil
}

func (p *Publisher) sendWebhook(ctx context.Context, url string, envelope Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", envelope.EventID)
	req.Header.Set("X-Event-Type", envelope.EventType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.WarnContext(ctx, "webhook_failed",
			"url", url,
			"event_type", envelope.EventType,
			"error", err,
		)
		return nil // Don't fail on webhook errors
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.WarnContext(ctx, "webhook_error",
			"url", url,
			"event_type", envelope.EventType,
			"status", resp.StatusCode,
		)
	}

	return nil
}

func generateEventID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "evt_" + hex.EncodeToString(b[:])
}
