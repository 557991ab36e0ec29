package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes envelopes on Redis pub/sub, one channel per event type
// under a common prefix (for example "aex:events:job.posted").
type RedisSink struct {
	client *redis.Client
	prefix string
}

func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel used for eventType.
func (s *RedisSink) Channel(eventType string) string {
	return s.prefix + eventType
}

func (s *RedisSink) Send(ctx context.Context, envelope Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.Channel(envelope.EventType), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", envelope.EventType, err)
	}
	return nil
}
