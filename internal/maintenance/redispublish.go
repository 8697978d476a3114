package maintenance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// WorkflowEvent is the wire shape published on the maintenance channel,
// mirroring the teacher's pkg/blackboard.WorkflowEvent.
type WorkflowEvent struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

// RedisPublisher publishes maintenance diagnostics to a single Redis
// Pub/Sub channel, the same shape as the teacher's
// Client.publishWorkflowEvent/WorkflowEventsChannel pair.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// ChannelName returns the maintenance diagnostics channel name for a given
// deployment instance, matching the teacher's "holt:{instance}:workflow_events"
// naming convention.
func ChannelName(instance string) string {
	return fmt.Sprintf("workorder:%s:maintenance_events", instance)
}

// NewRedisPublisher constructs a RedisPublisher bound to instance's
// maintenance-events channel.
func NewRedisPublisher(client *redis.Client, instance string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: ChannelName(instance)}
}

func (p *RedisPublisher) Publish(ctx context.Context, eventType string, data map[string]interface{}) error {
	event := WorkflowEvent{Event: eventType, Data: data}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal maintenance event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish maintenance event to %s: %w", p.channel, err)
	}
	return nil
}
