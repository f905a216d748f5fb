package events

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/askhive/metering/pkg/storage"
	"github.com/askhive/metering/pkg/subscriptions"
)

// maxStreamLen caps stream growth; trimming is approximate for cheap XADDs
const maxStreamLen = 100000

// StreamPublisher emits engine events onto Redis Streams. Implements the
// subscriptions.Publisher interface for plan_updated.
type StreamPublisher struct {
	redis *storage.RedisClient
}

// NewStreamPublisher creates a new stream publisher
func NewStreamPublisher(redisClient *storage.RedisClient) *StreamPublisher {
	return &StreamPublisher{redis: redisClient}
}

// PublishUsage emits a usage delta event
func (p *StreamPublisher) PublishUsage(ctx context.Context, event UsageEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	return p.add(ctx, StreamUsage, event)
}

// PublishUserCreated emits a user_created event
func (p *StreamPublisher) PublishUserCreated(ctx context.Context, event UserCreatedEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	return p.add(ctx, StreamUserCreated, event)
}

// PublishPlanUpdated emits a plan_updated event for the identity collaborator
func (p *StreamPublisher) PublishPlanUpdated(ctx context.Context, event subscriptions.PlanUpdatedEvent) error {
	return p.add(ctx, StreamPlanUpdated, event)
}

func (p *StreamPublisher) add(ctx context.Context, stream string, payload interface{}) error {
	values, err := encodePayload(payload)
	if err != nil {
		return err
	}

	err = p.redis.Client().XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}
