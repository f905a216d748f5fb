package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/storage"
)

// Handler processes one decoded stream payload. Returning a Permanent error
// drops the message immediately; any other error leaves it pending for
// redelivery until the delivery budget runs out.
type Handler func(ctx context.Context, payload []byte) error

// ConsumerConfig configures one consumer group loop
type ConsumerConfig struct {
	Stream        string
	Group         string
	Name          string
	MaxDeliveries int
	BlockTimeout  time.Duration
	ClaimMinIdle  time.Duration
	BatchSize     int64
}

// Consumer runs a Redis Streams consumer group member: it reads fresh
// entries, reclaims stalled pending entries from dead members, and
// acknowledges poison messages after a bounded number of deliveries.
type Consumer struct {
	redis   *storage.RedisClient
	handler Handler
	config  ConsumerConfig
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewConsumer creates a consumer group member for a stream
func NewConsumer(redisClient *storage.RedisClient, config ConsumerConfig, handler Handler, metrics *observability.Metrics, logger *observability.Logger) *Consumer {
	if config.MaxDeliveries <= 0 {
		config.MaxDeliveries = 3
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = 5 * time.Second
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = 30 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 16
	}
	return &Consumer{
		redis:   redisClient,
		handler: handler,
		config:  config,
		metrics: metrics,
		logger:  logger,
	}
}

// EnsureGroup creates the consumer group if it does not exist
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.redis.Client().XGroupCreateMkStream(ctx, c.config.Stream, c.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.config.Group, err)
	}
	return nil
}

// Run consumes until the context is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	c.logger.WithFields(map[string]interface{}{
		"stream": c.config.Stream,
		"group":  c.config.Group,
		"name":   c.config.Name,
	}).Info("event consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := c.ProcessOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.logger.WithError(err).WithField("stream", c.config.Stream).Error("consumer pass failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// ProcessOnce performs a single reclaim-then-read pass and returns how many
// messages it handled.
func (c *Consumer) ProcessOnce(ctx context.Context) (int, error) {
	handled, err := c.reclaimPending(ctx)
	if err != nil {
		return handled, err
	}

	res, err := c.redis.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.config.Group,
		Consumer: c.config.Name,
		Streams:  []string{c.config.Stream, ">"},
		Count:    c.config.BatchSize,
		Block:    c.config.BlockTimeout,
	}).Result()
	if err == redis.Nil {
		return handled, nil
	}
	if err != nil {
		return handled, fmt.Errorf("failed to read from %s: %w", c.config.Stream, err)
	}

	for _, stream := range res {
		for _, msg := range stream.Messages {
			c.handleMessage(ctx, msg, 1)
			handled++
		}
	}
	return handled, nil
}

// reclaimPending takes over entries other members left pending, dropping any
// whose delivery count exhausted the budget.
func (c *Consumer) reclaimPending(ctx context.Context) (int, error) {
	pending, err := c.redis.Client().XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.config.Stream,
		Group:  c.config.Group,
		Idle:   c.config.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  c.config.BatchSize,
	}).Result()
	if err != nil {
		if err == redis.Nil || strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read pending entries: %w", err)
	}

	handled := 0
	for _, entry := range pending {
		if entry.RetryCount >= int64(c.config.MaxDeliveries) {
			c.drop(ctx, entry.ID, fmt.Errorf("delivery budget exhausted after %d attempts", entry.RetryCount))
			handled++
			continue
		}

		claimed, err := c.redis.Client().XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.config.Stream,
			Group:    c.config.Group,
			Consumer: c.config.Name,
			MinIdle:  c.config.ClaimMinIdle,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil && err != redis.Nil {
			return handled, fmt.Errorf("failed to claim %s: %w", entry.ID, err)
		}

		for _, msg := range claimed {
			if c.metrics != nil {
				c.metrics.UsageEventRetries.Inc()
			}
			c.handleMessage(ctx, msg, entry.RetryCount+1)
			handled++
		}
	}
	return handled, nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg redis.XMessage, delivery int64) {
	payload, err := decodePayload(msg.Values)
	if err != nil {
		c.drop(ctx, msg.ID, err)
		return
	}

	err = c.handler(ctx, payload)
	switch {
	case err == nil:
		c.ack(ctx, msg.ID)
	case IsPermanent(err):
		c.drop(ctx, msg.ID, err)
	case delivery >= int64(c.config.MaxDeliveries):
		c.drop(ctx, msg.ID, err)
	default:
		// leave pending for redelivery
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"stream":   c.config.Stream,
			"message":  msg.ID,
			"delivery": delivery,
		}).Warn("event handler failed, leaving for retry")
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.redis.Client().XAck(ctx, c.config.Stream, c.config.Group, id).Err(); err != nil {
		c.logger.WithError(err).WithField("message", id).Error("failed to ack message")
	}
}

// drop acknowledges a message the group will never process, with full context
// in the log so the event is recoverable from the stream by hand.
func (c *Consumer) drop(ctx context.Context, id string, cause error) {
	c.logger.WithError(cause).WithFields(map[string]interface{}{
		"stream":  c.config.Stream,
		"group":   c.config.Group,
		"message": id,
	}).Error("dropping unprocessable event")
	if c.metrics != nil {
		c.metrics.UsageEventsPoisoned.Inc()
	}
	c.ack(ctx, id)
}
