package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/storage"
	"github.com/askhive/metering/pkg/subscriptions"
)

// StreamOutbound is the Redis Stream the mailer collaborator consumes
const StreamOutbound = "metering:notifications:outbound"

// Log is the cooldown ledger the dispatcher consults before every send
type Log interface {
	SentWithin(ctx context.Context, subscriptionID int64, notificationType string, window time.Duration, asOf time.Time) (bool, error)
	Record(ctx context.Context, entry *LogEntry) error
}

// Config holds dispatcher policy parameters
type Config struct {
	Cooldown time.Duration
}

// Dispatcher queues notifications with per-type cooldown deduplication
type Dispatcher struct {
	log     Log
	redis   *storage.RedisClient
	config  Config
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// NewDispatcher creates a new notification dispatcher
func NewDispatcher(log Log, redisClient *storage.RedisClient, config Config, metrics *observability.Metrics, logger *observability.Logger) *Dispatcher {
	if config.Cooldown <= 0 {
		config.Cooldown = 24 * time.Hour
	}
	return &Dispatcher{
		log:     log,
		redis:   redisClient,
		config:  config,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the dispatcher clock (tests only)
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Send queues one notification unless the same type went to the subscription
// within the cooldown window. Returns whether it was queued.
func (d *Dispatcher) Send(ctx context.Context, sub *subscriptions.Subscription, notificationType string, data map[string]interface{}) (bool, error) {
	now := d.now()

	sent, err := d.log.SentWithin(ctx, sub.ID, notificationType, d.config.Cooldown, now)
	if err != nil {
		return false, err
	}
	if sent {
		d.count(notificationType, "deduplicated")
		return false, nil
	}

	msg := Message{
		Type:           notificationType,
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		Recipient:      sub.OwnerEmail,
		RecipientName:  sub.OwnerName,
		Data:           data,
		QueuedAt:       now,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to encode notification: %w", err)
	}

	err = d.redis.Client().XAdd(ctx, &redis.XAddArgs{
		Stream: StreamOutbound,
		Values: map[string]interface{}{"payload": string(raw)},
	}).Err()
	if err != nil {
		d.count(notificationType, "failed")
		return false, fmt.Errorf("failed to queue notification: %w", err)
	}

	entry := &LogEntry{
		SubscriptionID:   sub.ID,
		NotificationType: notificationType,
		Recipient:        sub.OwnerEmail,
		Status:           "sent",
		SentAt:           now,
	}
	if err := d.log.Record(ctx, entry); err != nil {
		// the message is queued; a missing ledger row risks one duplicate,
		// losing the send would be worse
		d.logger.WithError(err).WithField("subscription_id", sub.ID).Error("failed to record notification")
	}

	d.count(notificationType, "sent")
	return true, nil
}

// NotifyUsageThreshold implements the usage event consumer's notifier
func (d *Dispatcher) NotifyUsageThreshold(ctx context.Context, sub *subscriptions.Subscription, pct int, current, limit int64) error {
	_, err := d.Send(ctx, sub, UsageThresholdType(pct), map[string]interface{}{
		"percent": pct,
		"current": current,
		"limit":   limit,
	})
	return err
}

func (d *Dispatcher) count(notificationType, status string) {
	if d.metrics != nil {
		d.metrics.NotificationsTotal.WithLabelValues(notificationType, status).Inc()
	}
}
