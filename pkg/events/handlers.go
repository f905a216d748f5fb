package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/plans"
	"github.com/askhive/metering/pkg/subscriptions"
	"github.com/askhive/metering/pkg/usage"
)

// UsageApplier applies one delta against the usage counters
type UsageApplier interface {
	ApplyDelta(ctx context.Context, subscriptionID int64, resource plans.ResourceType, delta int64, monthlyChatLimit int64, now time.Time) (*usage.ApplyResult, error)
}

// SubscriptionSource resolves the subscription a tenant's events belong to
type SubscriptionSource interface {
	GetByTenant(ctx context.Context, tenantID int64) (*subscriptions.Subscription, error)
}

// ThresholdNotifier is told when a chat delta crosses a limit threshold
type ThresholdNotifier interface {
	NotifyUsageThreshold(ctx context.Context, sub *subscriptions.Subscription, pct int, current, limit int64) error
}

// UsageEventHandler consumes usage delta events. Deltas are commutative, so
// out-of-order delivery needs no compensation; idempotence of the overall
// count relies on producers emitting exactly one event per state change.
type UsageEventHandler struct {
	usage    UsageApplier
	subs     SubscriptionSource
	catalog  plans.Catalog
	notifier ThresholdNotifier
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// NewUsageEventHandler creates the usage stream handler
func NewUsageEventHandler(applier UsageApplier, subs SubscriptionSource, catalog plans.Catalog, notifier ThresholdNotifier, metrics *observability.Metrics, logger *observability.Logger) *UsageEventHandler {
	return &UsageEventHandler{
		usage:    applier,
		subs:     subs,
		catalog:  catalog,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the handler clock (tests only)
func (h *UsageEventHandler) SetClock(now func() time.Time) {
	h.now = now
}

// Handle processes one usage event payload
func (h *UsageEventHandler) Handle(ctx context.Context, payload []byte) error {
	start := h.now()

	var event UsageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return Permanent(fmt.Errorf("malformed usage event: %w", err))
	}
	if err := event.Validate(); err != nil {
		return Permanent(err)
	}
	resource := event.Resource()

	sub, err := h.subs.GetByTenant(ctx, event.TenantID)
	if err != nil {
		if subscriptions.IsNotFound(err) {
			// producers racing ahead of provisioning is permanent from this
			// event's point of view; the next event will find the row
			return Permanent(fmt.Errorf("usage event for unknown tenant %d", event.TenantID))
		}
		return err
	}

	plan, err := h.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return err
	}

	result, err := h.usage.ApplyDelta(ctx, sub.ID, resource, event.Delta, plan.MonthlyChatLimit, h.now())
	if err != nil {
		h.count(string(resource), "failed")
		return err
	}

	if result.ThresholdCrossed > 0 && h.notifier != nil {
		if err := h.notifier.NotifyUsageThreshold(ctx, sub, result.ThresholdCrossed, result.Tracking.MonthlyChatsUsed, plan.MonthlyChatLimit); err != nil {
			// the delta landed; a lost notification must not force redelivery
			h.logger.WithError(err).WithField("subscription_id", sub.ID).Warn("failed to send threshold notification")
		}
	}

	h.count(string(resource), "processed")
	if h.metrics != nil {
		h.metrics.UsageEventDuration.WithLabelValues(string(resource)).Observe(h.now().Sub(start).Seconds())
	}
	return nil
}

func (h *UsageEventHandler) count(resource, status string) {
	if h.metrics != nil {
		h.metrics.UsageEventsTotal.WithLabelValues(resource, status).Inc()
	}
}

// Provisioner creates trial subscriptions for new tenants
type Provisioner interface {
	ProvisionTrial(ctx context.Context, tenantID int64, email, name string, createdAt time.Time) (*subscriptions.Subscription, error)
}

// UserCreatedHandler consumes user_created events and auto-provisions a
// default-plan trial subscription. Duplicate delivery is a no-op because
// provisioning is idempotent per tenant.
type UserCreatedHandler struct {
	provisioner Provisioner
	logger      *observability.Logger
}

// NewUserCreatedHandler creates the user_created stream handler
func NewUserCreatedHandler(provisioner Provisioner, logger *observability.Logger) *UserCreatedHandler {
	return &UserCreatedHandler{provisioner: provisioner, logger: logger}
}

// Handle processes one user_created payload
func (h *UserCreatedHandler) Handle(ctx context.Context, payload []byte) error {
	var event UserCreatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return Permanent(fmt.Errorf("malformed user_created event: %w", err))
	}
	if err := event.Validate(); err != nil {
		return Permanent(err)
	}

	sub, err := h.provisioner.ProvisionTrial(ctx, event.TenantID, event.Email, event.Name, event.CreatedAt)
	if err != nil {
		return err
	}

	h.logger.WithFields(map[string]interface{}{
		"tenant_id":       event.TenantID,
		"subscription_id": sub.ID,
	}).Debug("user_created event handled")
	return nil
}
