// Package notifications queues outbound tenant messages for the mailer
// collaborator. Every send is gated on the NotificationLog cooldown so
// overlapping job runs and event redeliveries cannot double-send.
package notifications

import (
	"fmt"
	"time"
)

// Notification types
const (
	TypeTrialEndingSoon        = "trial_ending_soon"
	TypeTrialExpired           = "trial_expired"
	TypeSubscriptionExpiring   = "subscription_expiring_soon"
	TypeSubscriptionExpired    = "subscription_expired"
	TypePaymentFailed          = "payment_failed"
	TypeUsageThresholdTemplate = "usage_threshold_%d"
)

// UsageThresholdType names the notification for one threshold percentage
func UsageThresholdType(pct int) string {
	return fmt.Sprintf(TypeUsageThresholdTemplate, pct)
}

// LogEntry is one row in the send ledger
type LogEntry struct {
	ID               int64     `json:"id"`
	SubscriptionID   int64     `json:"subscription_id"`
	NotificationType string    `json:"notification_type"`
	Recipient        string    `json:"recipient"`
	Status           string    `json:"status"`
	SentAt           time.Time `json:"sent_at"`
}

// Message is the outbound payload placed on the mailer queue
type Message struct {
	Type           string                 `json:"type"`
	TenantID       int64                  `json:"tenant_id"`
	SubscriptionID int64                  `json:"subscription_id"`
	Recipient      string                 `json:"recipient"`
	RecipientName  string                 `json:"recipient_name,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	QueuedAt       time.Time              `json:"queued_at"`
}
