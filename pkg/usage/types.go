// Package usage owns the per-subscription usage counters: transactional
// delta application with row-level locking, reset-boundary handling, and
// limit-threshold detection for notification triggers.
package usage

import (
	"fmt"
	"time"

	"github.com/askhive/metering/pkg/plans"
)

// Tracking is the single usage row a subscription owns
type Tracking struct {
	SubscriptionID   int64     `json:"subscription_id"`
	DocumentsUsed    int64     `json:"documents_used"`
	WebsitesUsed     int64     `json:"websites_used"`
	DailyChatsUsed   int64     `json:"daily_chats_used"`
	MonthlyChatsUsed int64     `json:"monthly_chats_used"`
	DailyResetAt     time.Time `json:"daily_reset_at"`
	MonthlyResetAt   time.Time `json:"monthly_reset_at"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CurrentFor returns the counter an entitlement check compares for a resource.
// Chat entitlement is gated on the daily counter.
func (t *Tracking) CurrentFor(resource plans.ResourceType) int64 {
	switch resource {
	case plans.ResourceDocument:
		return t.DocumentsUsed
	case plans.ResourceWebsite:
		return t.WebsitesUsed
	case plans.ResourceChat:
		return t.DailyChatsUsed
	default:
		return 0
	}
}

// ApplyResult reports the outcome of one delta application
type ApplyResult struct {
	Tracking     *Tracking
	DailyReset   bool
	MonthlyReset bool

	// ThresholdCrossed is the highest percentage threshold (80, 90, 100) of
	// the monthly chat limit that this delta crossed, or 0 if none.
	ThresholdCrossed int
}

// NotFoundError indicates no usage row exists for a subscription
type NotFoundError struct {
	SubscriptionID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no usage tracking for subscription %d", e.SubscriptionID)
}

// IsNotFound checks if an error is a usage tracking not found error
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// thresholds checked after every chat-volume delta, highest first
var chatThresholds = []int{100, 90, 80}

// ThresholdCrossed returns the highest percentage threshold of limit that
// applying a delta moved usage across, or 0. Unlimited plans never cross.
func ThresholdCrossed(before, after, limit int64) int {
	if plans.IsUnlimited(limit) || limit <= 0 || after <= before {
		return 0
	}
	for _, pct := range chatThresholds {
		boundary := limit * int64(pct) / 100
		if before < boundary && after >= boundary {
			return pct
		}
	}
	return 0
}

// NextDailyReset advances a daily boundary until it is after now
func NextDailyReset(current, now time.Time) time.Time {
	for !current.After(now) {
		current = current.Add(24 * time.Hour)
	}
	return current
}

// NextMonthlyReset advances a monthly boundary until it is after now
func NextMonthlyReset(current, now time.Time) time.Time {
	for !current.After(now) {
		current = current.AddDate(0, 1, 0)
	}
	return current
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
