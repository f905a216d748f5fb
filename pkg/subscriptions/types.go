// Package subscriptions owns the subscription lifecycle: the status state
// machine, trial provisioning, plan changes with proration, and the
// optimistic-concurrency store discipline that serializes transitions when a
// scheduled job and a webhook handler race on the same row.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/askhive/metering/pkg/plans"
)

// Status is the lifecycle state of a subscription
type Status string

const (
	StatusPending   Status = "pending"
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// validTransitions encodes the state machine. Expired re-enters active only
// through a completed payment, never by time.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusTrialing, StatusActive, StatusExpired, StatusCancelled},
	StatusTrialing: {StatusActive, StatusExpired, StatusCancelled},
	StatusActive:   {StatusPastDue, StatusExpired, StatusCancelled},
	StatusPastDue:  {StatusActive, StatusExpired, StatusCancelled},
	StatusExpired:  {StatusActive},
}

// CanTransition reports whether moving from one status to another is legal
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Subscription is the durable record of a tenant's plan relationship
type Subscription struct {
	ID           int64              `json:"id"`
	TenantID     int64              `json:"tenant_id"`
	PlanID       int64              `json:"plan_id"`
	BillingCycle plans.BillingCycle `json:"billing_cycle"`
	Status       Status             `json:"status"`

	StartsAt           *time.Time `json:"starts_at,omitempty"`
	EndsAt             *time.Time `json:"ends_at,omitempty"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	TrialStartsAt      *time.Time `json:"trial_starts_at,omitempty"`
	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"`

	// Pending fields are either all null or all set, while a downgrade is
	// scheduled for end of period.
	PendingPlanID            *int64              `json:"pending_plan_id,omitempty"`
	PendingBillingCycle      *plans.BillingCycle `json:"pending_billing_cycle,omitempty"`
	PendingPlanEffectiveDate *time.Time          `json:"pending_plan_effective_date,omitempty"`

	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	// Owner contact is denormalized at creation time because automated jobs
	// run without caller identity context.
	OwnerEmail string `json:"owner_email,omitempty"`
	OwnerName  string `json:"owner_name,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NextExpiry returns the boundary that governs the next expiration check for
// the current status: the trial end while trialing, the period end otherwise.
func (s *Subscription) NextExpiry() *time.Time {
	switch s.Status {
	case StatusTrialing:
		return s.TrialEndsAt
	case StatusActive, StatusPastDue:
		return s.CurrentPeriodEnd
	default:
		return nil
	}
}

// HasPendingChange reports whether a downgrade is scheduled
func (s *Subscription) HasPendingChange() bool {
	return s.PendingPlanID != nil
}

// ErrVersionConflict signals an optimistic concurrency conflict: another
// writer committed a transition first. Callers reload and retry or drop.
var ErrVersionConflict = errors.New("subscription version conflict")

// NotFoundError indicates no subscription exists for the given key
type NotFoundError struct {
	TenantID       int64
	SubscriptionID int64
}

func (e *NotFoundError) Error() string {
	if e.TenantID != 0 {
		return fmt.Sprintf("no subscription for tenant %d", e.TenantID)
	}
	return fmt.Sprintf("subscription %d not found", e.SubscriptionID)
}

// IsNotFound checks if an error is a subscription not found error
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// InvalidStateError indicates an operation that the current lifecycle state
// does not permit; Reason is a machine-readable code for callers.
type InvalidStateError struct {
	Reason  string
	Message string
}

func (e *InvalidStateError) Error() string {
	return e.Message
}

// IsInvalidState checks if an error is an invalid state error
func IsInvalidState(err error) bool {
	var is *InvalidStateError
	return errors.As(err, &is)
}

// ForbiddenError indicates a tenant mismatch on an owned resource
type ForbiddenError struct {
	TenantID int64
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("subscription does not belong to tenant %d", e.TenantID)
}

// IsForbidden checks if an error is a forbidden error
func IsForbidden(err error) bool {
	var fe *ForbiddenError
	return errors.As(err, &fe)
}

// ChangeLogEntry is the audit record written for every plan change
type ChangeLogEntry struct {
	SubscriptionID int64              `json:"subscription_id"`
	FromPlanID     int64              `json:"from_plan_id"`
	ToPlanID       int64              `json:"to_plan_id"`
	FromCycle      plans.BillingCycle `json:"from_cycle"`
	ToCycle        plans.BillingCycle `json:"to_cycle"`
	ProratedCents  int64              `json:"prorated_cents"`
	Scheduled      bool               `json:"scheduled"`
	EffectiveAt    time.Time          `json:"effective_at"`
}

// PlanUpdatedEvent is emitted to the identity collaborator whenever a
// subscription's plan or id changes, so it can denormalize the current plan
// onto the tenant record.
type PlanUpdatedEvent struct {
	TenantID       int64  `json:"tenant_id"`
	SubscriptionID int64  `json:"subscription_id"`
	PlanID         int64  `json:"plan_id"`
	Action         string `json:"action"`
}

// Publisher emits subscription change events to dependent systems
type Publisher interface {
	PublishPlanUpdated(ctx context.Context, event PlanUpdatedEvent) error
}
