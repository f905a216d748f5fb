// Package plans holds the plan catalog: immutable-per-version pricing tiers
// and resource limits. The catalog is read-only to every other component;
// plan edits never rewrite periods already computed for live subscriptions.
package plans

import (
	"fmt"
	"time"
)

// Unlimited is the sentinel limit meaning no cap for a resource.
const Unlimited int64 = -1

// BillingCycle is the subscription renewal interval
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Valid reports whether the cycle is a known value
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// ResourceType identifies a metered resource
type ResourceType string

const (
	ResourceDocument ResourceType = "document"
	ResourceWebsite  ResourceType = "website"
	ResourceChat     ResourceType = "chat"
)

// ParseResourceType validates a resource type from the wire
func ParseResourceType(raw string) (ResourceType, error) {
	switch ResourceType(raw) {
	case ResourceDocument, ResourceWebsite, ResourceChat:
		return ResourceType(raw), nil
	default:
		return "", fmt.Errorf("unknown resource type: %q", raw)
	}
}

// Plan represents a pricing tier with its resource limits
type Plan struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	MonthlyCents     int64     `json:"monthly_cents"`
	YearlyCents      int64     `json:"yearly_cents"`
	DocumentLimit    int64     `json:"document_limit"`
	WebsiteLimit     int64     `json:"website_limit"`
	DailyChatLimit   int64     `json:"daily_chat_limit"`
	MonthlyChatLimit int64     `json:"monthly_chat_limit"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PriceFor returns the plan's price in cents for a billing cycle
func (p *Plan) PriceFor(cycle BillingCycle) int64 {
	if cycle == CycleYearly {
		return p.YearlyCents
	}
	return p.MonthlyCents
}

// LimitFor returns the plan's limit for a resource. Chat returns the daily
// limit; callers metering monthly chat volume use MonthlyChatLimit directly.
func (p *Plan) LimitFor(resource ResourceType) int64 {
	switch resource {
	case ResourceDocument:
		return p.DocumentLimit
	case ResourceWebsite:
		return p.WebsiteLimit
	case ResourceChat:
		return p.DailyChatLimit
	default:
		return 0
	}
}

// IsUnlimited reports whether a limit value means no cap
func IsUnlimited(limit int64) bool {
	return limit == Unlimited
}

// NotFoundError indicates a plan id missing from the catalog
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("plan %d not found", e.ID)
}

// IsNotFound checks if an error is a plan not found error
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// CreatePlanRequest is the admin request to create a plan
type CreatePlanRequest struct {
	Name             string `json:"name"`
	MonthlyCents     int64  `json:"monthly_cents"`
	YearlyCents      int64  `json:"yearly_cents"`
	DocumentLimit    int64  `json:"document_limit"`
	WebsiteLimit     int64  `json:"website_limit"`
	DailyChatLimit   int64  `json:"daily_chat_limit"`
	MonthlyChatLimit int64  `json:"monthly_chat_limit"`
}

// Validate checks the request fields
func (r *CreatePlanRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("plan name is required")
	}
	if r.MonthlyCents < 0 || r.YearlyCents < 0 {
		return fmt.Errorf("plan prices must be non-negative")
	}
	for _, limit := range []int64{r.DocumentLimit, r.WebsiteLimit, r.DailyChatLimit, r.MonthlyChatLimit} {
		if limit < Unlimited {
			return fmt.Errorf("limits must be non-negative or %d for unlimited", Unlimited)
		}
	}
	return nil
}

// UpdatePlanRequest is the admin request to update a plan's mutable fields
type UpdatePlanRequest struct {
	Name             *string `json:"name,omitempty"`
	MonthlyCents     *int64  `json:"monthly_cents,omitempty"`
	YearlyCents      *int64  `json:"yearly_cents,omitempty"`
	DocumentLimit    *int64  `json:"document_limit,omitempty"`
	WebsiteLimit     *int64  `json:"website_limit,omitempty"`
	DailyChatLimit   *int64  `json:"daily_chat_limit,omitempty"`
	MonthlyChatLimit *int64  `json:"monthly_chat_limit,omitempty"`
	Active           *bool   `json:"active,omitempty"`
}
