// Package payments owns payment records, provider webhook verification, and
// the idempotent reconciliation core that turns a confirmed transaction into
// exactly one subscription activation.
package payments

import (
	"errors"
	"fmt"
	"time"
)

// PaymentStatus is the lifecycle state of a payment attempt
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// Payment records one payment attempt against a subscription
type Payment struct {
	ID                int64         `json:"id"`
	SubscriptionID    int64         `json:"subscription_id"`
	AmountCents       int64         `json:"amount_cents"`
	Currency          string        `json:"currency"`
	Status            PaymentStatus `json:"status"`
	ProviderReference string        `json:"provider_reference"`
	TransactionID     string        `json:"transaction_id,omitempty"`
	PaidAt            *time.Time    `json:"paid_at,omitempty"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// WebhookRecord is the idempotency ledger entry for one inbound provider
// callback, keyed by the provider's event id.
type WebhookRecord struct {
	ID          int64      `json:"id"`
	EventType   string     `json:"event_type"`
	EventID     string     `json:"event_id"`
	Signature   string     `json:"signature"`
	Payload     string     `json:"payload"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ErrSignatureInvalid is returned for webhooks whose HMAC does not match.
// Rejected before any record is written.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// NotFoundError indicates no payment exists for the given key
type NotFoundError struct {
	ProviderReference string
	PaymentID         int64
}

func (e *NotFoundError) Error() string {
	if e.ProviderReference != "" {
		return fmt.Sprintf("no payment for provider reference %q", e.ProviderReference)
	}
	return fmt.Sprintf("payment %d not found", e.PaymentID)
}

// IsNotFound checks if an error is a payment not found error
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// UpstreamError indicates the payment provider was unreachable or returned a
// server error. Verification fails closed on it.
type UpstreamError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment provider %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("payment provider %s returned status %d", e.Operation, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsUpstream checks if an error is a provider upstream error
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
