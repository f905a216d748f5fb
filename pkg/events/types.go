// Package events wires the engine to its Redis Streams: usage deltas and
// user_created arrive from producer services through consumer groups, and
// plan_updated leaves for the identity collaborator. Payloads are a closed
// set of typed shapes validated at the consumer boundary.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/askhive/metering/pkg/plans"
)

// Stream keys
const (
	StreamUsage       = "metering:events:usage"
	StreamUserCreated = "metering:events:user_created"
	StreamPlanUpdated = "metering:events:plan_updated"
)

// payloadField is the stream entry field carrying the JSON payload
const payloadField = "payload"

// UsageEvent is one resource delta from a producer service
type UsageEvent struct {
	TenantID     int64     `json:"tenant_id"`
	ResourceType string    `json:"resource_type"`
	Delta        int64     `json:"delta"`
	EventID      string    `json:"event_id"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Validate rejects shapes outside the closed event contract
func (e *UsageEvent) Validate() error {
	if e.TenantID <= 0 {
		return fmt.Errorf("usage event missing tenant_id")
	}
	if e.EventID == "" {
		return fmt.Errorf("usage event missing event_id")
	}
	if e.Delta == 0 {
		return fmt.Errorf("usage event has zero delta")
	}
	if _, err := plans.ParseResourceType(e.ResourceType); err != nil {
		return err
	}
	return nil
}

// Resource returns the parsed resource type. Call after Validate.
func (e *UsageEvent) Resource() plans.ResourceType {
	return plans.ResourceType(e.ResourceType)
}

// UserCreatedEvent announces a new tenant from the identity collaborator
type UserCreatedEvent struct {
	TenantID  int64     `json:"tenant_id"`
	UserID    int64     `json:"user_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate rejects shapes outside the closed event contract
func (e *UserCreatedEvent) Validate() error {
	if e.TenantID <= 0 {
		return fmt.Errorf("user_created event missing tenant_id")
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("user_created event missing created_at")
	}
	return nil
}

// permanentError marks a failure retrying cannot fix: the message is
// acknowledged on first sight instead of redelivered.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps an error so the consumer drops the message without retries
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent checks whether an error was marked permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func encodePayload(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}
	return map[string]interface{}{payloadField: string(raw)}, nil
}

func decodePayload(values map[string]interface{}) ([]byte, error) {
	raw, ok := values[payloadField]
	if !ok {
		return nil, fmt.Errorf("stream entry missing payload field")
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("stream payload is not a string")
	}
	return []byte(s), nil
}
