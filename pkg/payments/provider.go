package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/askhive/metering/pkg/observability"
)

// Provider confirms transaction state with the payment provider
type Provider interface {
	VerifyTransaction(ctx context.Context, providerReference string) (*ProviderTransaction, error)
}

// ProviderTransaction is the provider's view of one transaction
type ProviderTransaction struct {
	Reference     string `json:"reference"`
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	AmountCents   int64  `json:"amount_cents"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Succeeded reports whether the provider settled the transaction
func (t *ProviderTransaction) Succeeded() bool {
	return t.Status == "succeeded" || t.Status == "completed"
}

// RetryConfig configures provider call retry behavior
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default provider retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c RetryConfig) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialDelay
	}
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// HTTPProvider calls the payment provider's REST API. Verification fails
// closed: any exhausted retry surfaces an UpstreamError and no activation
// happens.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   RetryConfig
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewHTTPProvider creates a payment provider client
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration, retry RetryConfig, metrics *observability.Metrics, logger *observability.Logger) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
		metrics: metrics,
		logger:  logger,
	}
}

// VerifyTransaction confirms a transaction's status with bounded retries and
// exponential backoff. Client errors (4xx) are not retried.
func (p *HTTPProvider) VerifyTransaction(ctx context.Context, providerReference string) (*ProviderTransaction, error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ProviderCallDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds())
		}
	}()

	var lastErr error
	for attempt := 0; attempt < p.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.retry.delay(attempt - 1)):
			case <-ctx.Done():
				return nil, &UpstreamError{Operation: "verify", Err: ctx.Err()}
			}
			p.logger.WithField("attempt", attempt+1).WithField("reference", providerReference).
				Debug("retrying provider verification")
		}

		tx, retryable, err := p.verifyOnce(ctx, providerReference)
		if err == nil {
			return tx, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (p *HTTPProvider) verifyOnce(ctx context.Context, providerReference string) (*ProviderTransaction, bool, error) {
	endpoint := fmt.Sprintf("%s/v1/transactions/%s", p.baseURL, url.PathEscape(providerReference))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, true, &UpstreamError{Operation: "verify", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, &NotFoundError{ProviderReference: providerReference}
	case resp.StatusCode >= 500:
		return nil, true, &UpstreamError{Operation: "verify", StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, false, &UpstreamError{Operation: "verify", StatusCode: resp.StatusCode}
	}

	var tx ProviderTransaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, false, fmt.Errorf("failed to decode provider response: %w", err)
	}
	return &tx, false, nil
}
