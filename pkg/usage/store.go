package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/askhive/metering/pkg/plans"
)

const trackingColumns = `subscription_id, documents_used, websites_used, daily_chats_used,
	monthly_chats_used, daily_reset_at, monthly_reset_at, period_start, period_end, updated_at`

// PostgresStore persists usage counters in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new usage tracking store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Initialize creates a zeroed usage row for a subscription's first paid or
// trial period. Idempotent: an existing row is left untouched.
func (s *PostgresStore) Initialize(ctx context.Context, subscriptionID int64, periodStart, periodEnd time.Time) error {
	query := `
		INSERT INTO usage_tracking (subscription_id, daily_reset_at, monthly_reset_at, period_start, period_end)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subscription_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		subscriptionID, periodStart.Add(24*time.Hour), periodStart.AddDate(0, 1, 0), periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("failed to initialize usage tracking: %w", err)
	}
	return nil
}

// ResetAll zeroes every counter and re-anchors the reset boundaries to a new
// period. Used on renewal and by the monthly reset job.
func (s *PostgresStore) ResetAll(ctx context.Context, subscriptionID int64, periodStart, periodEnd time.Time) error {
	query := `
		INSERT INTO usage_tracking (subscription_id, daily_reset_at, monthly_reset_at, period_start, period_end)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subscription_id) DO UPDATE SET
			documents_used = 0,
			websites_used = 0,
			daily_chats_used = 0,
			monthly_chats_used = 0,
			daily_reset_at = EXCLUDED.daily_reset_at,
			monthly_reset_at = EXCLUDED.monthly_reset_at,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, query,
		subscriptionID, periodStart.Add(24*time.Hour), periodStart.AddDate(0, 1, 0), periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("failed to reset usage tracking: %w", err)
	}
	return nil
}

// Get retrieves the usage row for a subscription
func (s *PostgresStore) Get(ctx context.Context, subscriptionID int64) (*Tracking, error) {
	query := `SELECT ` + trackingColumns + ` FROM usage_tracking WHERE subscription_id = $1`

	tracking := &Tracking{}
	err := s.db.QueryRowContext(ctx, query, subscriptionID).Scan(scanTargets(tracking)...)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{SubscriptionID: subscriptionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage tracking: %w", err)
	}
	return tracking, nil
}

// ApplyDelta applies one usage event's delta inside a transaction, locking the
// row so concurrent deliveries cannot lose updates. Counters whose reset
// boundary has passed are zeroed before the delta lands; results clamp at
// zero. monthlyChatLimit is the subscription plan's monthly chat cap, used
// for threshold detection on chat deltas.
func (s *PostgresStore) ApplyDelta(ctx context.Context, subscriptionID int64, resource plans.ResourceType, delta int64, monthlyChatLimit int64, now time.Time) (*ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + trackingColumns + ` FROM usage_tracking WHERE subscription_id = $1 FOR UPDATE`

	tracking := &Tracking{}
	err = tx.QueryRowContext(ctx, query, subscriptionID).Scan(scanTargets(tracking)...)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{SubscriptionID: subscriptionID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock usage tracking: %w", err)
	}

	result := &ApplyResult{Tracking: tracking}

	if !now.Before(tracking.DailyResetAt) {
		tracking.DailyChatsUsed = 0
		tracking.DailyResetAt = NextDailyReset(tracking.DailyResetAt, now)
		result.DailyReset = true
	}
	if !now.Before(tracking.MonthlyResetAt) {
		tracking.MonthlyChatsUsed = 0
		tracking.MonthlyResetAt = NextMonthlyReset(tracking.MonthlyResetAt, now)
		result.MonthlyReset = true
	}

	switch resource {
	case plans.ResourceDocument:
		tracking.DocumentsUsed = clamp(tracking.DocumentsUsed + delta)
	case plans.ResourceWebsite:
		tracking.WebsitesUsed = clamp(tracking.WebsitesUsed + delta)
	case plans.ResourceChat:
		before := tracking.MonthlyChatsUsed
		tracking.DailyChatsUsed = clamp(tracking.DailyChatsUsed + delta)
		tracking.MonthlyChatsUsed = clamp(tracking.MonthlyChatsUsed + delta)
		result.ThresholdCrossed = ThresholdCrossed(before, tracking.MonthlyChatsUsed, monthlyChatLimit)
	default:
		return nil, fmt.Errorf("unknown resource type: %q", resource)
	}

	update := `
		UPDATE usage_tracking SET
			documents_used = $2,
			websites_used = $3,
			daily_chats_used = $4,
			monthly_chats_used = $5,
			daily_reset_at = $6,
			monthly_reset_at = $7,
			updated_at = NOW()
		WHERE subscription_id = $1`

	_, err = tx.ExecContext(ctx, update,
		subscriptionID,
		tracking.DocumentsUsed, tracking.WebsitesUsed,
		tracking.DailyChatsUsed, tracking.MonthlyChatsUsed,
		tracking.DailyResetAt, tracking.MonthlyResetAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update usage tracking: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit usage update: %w", err)
	}
	return result, nil
}

// ListDueMonthlyResets returns subscription ids of active usage rows whose
// monthly boundary has passed, for the scheduled sweep.
func (s *PostgresStore) ListDueMonthlyResets(ctx context.Context, asOf time.Time) ([]int64, error) {
	query := `
		SELECT u.subscription_id
		FROM usage_tracking u
		JOIN subscriptions s ON s.id = u.subscription_id
		WHERE u.monthly_reset_at <= $1 AND s.status IN ('trialing', 'active', 'past_due')`

	rows, err := s.db.QueryContext(ctx, query, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list due monthly resets: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RollMonthlyBoundary zeroes the monthly chat counter and advances the
// monthly boundary for one subscription. Idempotent: a boundary already in
// the future matches zero rows.
func (s *PostgresStore) RollMonthlyBoundary(ctx context.Context, subscriptionID int64, asOf time.Time) (bool, error) {
	query := `
		UPDATE usage_tracking SET
			monthly_chats_used = 0,
			monthly_reset_at = monthly_reset_at + INTERVAL '1 month',
			updated_at = NOW()
		WHERE subscription_id = $1 AND monthly_reset_at <= $2`

	res, err := s.db.ExecContext(ctx, query, subscriptionID, asOf)
	if err != nil {
		return false, fmt.Errorf("failed to roll monthly boundary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// HighChatUsage is one row from the threshold sweep
type HighChatUsage struct {
	SubscriptionID   int64
	TenantID         int64
	MonthlyChatsUsed int64
	MonthlyChatLimit int64
}

// ListHighMonthlyChatUsage returns live subscriptions whose monthly chat
// usage is at or past the given percentage of their plan limit. Backs the
// threshold notification sweep that catches crossings the event path missed.
func (s *PostgresStore) ListHighMonthlyChatUsage(ctx context.Context, pct int64) ([]*HighChatUsage, error) {
	query := `
		SELECT u.subscription_id, s.tenant_id, u.monthly_chats_used, p.monthly_chat_limit
		FROM usage_tracking u
		JOIN subscriptions s ON s.id = u.subscription_id
		JOIN plans p ON p.id = s.plan_id
		WHERE s.status IN ('trialing', 'active', 'past_due')
		  AND p.monthly_chat_limit > 0
		  AND u.monthly_chats_used * 100 >= p.monthly_chat_limit * $1`

	rows, err := s.db.QueryContext(ctx, query, pct)
	if err != nil {
		return nil, fmt.Errorf("failed to list high chat usage: %w", err)
	}
	defer rows.Close()

	var out []*HighChatUsage
	for rows.Next() {
		row := &HighChatUsage{}
		if err := rows.Scan(&row.SubscriptionID, &row.TenantID, &row.MonthlyChatsUsed, &row.MonthlyChatLimit); err != nil {
			return nil, fmt.Errorf("failed to scan high chat usage: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanTargets(t *Tracking) []interface{} {
	return []interface{}{
		&t.SubscriptionID,
		&t.DocumentsUsed,
		&t.WebsitesUsed,
		&t.DailyChatsUsed,
		&t.MonthlyChatsUsed,
		&t.DailyResetAt,
		&t.MonthlyResetAt,
		&t.PeriodStart,
		&t.PeriodEnd,
		&t.UpdatedAt,
	}
}
