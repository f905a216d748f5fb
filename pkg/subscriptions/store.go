package subscriptions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/askhive/metering/pkg/plans"
)

const subscriptionColumns = `id, tenant_id, plan_id, billing_cycle, status,
	       starts_at, ends_at, current_period_start, current_period_end,
	       trial_starts_at, trial_ends_at,
	       pending_plan_id, pending_billing_cycle, pending_plan_effective_date,
	       cancelled_at, owner_email, owner_name, version, created_at, updated_at`

// PostgresStore implements subscription persistence using PostgreSQL.
// Every status write is guarded by the row version: an UPDATE that matches
// zero rows means another writer committed first.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new subscription with version 1
func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO subscriptions (tenant_id, plan_id, billing_cycle, status,
		                           starts_at, ends_at, current_period_start, current_period_end,
		                           trial_starts_at, trial_ends_at, owner_email, owner_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, version, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		sub.TenantID, sub.PlanID, sub.BillingCycle, sub.Status,
		sub.StartsAt, sub.EndsAt, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.TrialStartsAt, sub.TrialEndsAt, sub.OwnerEmail, sub.OwnerName).
		Scan(&sub.ID, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	return nil
}

// GetByTenant retrieves the subscription for a tenant
func (s *PostgresStore) GetByTenant(ctx context.Context, tenantID int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tenant_id = $1`

	sub := &Subscription{}
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(subscriptionScanTargets(sub)...)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{TenantID: tenantID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return sub, nil
}

// GetByID retrieves a subscription by id
func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub := &Subscription{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(subscriptionScanTargets(sub)...)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{SubscriptionID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return sub, nil
}

// UpdateStatus transitions a subscription to a new status, guarded by the
// loaded version. Returns ErrVersionConflict when a concurrent writer won.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id int64, version int, status Status) error {
	query := `
		UPDATE subscriptions
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`
	return s.execVersioned(ctx, query, status, id, version)
}

// MarkCancelled transitions to cancelled and stamps cancelled_at
func (s *PostgresStore) MarkCancelled(ctx context.Context, id int64, version int, at time.Time) error {
	query := `
		UPDATE subscriptions
		SET status = $1, cancelled_at = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
	`
	return s.execVersioned(ctx, query, StatusCancelled, at, id, version)
}

// ScheduleCancellation keeps the subscription live but records that it ends
// at the close of the current period.
func (s *PostgresStore) ScheduleCancellation(ctx context.Context, id int64, version int, at time.Time) error {
	query := `
		UPDATE subscriptions
		SET cancelled_at = $1, ends_at = current_period_end, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
	`
	return s.execVersioned(ctx, query, at, id, version)
}

// ApplyPlanChange applies an immediate plan change (upgrade or lateral move)
func (s *PostgresStore) ApplyPlanChange(ctx context.Context, id int64, version int, planID int64, cycle plans.BillingCycle) error {
	query := `
		UPDATE subscriptions
		SET plan_id = $1, billing_cycle = $2,
		    pending_plan_id = NULL, pending_billing_cycle = NULL, pending_plan_effective_date = NULL,
		    version = version + 1, updated_at = NOW()
		WHERE id = $3 AND version = $4
	`
	return s.execVersioned(ctx, query, planID, cycle, id, version)
}

// SchedulePendingChange records a downgrade to be applied at end of period.
// The pending_* columns are set together and cleared together.
func (s *PostgresStore) SchedulePendingChange(ctx context.Context, id int64, version int, planID int64, cycle plans.BillingCycle, effective time.Time) error {
	query := `
		UPDATE subscriptions
		SET pending_plan_id = $1, pending_billing_cycle = $2, pending_plan_effective_date = $3,
		    version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5
	`
	return s.execVersioned(ctx, query, planID, cycle, effective, id, version)
}

// ApplyPendingChange atomically promotes the pending plan and clears the
// pending fields. The WHERE clause makes re-runs no-ops.
func (s *PostgresStore) ApplyPendingChange(ctx context.Context, id int64, asOf time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET plan_id = pending_plan_id,
		    billing_cycle = COALESCE(pending_billing_cycle, billing_cycle),
		    pending_plan_id = NULL, pending_billing_cycle = NULL, pending_plan_effective_date = NULL,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND pending_plan_id IS NOT NULL AND pending_plan_effective_date <= $2
	`
	result, err := s.db.ExecContext(ctx, query, id, asOf)
	if err != nil {
		return false, fmt.Errorf("failed to apply pending change: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected > 0, nil
}

// Activate sets the subscription live with fresh period boundaries and clears
// trial and pending-cancellation state. Used for both first activation and
// renewal after expiry.
func (s *PostgresStore) Activate(ctx context.Context, id int64, version int, startsAt, endsAt time.Time) error {
	query := `
		UPDATE subscriptions
		SET status = $1, starts_at = $2, ends_at = $3,
		    current_period_start = $2, current_period_end = $3,
		    trial_starts_at = NULL, trial_ends_at = NULL, cancelled_at = NULL,
		    version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5
	`
	return s.execVersioned(ctx, query, StatusActive, startsAt, endsAt, id, version)
}

// ListTrialsEndingBetween lists trialing subscriptions whose trial ends in the window
func (s *PostgresStore) ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND trial_ends_at > $2 AND trial_ends_at <= $3`
	return s.list(ctx, query, StatusTrialing, from, to)
}

// ListExpiredTrials lists trialing subscriptions whose trial boundary has passed
func (s *PostgresStore) ListExpiredTrials(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND trial_ends_at <= $2`
	return s.list(ctx, query, StatusTrialing, asOf)
}

// ListPeriodsEndingBetween lists active subscriptions whose period ends in the window
func (s *PostgresStore) ListPeriodsEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND current_period_end > $2 AND current_period_end <= $3`
	return s.list(ctx, query, StatusActive, from, to)
}

// ListExpiredPeriods lists active and past-due subscriptions whose period
// boundary (plus any grace already baked into asOf by the caller) has passed
func (s *PostgresStore) ListExpiredPeriods(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status IN ($1, $2) AND current_period_end <= $3`
	return s.list(ctx, query, StatusActive, StatusPastDue, asOf)
}

// ListDuePendingChanges lists subscriptions whose scheduled downgrade is due
func (s *PostgresStore) ListDuePendingChanges(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE pending_plan_id IS NOT NULL AND pending_plan_effective_date <= $1`
	return s.list(ctx, query, asOf)
}

// InsertChangeLog records a plan change audit entry
func (s *PostgresStore) InsertChangeLog(ctx context.Context, entry *ChangeLogEntry) error {
	query := `
		INSERT INTO subscription_change_log (subscription_id, from_plan_id, to_plan_id,
		                                     from_cycle, to_cycle, prorated_cents, scheduled, effective_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.SubscriptionID, entry.FromPlanID, entry.ToPlanID,
		entry.FromCycle, entry.ToCycle, entry.ProratedCents, entry.Scheduled, entry.EffectiveAt)
	if err != nil {
		return fmt.Errorf("failed to insert change log: %w", err)
	}

	return nil
}

// CountByStatus returns subscription counts per status for metrics
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

func (s *PostgresStore) execVersioned(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}

	return nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var result []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		if err := rows.Scan(subscriptionScanTargets(sub)...); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		result = append(result, sub)
	}

	return result, rows.Err()
}

func subscriptionScanTargets(s *Subscription) []interface{} {
	return []interface{}{
		&s.ID, &s.TenantID, &s.PlanID, &s.BillingCycle, &s.Status,
		&s.StartsAt, &s.EndsAt, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.TrialStartsAt, &s.TrialEndsAt,
		&s.PendingPlanID, &s.PendingBillingCycle, &s.PendingPlanEffectiveDate,
		&s.CancelledAt, &s.OwnerEmail, &s.OwnerName, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	}
}
