package usage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askhive/metering/pkg/plans"
)

var trackingRowColumns = []string{
	"subscription_id", "documents_used", "websites_used", "daily_chats_used",
	"monthly_chats_used", "daily_reset_at", "monthly_reset_at", "period_start",
	"period_end", "updated_at",
}

func trackingRow(t *Tracking) *sqlmock.Rows {
	return sqlmock.NewRows(trackingRowColumns).AddRow(
		t.SubscriptionID, t.DocumentsUsed, t.WebsitesUsed, t.DailyChatsUsed,
		t.MonthlyChatsUsed, t.DailyResetAt, t.MonthlyResetAt, t.PeriodStart,
		t.PeriodEnd, t.UpdatedAt,
	)
}

func TestThresholdCrossed(t *testing.T) {
	cases := []struct {
		name                 string
		before, after, limit int64
		want                 int
	}{
		{"crosses 80", 239, 241, 300, 80},
		{"lands exactly on 80", 239, 240, 300, 80},
		{"already past 80 stays quiet", 241, 250, 300, 0},
		{"crosses 90", 269, 270, 300, 90},
		{"crosses 100", 299, 300, 300, 100},
		{"jumps 80 and 90 reports highest", 200, 280, 300, 90},
		{"unlimited never crosses", 0, 1000000, plans.Unlimited, 0},
		{"decrement never crosses", 250, 200, 300, 0},
		{"zero limit never crosses", 0, 10, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ThresholdCrossed(tc.before, tc.after, tc.limit))
		})
	}
}

func TestApplyDeltaMonthlyBoundaryResetsBeforeDelta(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	existing := &Tracking{
		SubscriptionID:   42,
		MonthlyChatsUsed: 299,
		DailyChatsUsed:   3,
		DailyResetAt:     now.Add(6 * time.Hour),
		MonthlyResetAt:   now.Add(-10 * time.Hour), // boundary already passed
		PeriodStart:      now.AddDate(0, -1, 0),
		PeriodEnd:        now.AddDate(0, 1, 0),
		UpdatedAt:        now.Add(-time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM usage_tracking WHERE subscription_id = \$1 FOR UPDATE`).
		WithArgs(int64(42)).
		WillReturnRows(trackingRow(existing))
	mock.ExpectExec(`UPDATE usage_tracking SET`).
		WithArgs(int64(42), int64(0), int64(0), int64(4), int64(1), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	result, err := store.ApplyDelta(context.Background(), 42, plans.ResourceChat, 1, 300, now)
	require.NoError(t, err)

	assert.True(t, result.MonthlyReset)
	assert.False(t, result.DailyReset)
	assert.Equal(t, int64(1), result.Tracking.MonthlyChatsUsed, "reset to zero before applying the delta")
	assert.Equal(t, int64(4), result.Tracking.DailyChatsUsed)
	assert.True(t, result.Tracking.MonthlyResetAt.After(now))
	assert.Equal(t, 0, result.ThresholdCrossed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeltaClampsAtZero(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	existing := &Tracking{
		SubscriptionID: 42,
		DocumentsUsed:  0,
		DailyResetAt:   now.Add(6 * time.Hour),
		MonthlyResetAt: now.AddDate(0, 0, 20),
		PeriodStart:    now.AddDate(0, -1, 0),
		PeriodEnd:      now.AddDate(0, 1, 0),
		UpdatedAt:      now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FOR UPDATE`).
		WithArgs(int64(42)).
		WillReturnRows(trackingRow(existing))
	mock.ExpectExec(`UPDATE usage_tracking SET`).
		WithArgs(int64(42), int64(0), int64(0), int64(0), int64(0), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	result, err := store.ApplyDelta(context.Background(), 42, plans.ResourceDocument, -1, plans.Unlimited, now)
	require.NoError(t, err)

	assert.Equal(t, int64(0), result.Tracking.DocumentsUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeltaReportsThresholdCrossing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	existing := &Tracking{
		SubscriptionID:   42,
		DailyChatsUsed:   10,
		MonthlyChatsUsed: 239,
		DailyResetAt:     now.Add(6 * time.Hour),
		MonthlyResetAt:   now.AddDate(0, 0, 20),
		PeriodStart:      now.AddDate(0, -1, 0),
		PeriodEnd:        now.AddDate(0, 1, 0),
		UpdatedAt:        now,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FOR UPDATE`).
		WithArgs(int64(42)).
		WillReturnRows(trackingRow(existing))
	mock.ExpectExec(`UPDATE usage_tracking SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	result, err := store.ApplyDelta(context.Background(), 42, plans.ResourceChat, 1, 300, now)
	require.NoError(t, err)

	assert.Equal(t, 80, result.ThresholdCrossed)
	assert.Equal(t, int64(240), result.Tracking.MonthlyChatsUsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeltaNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FOR UPDATE`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(trackingRowColumns))
	mock.ExpectRollback()

	store := NewPostgresStore(db)
	_, err = store.ApplyDelta(context.Background(), 99, plans.ResourceChat, 1, 300, time.Now())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestRollMonthlyBoundaryIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()

	mock.ExpectExec(`UPDATE usage_tracking SET`).
		WithArgs(int64(42), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE usage_tracking SET`).
		WithArgs(int64(42), now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresStore(db)

	rolled, err := store.RollMonthlyBoundary(context.Background(), 42, now)
	require.NoError(t, err)
	assert.True(t, rolled)

	rolled, err = store.RollMonthlyBoundary(context.Background(), 42, now)
	require.NoError(t, err)
	assert.False(t, rolled, "boundary already advanced, second run is a no-op")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextResetBoundaries(t *testing.T) {
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	t.Run("daily skips all missed days", func(t *testing.T) {
		now := base.Add(72*time.Hour + time.Minute)
		next := NextDailyReset(base, now)
		assert.Equal(t, base.Add(96*time.Hour), next)
	})

	t.Run("monthly advances one month", func(t *testing.T) {
		now := base.Add(24 * time.Hour)
		next := NextMonthlyReset(base, now)
		assert.Equal(t, base.AddDate(0, 1, 0), next)
	})
}
