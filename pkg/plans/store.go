package plans

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Catalog is the read surface other components depend on
type Catalog interface {
	GetPlan(ctx context.Context, id int64) (*Plan, error)
	GetPlanByName(ctx context.Context, name string) (*Plan, error)
	ListActive(ctx context.Context) ([]*Plan, error)
}

const planColumns = `id, name, monthly_cents, yearly_cents, document_limit, website_limit,
	       daily_chat_limit, monthly_chat_limit, active, created_at, updated_at`

// PostgresStore implements plan catalog persistence using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreatePlan inserts a new plan into the catalog
func (s *PostgresStore) CreatePlan(ctx context.Context, req *CreatePlanRequest) (*Plan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO plans (name, monthly_cents, yearly_cents, document_limit, website_limit,
		                   daily_chat_limit, monthly_chat_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + planColumns

	plan := &Plan{}
	err := s.db.QueryRowContext(ctx, query, req.Name, req.MonthlyCents, req.YearlyCents,
		req.DocumentLimit, req.WebsiteLimit, req.DailyChatLimit, req.MonthlyChatLimit).
		Scan(scanTargets(plan)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}

	return plan, nil
}

// GetPlan retrieves a plan by id
func (s *PostgresStore) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`

	plan := &Plan{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(scanTargets(plan)...)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	return plan, nil
}

// GetPlanByName retrieves an active plan by name
func (s *PostgresStore) GetPlanByName(ctx context.Context, name string) (*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE name = $1 AND active ORDER BY id DESC LIMIT 1`

	plan := &Plan{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(scanTargets(plan)...)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan by name: %w", err)
	}

	return plan, nil
}

// ListActive lists all active plans
func (s *PostgresStore) ListActive(ctx context.Context) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE active ORDER BY monthly_cents ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var result []*Plan
	for rows.Next() {
		plan := &Plan{}
		if err := rows.Scan(scanTargets(plan)...); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		result = append(result, plan)
	}

	return result, rows.Err()
}

// UpdatePlan updates mutable fields of a plan. Existing subscriptions keep
// their already-computed periods; new prices apply from the next change or
// renewal.
func (s *PostgresStore) UpdatePlan(ctx context.Context, id int64, req *UpdatePlanRequest) (*Plan, error) {
	sets := make([]string, 0, 8)
	args := make([]interface{}, 0, 9)

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if req.Name != nil {
		add("name", *req.Name)
	}
	if req.MonthlyCents != nil {
		add("monthly_cents", *req.MonthlyCents)
	}
	if req.YearlyCents != nil {
		add("yearly_cents", *req.YearlyCents)
	}
	if req.DocumentLimit != nil {
		add("document_limit", *req.DocumentLimit)
	}
	if req.WebsiteLimit != nil {
		add("website_limit", *req.WebsiteLimit)
	}
	if req.DailyChatLimit != nil {
		add("daily_chat_limit", *req.DailyChatLimit)
	}
	if req.MonthlyChatLimit != nil {
		add("monthly_chat_limit", *req.MonthlyChatLimit)
	}
	if req.Active != nil {
		add("active", *req.Active)
	}

	if len(sets) == 0 {
		return s.GetPlan(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE plans SET %s, updated_at = NOW() WHERE id = $%d RETURNING `+planColumns,
		strings.Join(sets, ", "), len(args))

	plan := &Plan{}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(scanTargets(plan)...)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update plan: %w", err)
	}

	return plan, nil
}

// DeactivatePlan hides a plan from new subscribers without touching live
// subscriptions that reference it.
func (s *PostgresStore) DeactivatePlan(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE plans SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate plan: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{ID: id}
	}

	return nil
}

func scanTargets(p *Plan) []interface{} {
	return []interface{}{
		&p.ID, &p.Name, &p.MonthlyCents, &p.YearlyCents, &p.DocumentLimit,
		&p.WebsiteLimit, &p.DailyChatLimit, &p.MonthlyChatLimit, &p.Active,
		&p.CreatedAt, &p.UpdatedAt,
	}
}
