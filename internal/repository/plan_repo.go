package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
)

// PlanRepository reads plans. Plans are managed elsewhere; this service never writes them.
type PlanRepository struct {
	pool *pgxpool.Pool
}

func NewPlanRepository(pool *pgxpool.Pool) *PlanRepository {
	return &PlanRepository{pool: pool}
}

// GetByID retrieves a plan by ID
func (r *PlanRepository) GetByID(ctx context.Context, id string) (*models.Plan, error) {
	query := `
		SELECT id, name, price_cents, duration_minutes, data_cap_mb,
		       down_kbps, up_kbps, archived, created_at
		FROM plans
		WHERE id = $1
	`
	p, err := scanPlan(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

// ListActive returns every non-archived plan, most expensive first.
func (r *PlanRepository) ListActive(ctx context.Context) ([]*models.Plan, error) {
	query := `
		SELECT id, name, price_cents, duration_minutes, data_cap_mb,
		       down_kbps, up_kbps, archived, created_at
		FROM plans
		WHERE archived = FALSE
		ORDER BY price_cents DESC, id
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func scanPlan(row pgx.Row) (*models.Plan, error) {
	p := &models.Plan{}
	err := row.Scan(
		&p.ID, &p.Name, &p.PriceCents, &p.DurationMinutes, &p.DataCapMB,
		&p.DownKbps, &p.UpKbps, &p.Archived, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
