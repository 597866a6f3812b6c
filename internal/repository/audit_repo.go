package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
)

type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Record inserts an audit log entry
func (r *AuditRepository) Record(ctx context.Context, ev *models.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	query := `
		INSERT INTO audit_logs (id, actor_id, action, target_type, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
	`

	_, err := r.pool.Exec(ctx, query,
		ev.ID, ev.ActorID, ev.Action, ev.TargetType, ev.TargetID, ev.Metadata, auditCreatedAt(ev),
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	return nil
}

// auditCreatedAt keeps the caller's timestamp; nil lets the database fill it in.
func auditCreatedAt(ev *models.AuditEvent) *time.Time {
	if ev.CreatedAt.IsZero() {
		return nil
	}
	t := ev.CreatedAt
	return &t
}

// ListByTarget retrieves the most recent audit entries for a target
func (r *AuditRepository) ListByTarget(ctx context.Context, targetType, targetID string, limit int) ([]*models.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, actor_id, action, target_type, target_id, metadata, created_at
		FROM audit_logs
		WHERE target_type = $1 AND target_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, targetType, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		ev := &models.AuditEvent{}
		err := rows.Scan(
			&ev.ID, &ev.ActorID, &ev.Action, &ev.TargetType,
			&ev.TargetID, &ev.Metadata, &ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}
