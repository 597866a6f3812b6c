package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
)

type VoucherRepository struct {
	pool *pgxpool.Pool
}

func NewVoucherRepository(pool *pgxpool.Pool) *VoucherRepository {
	return &VoucherRepository{pool: pool}
}

const voucherColumns = `id, code, plan_id, status, created_by,
	created_at, activated_at, expires_at, data_used_mb`

const insertVoucherSQL = `
	INSERT INTO vouchers (
		id, code, plan_id, status, created_by,
		created_at, activated_at, expires_at, data_used_mb
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

// CreateBatch inserts all vouchers in one transaction. A code collision rolls
// back the whole batch and returns ErrDuplicateCode.
func (r *VoucherRepository) CreateBatch(ctx context.Context, vouchers []*models.Voucher) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, v := range vouchers {
		batch.Queue(insertVoucherSQL,
			v.ID, v.Code, v.PlanID, v.Status, v.CreatedBy,
			v.CreatedAt, v.ActivatedAt, v.ExpiresAt, v.DataUsedMB,
		)
	}
	results := tx.SendBatch(ctx, batch)
	for range vouchers {
		if _, err := results.Exec(); err != nil {
			results.Close()
			if isUniqueViolation(err) {
				return ErrDuplicateCode
			}
			return fmt.Errorf("insert voucher: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetByID retrieves a voucher by ID
func (r *VoucherRepository) GetByID(ctx context.Context, id string) (*models.Voucher, error) {
	query := fmt.Sprintf(`SELECT %s FROM vouchers WHERE id = $1`, voucherColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetByCode retrieves a voucher by its code
func (r *VoucherRepository) GetByCode(ctx context.Context, code string) (*models.Voucher, error) {
	query := fmt.Sprintf(`SELECT %s FROM vouchers WHERE code = $1`, voucherColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, code))
}

// ActivateIfUnused moves an unused voucher to active. It reports false when the
// voucher was no longer unused, i.e. another redeemer won.
func (r *VoucherRepository) ActivateIfUnused(ctx context.Context, id string, activatedAt time.Time, expiresAt *time.Time) (bool, error) {
	query := `
		UPDATE vouchers
		SET status = 'active', activated_at = $2, expires_at = $3
		WHERE id = $1 AND status = 'unused'
	`
	tag, err := r.pool.Exec(ctx, query, id, activatedAt, expiresAt)
	if err != nil {
		return false, fmt.Errorf("activate voucher: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndSwapStatus sets status to `to` only if it is currently `from`.
func (r *VoucherRepository) CompareAndSwapStatus(ctx context.Context, id, from, to string) (bool, error) {
	query := `UPDATE vouchers SET status = $3 WHERE id = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("update voucher status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExpiredBulk expires every active voucher whose expires_at has passed
func (r *VoucherRepository) MarkExpiredBulk(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE vouchers SET status = 'expired'
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
	`
	tag, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("mark expired vouchers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListActive pages through active vouchers ordered by id, starting after afterID.
func (r *VoucherRepository) ListActive(ctx context.Context, afterID string, limit int) ([]*models.Voucher, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM vouchers
		WHERE status = 'active' AND ($1 = '' OR id::text > $1)
		ORDER BY id::text
		LIMIT $2
	`, voucherColumns)
	rows, err := r.pool.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active vouchers: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// AddDataUsage increments data_used_mb of an active voucher and returns the new
// total. ok is false when the voucher is not active.
func (r *VoucherRepository) AddDataUsage(ctx context.Context, id string, mb int64) (int64, bool, error) {
	query := `
		UPDATE vouchers SET data_used_mb = data_used_mb + $2
		WHERE id = $1 AND status = 'active'
		RETURNING data_used_mb
	`
	var used int64
	err := r.pool.QueryRow(ctx, query, id, mb).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("add data usage: %w", err)
	}
	return used, true, nil
}

// List queries vouchers with optional filters
func (r *VoucherRepository) List(ctx context.Context, f models.VoucherFilter) ([]*models.Voucher, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM vouchers
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR plan_id::text = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, voucherColumns)
	rows, err := r.pool.Query(ctx, query, f.Status, f.PlanID, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list vouchers: %w", err)
	}
	defer rows.Close()
	return r.scanMany(rows)
}

func (r *VoucherRepository) scanOne(row pgx.Row) (*models.Voucher, error) {
	v := &models.Voucher{}
	err := row.Scan(
		&v.ID, &v.Code, &v.PlanID, &v.Status, &v.CreatedBy,
		&v.CreatedAt, &v.ActivatedAt, &v.ExpiresAt, &v.DataUsedMB,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan voucher: %w", err)
	}
	return v, nil
}

func (r *VoucherRepository) scanMany(rows pgx.Rows) ([]*models.Voucher, error) {
	var results []*models.Voucher
	for rows.Next() {
		v := &models.Voucher{}
		err := rows.Scan(
			&v.ID, &v.Code, &v.PlanID, &v.Status, &v.CreatedBy,
			&v.CreatedAt, &v.ActivatedAt, &v.ExpiresAt, &v.DataUsedMB,
		)
		if err != nil {
			return nil, fmt.Errorf("scan voucher row: %w", err)
		}
		results = append(results, v)
	}
	return results, rows.Err()
}
