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

type CoinSessionRepository struct {
	pool *pgxpool.Pool
}

func NewCoinSessionRepository(pool *pgxpool.Pool) *CoinSessionRepository {
	return &CoinSessionRepository{pool: pool}
}

const coinSessionColumns = `id, request_code, machine_id, status, amount_inserted_cents,
	plan_id, voucher_id, created_at, updated_at, expires_at`

// Create inserts a new coin session. A request code collision returns ErrDuplicateCode.
func (r *CoinSessionRepository) Create(ctx context.Context, s *models.CoinSession) error {
	query := `
		INSERT INTO coin_sessions (
			id, request_code, machine_id, status, amount_inserted_cents,
			plan_id, voucher_id, created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		s.ID, s.RequestCode, s.MachineID, s.Status, s.AmountInsertedCents,
		s.PlanID, s.VoucherID, s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("insert coin session: %w", err)
	}
	return nil
}

// GetByID retrieves a coin session by ID
func (r *CoinSessionRepository) GetByID(ctx context.Context, id string) (*models.CoinSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM coin_sessions WHERE id = $1`, coinSessionColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetByRequestCode retrieves a coin session by its request code
func (r *CoinSessionRepository) GetByRequestCode(ctx context.Context, code string) (*models.CoinSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM coin_sessions WHERE request_code = $1`, coinSessionColumns)
	return r.scanOne(r.pool.QueryRow(ctx, query, code))
}

// Claim attaches machineID and moves requested -> claimed. Reports false if the
// session was no longer requested.
func (r *CoinSessionRepository) Claim(ctx context.Context, id, machineID string, now time.Time) (bool, error) {
	query := `
		UPDATE coin_sessions
		SET status = 'claimed', machine_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'requested'
	`
	tag, err := r.pool.Exec(ctx, query, id, machineID, now)
	if err != nil {
		return false, fmt.Errorf("claim coin session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndSwapStatus sets status to `to` only if it is currently `from`.
func (r *CoinSessionRepository) CompareAndSwapStatus(ctx context.Context, id, from, to string, now time.Time) (bool, error) {
	query := `UPDATE coin_sessions SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, query, id, from, to, now)
	if err != nil {
		return false, fmt.Errorf("update coin session status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyDeposit inserts the issued voucher (if any) and updates the session in a
// single transaction, guarded by the expected status and amount. It reports
// false and rolls back when the guard no longer matches.
func (r *CoinSessionRepository) ApplyDeposit(ctx context.Context, u *models.DepositUpdate) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var voucherID *string
	if v := u.IssueVoucher; v != nil {
		_, err := tx.Exec(ctx, insertVoucherSQL,
			v.ID, v.Code, v.PlanID, v.Status, v.CreatedBy,
			v.CreatedAt, v.ActivatedAt, v.ExpiresAt, v.DataUsedMB,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return false, ErrDuplicateCode
			}
			return false, fmt.Errorf("insert issued voucher: %w", err)
		}
		voucherID = &v.ID
	}

	query := `
		UPDATE coin_sessions
		SET amount_inserted_cents = $4, status = $5, plan_id = $6,
		    voucher_id = COALESCE($7, voucher_id), updated_at = $8
		WHERE id = $1 AND status = $2 AND amount_inserted_cents = $3
	`
	tag, err := tx.Exec(ctx, query,
		u.SessionID, u.ExpectedStatus, u.ExpectedAmount,
		u.NewAmount, u.NewStatus, u.PlanID, voucherID, u.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("update coin session: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ExpireStale moves open sessions past their expiry to expired
func (r *CoinSessionRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE coin_sessions SET status = 'expired', updated_at = $1
		WHERE status IN ('requested', 'claimed', 'depositing') AND expires_at <= $1
	`
	tag, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("expire coin sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *CoinSessionRepository) scanOne(row pgx.Row) (*models.CoinSession, error) {
	s := &models.CoinSession{}
	err := row.Scan(
		&s.ID, &s.RequestCode, &s.MachineID, &s.Status, &s.AmountInsertedCents,
		&s.PlanID, &s.VoucherID, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan coin session: %w", err)
	}
	return s, nil
}
