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

type DeviceRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceRepository(pool *pgxpool.Pool) *DeviceRepository {
	return &DeviceRepository{pool: pool}
}

const deviceColumns = `id, name, api_key_hash, location, last_seen_at, created_at, active`

// Create inserts a device. A taken name returns ErrDuplicateName.
func (r *DeviceRepository) Create(ctx context.Context, d *models.Device) error {
	query := `
		INSERT INTO devices (id, name, api_key_hash, location, last_seen_at, created_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		d.ID, d.Name, d.APIKeyHash, d.Location, d.LastSeenAt, d.CreatedAt, d.Active,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// GetByID retrieves a device by ID
func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices WHERE id = $1`, deviceColumns)
	d, err := scanDevice(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// List returns the newest devices first.
func (r *DeviceRepository) List(ctx context.Context, limit int) ([]*models.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices ORDER BY created_at DESC, id LIMIT $1`, deviceColumns)
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateKeyHash replaces the stored key hash. It reports false for an unknown device.
func (r *DeviceRepository) UpdateKeyHash(ctx context.Context, id, hash string) (bool, error) {
	return r.execOne(ctx, `UPDATE devices SET api_key_hash = $2 WHERE id = $1`, id, hash)
}

// Touch records a heartbeat.
func (r *DeviceRepository) Touch(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.execOne(ctx, `UPDATE devices SET last_seen_at = $2 WHERE id = $1`, id, now)
}

// SetActive enables or disables a device.
func (r *DeviceRepository) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	return r.execOne(ctx, `UPDATE devices SET active = $2 WHERE id = $1`, id, active)
}

func (r *DeviceRepository) execOne(ctx context.Context, query string, args ...interface{}) (bool, error) {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		if isInvalidText(err) {
			return false, nil
		}
		return false, fmt.Errorf("update device: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanDevice(row pgx.Row) (*models.Device, error) {
	d := &models.Device{}
	err := row.Scan(&d.ID, &d.Name, &d.APIKeyHash, &d.Location, &d.LastSeenAt, &d.CreatedAt, &d.Active)
	if err != nil {
		return nil, err
	}
	return d, nil
}
