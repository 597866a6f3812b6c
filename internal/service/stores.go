package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/wenwu/saas-platform/voucher-service/internal/apperr"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
	"github.com/wenwu/saas-platform/voucher-service/internal/repository"
)

// Clock returns the current time. Services take one so expiry is testable.
type Clock func() time.Time

func (c Clock) orDefault() Clock {
	if c == nil {
		return time.Now
	}
	return c
}

// PlanStore is the read-only plan catalog (local table or remote service).
type PlanStore interface {
	GetByID(ctx context.Context, id string) (*models.Plan, error)
}

// PlanCatalog adds the listing that device credit needs to pick a plan by price.
type PlanCatalog interface {
	PlanStore
	ListActive(ctx context.Context) ([]*models.Plan, error)
}

// VoucherStore is implemented by repository.VoucherRepository and memstore.VoucherStore.
type VoucherStore interface {
	CreateBatch(ctx context.Context, vouchers []*models.Voucher) error
	GetByID(ctx context.Context, id string) (*models.Voucher, error)
	GetByCode(ctx context.Context, code string) (*models.Voucher, error)
	ActivateIfUnused(ctx context.Context, id string, activatedAt time.Time, expiresAt *time.Time) (bool, error)
	CompareAndSwapStatus(ctx context.Context, id, from, to string) (bool, error)
	MarkExpiredBulk(ctx context.Context, now time.Time) (int64, error)
	ListActive(ctx context.Context, afterID string, limit int) ([]*models.Voucher, error)
	AddDataUsage(ctx context.Context, id string, mb int64) (int64, bool, error)
	List(ctx context.Context, f models.VoucherFilter) ([]*models.Voucher, error)
}

// CoinSessionStore is implemented by repository.CoinSessionRepository and memstore.CoinSessionStore.
type CoinSessionStore interface {
	Create(ctx context.Context, s *models.CoinSession) error
	GetByID(ctx context.Context, id string) (*models.CoinSession, error)
	GetByRequestCode(ctx context.Context, code string) (*models.CoinSession, error)
	Claim(ctx context.Context, id, machineID string, now time.Time) (bool, error)
	CompareAndSwapStatus(ctx context.Context, id, from, to string, now time.Time) (bool, error)
	ApplyDeposit(ctx context.Context, u *models.DepositUpdate) (bool, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// DeviceStore is implemented by repository.DeviceRepository and memstore.DeviceStore.
type DeviceStore interface {
	Create(ctx context.Context, d *models.Device) error
	GetByID(ctx context.Context, id string) (*models.Device, error)
	List(ctx context.Context, limit int) ([]*models.Device, error)
	UpdateKeyHash(ctx context.Context, id, hash string) (bool, error)
	Touch(ctx context.Context, id string, now time.Time) (bool, error)
	SetActive(ctx context.Context, id string, active bool) (bool, error)
}

// AuditSink receives one event per state-changing operation.
type AuditSink interface {
	Record(ctx context.Context, ev *models.AuditEvent) error
}

// auditor delivers events fire-and-forget: failures are logged, never returned.
type auditor struct {
	sink AuditSink
	now  Clock
}

func (a auditor) record(ctx context.Context, actorID, action, targetType, targetID string, meta map[string]interface{}) {
	if a.sink == nil {
		return
	}
	ev := &models.AuditEvent{
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   meta,
		CreatedAt:  a.now(),
	}
	if actorID != "" {
		ev.ActorID = &actorID
	}
	if err := a.sink.Record(ctx, ev); err != nil {
		log.Printf("[Audit] Failed to record %s for %s/%s: %v", action, targetType, targetID, err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound) || errors.Is(err, apperr.ErrNotFound)
}

// getPlan maps a missing plan to apperr.NotFound.
func getPlan(ctx context.Context, plans PlanStore, id string) (*models.Plan, error) {
	p, err := plans.GetByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("plan not found")
		}
		return nil, err
	}
	return p, nil
}
