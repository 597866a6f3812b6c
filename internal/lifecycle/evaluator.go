// Package lifecycle decides and applies the automatic voucher transitions
// (active -> expired, active -> depleted). Both the request path and the sweep
// path go through Evaluator so the transition rules live in one place.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/wenwu/saas-platform/voucher-service/internal/models"
)

// Store is the slice of the voucher store the evaluator needs.
type Store interface {
	GetByID(ctx context.Context, id string) (*models.Voucher, error)
	CompareAndSwapStatus(ctx context.Context, id, from, to string) (bool, error)
}

// Next returns the status v should be in at now. Only active vouchers move.
// Time expiry is checked before data depletion.
func Next(v *models.Voucher, p *models.Plan, now time.Time) string {
	if v.Status != models.VoucherStatusActive {
		return v.Status
	}
	if v.ExpiresAt != nil && !now.Before(*v.ExpiresAt) {
		return models.VoucherStatusExpired
	}
	if p != nil && p.DataCapMB != nil && v.DataUsedMB >= *p.DataCapMB {
		return models.VoucherStatusDepleted
	}
	return v.Status
}

type Result struct {
	Status  string
	Changed bool
}

type Evaluator struct {
	store Store
}

func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store}
}

// Evaluate persists the transition computed by Next. The write is a
// compare-and-swap from the status v was read with; if another caller moved the
// voucher first, the stored status is returned with Changed=false. On success v
// is updated in place.
func (e *Evaluator) Evaluate(ctx context.Context, v *models.Voucher, p *models.Plan, now time.Time) (Result, error) {
	next := Next(v, p, now)
	if next == v.Status {
		return Result{Status: v.Status}, nil
	}

	swapped, err := e.store.CompareAndSwapStatus(ctx, v.ID, v.Status, next)
	if err != nil {
		return Result{}, fmt.Errorf("transition voucher %s to %s: %w", v.ID, next, err)
	}
	if !swapped {
		current, err := e.store.GetByID(ctx, v.ID)
		if err != nil {
			return Result{}, fmt.Errorf("reload voucher %s: %w", v.ID, err)
		}
		*v = *current
		return Result{Status: current.Status}, nil
	}

	v.Status = next
	return Result{Status: next, Changed: true}, nil
}
