package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/wenwu/saas-platform/voucher-service/internal/models"
	"github.com/wenwu/saas-platform/voucher-service/internal/repository/memstore"
)

func intPtr(v int) *int { return &v }
func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func TestNext(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	capped := &models.Plan{ID: "p", DataCapMB: int64Ptr(100)}
	unlimited := &models.Plan{ID: "p"}

	cases := []struct {
		name string
		v    models.Voucher
		p    *models.Plan
		want string
	}{
		{"unused never moves", models.Voucher{Status: models.VoucherStatusUnused, ExpiresAt: timePtr(now.Add(-time.Hour))}, capped, models.VoucherStatusUnused},
		{"revoked is terminal", models.Voucher{Status: models.VoucherStatusRevoked, ExpiresAt: timePtr(now.Add(-time.Hour))}, capped, models.VoucherStatusRevoked},
		{"depleted stays depleted", models.Voucher{Status: models.VoucherStatusDepleted, ExpiresAt: timePtr(now.Add(-time.Hour))}, capped, models.VoucherStatusDepleted},
		{"active within window", models.Voucher{Status: models.VoucherStatusActive, ExpiresAt: timePtr(now.Add(time.Minute))}, unlimited, models.VoucherStatusActive},
		{"active at expiry instant", models.Voucher{Status: models.VoucherStatusActive, ExpiresAt: timePtr(now)}, unlimited, models.VoucherStatusExpired},
		{"active data cap reached", models.Voucher{Status: models.VoucherStatusActive, DataUsedMB: 100}, capped, models.VoucherStatusDepleted},
		{"active below data cap", models.Voucher{Status: models.VoucherStatusActive, DataUsedMB: 99}, capped, models.VoucherStatusActive},
		{"time checked before data", models.Voucher{Status: models.VoucherStatusActive, DataUsedMB: 500, ExpiresAt: timePtr(now.Add(-time.Second))}, capped, models.VoucherStatusExpired},
		{"no expiry no cap", models.Voucher{Status: models.VoucherStatusActive, DataUsedMB: 1 << 20}, unlimited, models.VoucherStatusActive},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := tc.v
			if got := Next(&v, tc.p, now); got != tc.want {
				t.Fatalf("Next = %s, want %s", got, tc.want)
			}
		})
	}
}

func seedActive(t *testing.T, store *memstore.Store, v *models.Voucher) {
	t.Helper()
	if err := store.Vouchers().CreateBatch(context.Background(), []*models.Voucher{v}); err != nil {
		t.Fatalf("seed voucher: %v", err)
	}
}

func TestEvaluate_PersistsTransitionOnly(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := memstore.New()
	plan := &models.Plan{ID: "plan-1", DataCapMB: int64Ptr(100), DurationMinutes: intPtr(60)}
	activated := now.Add(-10 * time.Minute)
	seedActive(t, store, &models.Voucher{
		ID: "v1", Code: "AAAAAA", PlanID: plan.ID, Status: models.VoucherStatusActive,
		ActivatedAt: &activated, ExpiresAt: plan.ExpiryFrom(activated), DataUsedMB: 100,
	})

	ev := NewEvaluator(store.Vouchers())
	v, _ := store.Vouchers().GetByID(ctx, "v1")
	res, err := ev.Evaluate(ctx, v, plan, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Changed || res.Status != models.VoucherStatusDepleted {
		t.Fatalf("expected changed to depleted, got %+v", res)
	}

	stored, _ := store.Vouchers().GetByID(ctx, "v1")
	if stored.Status != models.VoucherStatusDepleted {
		t.Fatalf("expected stored status depleted, got %s", stored.Status)
	}
	if stored.DataUsedMB != 100 || stored.ActivatedAt == nil || !stored.ActivatedAt.Equal(activated) {
		t.Fatalf("evaluator must leave other fields untouched: %+v", stored)
	}

	// Subsequent evaluations are no-ops, even past expiry.
	for i := 0; i < 3; i++ {
		res, err = ev.Evaluate(ctx, stored, plan, now.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if res.Changed || res.Status != models.VoucherStatusDepleted {
			t.Fatalf("expected no-op on terminal voucher, got %+v", res)
		}
	}
}

func TestEvaluate_LostRaceReportsStoredStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := memstore.New()
	plan := &models.Plan{ID: "plan-1", DurationMinutes: intPtr(1)}
	activated := now.Add(-5 * time.Minute)
	seedActive(t, store, &models.Voucher{
		ID: "v1", Code: "BBBBBB", PlanID: plan.ID, Status: models.VoucherStatusActive,
		ActivatedAt: &activated, ExpiresAt: plan.ExpiryFrom(activated),
	})

	stale, _ := store.Vouchers().GetByID(ctx, "v1")
	if ok, _ := store.Vouchers().CompareAndSwapStatus(ctx, "v1", models.VoucherStatusActive, models.VoucherStatusRevoked); !ok {
		t.Fatalf("expected revoke swap to succeed")
	}

	res, err := NewEvaluator(store.Vouchers()).Evaluate(ctx, stale, plan, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Changed || res.Status != models.VoucherStatusRevoked {
		t.Fatalf("expected unchanged revoked, got %+v", res)
	}
	if stale.Status != models.VoucherStatusRevoked {
		t.Fatalf("expected voucher reloaded to revoked, got %s", stale.Status)
	}
}
