package service

import (
	"context"
	"testing"

	"github.com/wenwu/saas-platform/voucher-service/internal/apperr"
	"github.com/wenwu/saas-platform/voucher-service/internal/codegen"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
)

func (e *testEnv) device(t *testing.T, name string) (*models.Device, string) {
	t.Helper()
	d, key, err := e.devices.Register(context.Background(), "admin-1", name, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return d, key
}

func TestDeviceCredit_PicksMostExpensiveAffordablePlan(t *testing.T) {
	env := newTestEnv(t)
	env.plan("p30", 500, intPtr(30), nil)
	env.plan("p60", 800, intPtr(60), nil)
	env.plan("p60b", 800, intPtr(60), nil)
	env.plan("p120", 1500, intPtr(120), nil)
	env.store.PutPlan(&models.Plan{ID: "promo", PriceCents: 1000, Archived: true})
	d, key := env.device(t, "lobby")
	ctx := context.Background()

	tests := []struct {
		amount   int64
		wantPlan string
	}{
		{500, "p30"},
		{999, "p60"},
		{1200, "p60"},
		{1500, "p120"},
		{100000, "p120"},
	}
	for _, tt := range tests {
		v, plan, err := env.devices.Credit(ctx, d.ID, key, tt.amount)
		if err != nil {
			t.Fatalf("Credit(%d): %v", tt.amount, err)
		}
		if plan.ID != tt.wantPlan || v.PlanID != tt.wantPlan {
			t.Fatalf("Credit(%d) plan = %s, want %s", tt.amount, plan.ID, tt.wantPlan)
		}
		if v.Status != models.VoucherStatusUnused || v.CreatedBy != nil || !codegen.IsValid(v.Code) {
			t.Fatalf("unexpected voucher: %+v", v)
		}
		if _, err := env.store.Vouchers().GetByCode(ctx, v.Code); err != nil {
			t.Fatalf("voucher not stored: %v", err)
		}
	}

	_, _, err := env.devices.Credit(ctx, d.ID, key, 499)
	wantErr(t, err, apperr.ErrValidation, "")
	_, _, err = env.devices.Credit(ctx, d.ID, key, 0)
	wantErr(t, err, apperr.ErrValidation, "")

	if !env.hasAction(models.AuditVoucherDeviceCredit) {
		t.Fatalf("missing device credit audit: %v", env.store.Audit().Actions())
	}
}

func TestDeviceCredit_Authentication(t *testing.T) {
	env := newTestEnv(t)
	env.plan("p30", 500, intPtr(30), nil)
	d, key := env.device(t, "kiosk")
	ctx := context.Background()

	_, _, err := env.devices.Credit(ctx, d.ID, "", 500)
	wantErr(t, err, apperr.ErrUnauthorized, "")

	_, _, err = env.devices.Credit(ctx, d.ID, key+"x", 500)
	wantErr(t, err, apperr.ErrUnauthorized, "")

	_, _, err = env.devices.Credit(ctx, "no-such-device", key, 500)
	wantErr(t, err, apperr.ErrNotFound, "")

	// the old key stops working after rotation
	_, newKey, err := env.devices.RotateKey(ctx, "admin-1", d.ID)
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if newKey == key {
		t.Fatalf("rotation returned the same key")
	}
	_, _, err = env.devices.Credit(ctx, d.ID, key, 500)
	wantErr(t, err, apperr.ErrUnauthorized, "")
	if _, _, err := env.devices.Credit(ctx, d.ID, newKey, 500); err != nil {
		t.Fatalf("Credit with rotated key: %v", err)
	}

	if _, err := env.devices.Deactivate(ctx, "admin-1", d.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	_, _, err = env.devices.Credit(ctx, d.ID, newKey, 500)
	wantErr(t, err, apperr.ErrNotFound, "")
}

func TestDeviceRegister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, key := env.device(t, "  cafe  ")
	if d.Name != "cafe" || !d.Active || len(key) != 32 {
		t.Fatalf("unexpected device %+v key %q", d, key)
	}
	if d.APIKeyHash == "" || d.APIKeyHash == key {
		t.Fatalf("key must be stored hashed")
	}

	_, _, err := env.devices.Register(ctx, "admin-1", "cafe", nil)
	wantErr(t, err, apperr.ErrConflict, "")
	_, _, err = env.devices.Register(ctx, "admin-1", "   ", nil)
	wantErr(t, err, apperr.ErrValidation, "")

	_, _, err = env.devices.RotateKey(ctx, "admin-1", "missing")
	wantErr(t, err, apperr.ErrNotFound, "")

	got, err := env.devices.Heartbeat(ctx, d.ID, key)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(env.clock.Now()) {
		t.Fatalf("LastSeenAt = %v", got.LastSeenAt)
	}

	list, err := env.devices.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List: %v, %v", list, err)
	}
	if !env.hasAction(models.AuditDeviceRegister) {
		t.Fatalf("missing register audit")
	}
}
