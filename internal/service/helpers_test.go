package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wenwu/saas-platform/voucher-service/internal/apperr"
	"github.com/wenwu/saas-platform/voucher-service/internal/config"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
	"github.com/wenwu/saas-platform/voucher-service/internal/repository/memstore"
	"golang.org/x/crypto/bcrypt"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	cfg      *config.Config
	store    *memstore.Store
	clock    *testClock
	sweeper  *Sweeper
	vouchers *VoucherService
	coins    *CoinService
	devices  *DeviceService
}

func testConfig() *config.Config {
	return &config.Config{
		Voucher: config.VoucherConfig{DefaultCodeLength: 10, MaxBatch: 500},
		Coin:    config.CoinConfig{ClaimWindow: 120 * time.Second, RequestCodeLength: 6},
		Sweep:   config.SweepConfig{Interval: time.Minute, Throttle: time.Minute, BatchSize: 100},
		Device:  config.DeviceConfig{KeyPepper: "pepper", BcryptCost: bcrypt.MinCost},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, testConfig(), nil)
}

// newTestEnvWith lets a test wrap the voucher store (nil keeps the memstore view).
func newTestEnvWith(t *testing.T, cfg *config.Config, wrap func(VoucherStore) VoucherStore) *testEnv {
	t.Helper()
	store := memstore.New()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	var vouchers VoucherStore = store.Vouchers()
	if wrap != nil {
		vouchers = wrap(vouchers)
	}

	sweeper := NewSweeper(cfg, store.Plans(), vouchers, store.CoinSessions(), store.Audit(), clock.Now)
	voucherService := NewVoucherService(cfg, store.Plans(), vouchers, sweeper, store.Audit(), clock.Now)
	return &testEnv{
		cfg:      cfg,
		store:    store,
		clock:    clock,
		sweeper:  sweeper,
		vouchers: voucherService,
		coins:    NewCoinService(cfg, store.Plans(), store.CoinSessions(), store.Audit(), clock.Now),
		devices:  NewDeviceService(cfg, store.Plans(), store.Devices(), voucherService, store.Audit(), clock.Now),
	}
}

func intPtr(v int) *int { return &v }
func int64Ptr(v int64) *int64 { return &v }

func (e *testEnv) plan(id string, price int64, minutes *int, capMB *int64) *models.Plan {
	p := &models.Plan{ID: id, Name: id, PriceCents: price, DurationMinutes: minutes, DataCapMB: capMB}
	e.store.PutPlan(p)
	return p
}

func (e *testEnv) voucher(t *testing.T, planID string) *models.Voucher {
	t.Helper()
	batch, err := e.vouchers.BulkCreate(context.Background(), "admin-1", planID, 1, 10)
	if err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
	return batch[0]
}

func (e *testEnv) storedVoucher(t *testing.T, id string) *models.Voucher {
	t.Helper()
	v, err := e.store.Vouchers().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return v
}

func (e *testEnv) hasAction(action string) bool {
	for _, a := range e.store.Audit().Actions() {
		if a == action {
			return true
		}
	}
	return false
}

// wantErr asserts err is an *apperr.Error of the given kind and observed status.
func wantErr(t *testing.T, err error, kind *apperr.Error, status string) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %s error, got %v", kind.Kind, err)
	}
	if status == "" {
		return
	}
	ae, _ := apperr.As(err)
	if ae.Status != status {
		t.Fatalf("expected status %q, got %q (%v)", status, ae.Status, err)
	}
}
