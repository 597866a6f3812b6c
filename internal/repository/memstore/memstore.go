// Package memstore is an in-process implementation of the voucher, coin-session,
// plan and audit stores. It backs STORE_DRIVER=memory and the service tests.
// Every method copies records in and out so callers never share state with the
// store, and the same compare-and-swap guards as the Postgres repositories apply.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
	"github.com/wenwu/saas-platform/voucher-service/internal/repository"
)

type Store struct {
	mu sync.RWMutex

	plans    map[string]*models.Plan
	vouchers map[string]*models.Voucher
	codes    map[string]string // voucher code -> id
	sessions map[string]*models.CoinSession
	requests map[string]string // request code -> session id
	audit    []*models.AuditEvent
	devices  map[string]*models.Device
	names    map[string]string // device name -> id
}

func New() *Store {
	return &Store{
		plans:    make(map[string]*models.Plan),
		vouchers: make(map[string]*models.Voucher),
		codes:    make(map[string]string),
		sessions: make(map[string]*models.CoinSession),
		requests: make(map[string]string),
		devices:  make(map[string]*models.Device),
		names:    make(map[string]string),
	}
}

// Plans returns a view of the store satisfying the plan lookup contract.
func (s *Store) Plans() *PlanStore { return &PlanStore{s: s} }

// Vouchers returns a view of the store satisfying the voucher store contract.
func (s *Store) Vouchers() *VoucherStore { return &VoucherStore{s: s} }

// CoinSessions returns a view of the store satisfying the coin session store contract.
func (s *Store) CoinSessions() *CoinSessionStore { return &CoinSessionStore{s: s} }

// Devices returns a view of the store satisfying the device store contract.
func (s *Store) Devices() *DeviceStore { return &DeviceStore{s: s} }

// Audit returns a view of the store that records audit events.
func (s *Store) Audit() *AuditStore { return &AuditStore{s: s} }

// PutPlan adds or replaces a plan.
func (s *Store) PutPlan(p *models.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.plans[p.ID] = &cp
}

// ==================== Plans ====================

type PlanStore struct{ s *Store }

func (p *PlanStore) GetByID(ctx context.Context, id string) (*models.Plan, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	plan, ok := p.s.plans[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *plan
	return &cp, nil
}

// ListActive returns non-archived plans, most expensive first.
func (p *PlanStore) ListActive(ctx context.Context) ([]*models.Plan, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	var out []*models.Plan
	for _, plan := range p.s.plans {
		if plan.Archived {
			continue
		}
		cp := *plan
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceCents != out[j].PriceCents {
			return out[i].PriceCents > out[j].PriceCents
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ==================== Vouchers ====================

type VoucherStore struct{ s *Store }

func (v *VoucherStore) CreateBatch(ctx context.Context, vouchers []*models.Voucher) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	seen := make(map[string]bool, len(vouchers))
	for _, in := range vouchers {
		if _, exists := v.s.codes[in.Code]; exists || seen[in.Code] {
			return repository.ErrDuplicateCode
		}
		seen[in.Code] = true
	}
	for _, in := range vouchers {
		v.s.insertVoucherLocked(in)
	}
	return nil
}

func (s *Store) insertVoucherLocked(in *models.Voucher) {
	cp := *in
	s.vouchers[in.ID] = &cp
	s.codes[in.Code] = in.ID
}

func (v *VoucherStore) GetByID(ctx context.Context, id string) (*models.Voucher, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return v.s.voucherLocked(id)
}

func (v *VoucherStore) GetByCode(ctx context.Context, code string) (*models.Voucher, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	id, ok := v.s.codes[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return v.s.voucherLocked(id)
}

func (s *Store) voucherLocked(id string) (*models.Voucher, error) {
	stored, ok := s.vouchers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

func (v *VoucherStore) ActivateIfUnused(ctx context.Context, id string, activatedAt time.Time, expiresAt *time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	stored, ok := v.s.vouchers[id]
	if !ok || stored.Status != models.VoucherStatusUnused {
		return false, nil
	}
	stored.Status = models.VoucherStatusActive
	stored.ActivatedAt = &activatedAt
	stored.ExpiresAt = expiresAt
	return true, nil
}

func (v *VoucherStore) CompareAndSwapStatus(ctx context.Context, id, from, to string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	stored, ok := v.s.vouchers[id]
	if !ok || stored.Status != from {
		return false, nil
	}
	stored.Status = to
	return true, nil
}

func (v *VoucherStore) MarkExpiredBulk(ctx context.Context, now time.Time) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var n int64
	for _, stored := range v.s.vouchers {
		if stored.Status == models.VoucherStatusActive && stored.ExpiresAt != nil && !stored.ExpiresAt.After(now) {
			stored.Status = models.VoucherStatusExpired
			n++
		}
	}
	return n, nil
}

func (v *VoucherStore) ListActive(ctx context.Context, afterID string, limit int) ([]*models.Voucher, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var ids []string
	for id, stored := range v.s.vouchers {
		if stored.Status == models.VoucherStatusActive && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*models.Voucher, 0, len(ids))
	for _, id := range ids {
		cp := *v.s.vouchers[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (v *VoucherStore) AddDataUsage(ctx context.Context, id string, mb int64) (int64, bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	stored, ok := v.s.vouchers[id]
	if !ok || stored.Status != models.VoucherStatusActive {
		return 0, false, nil
	}
	stored.DataUsedMB += mb
	return stored.DataUsedMB, true, nil
}

func (v *VoucherStore) List(ctx context.Context, f models.VoucherFilter) ([]*models.Voucher, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []*models.Voucher
	for _, stored := range v.s.vouchers {
		if f.Status != "" && stored.Status != f.Status {
			continue
		}
		if f.PlanID != "" && stored.PlanID != f.PlanID {
			continue
		}
		cp := *stored
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ==================== Coin sessions ====================

type CoinSessionStore struct{ s *Store }

func (c *CoinSessionStore) Create(ctx context.Context, in *models.CoinSession) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, exists := c.s.requests[in.RequestCode]; exists {
		return repository.ErrDuplicateCode
	}
	cp := *in
	c.s.sessions[in.ID] = &cp
	c.s.requests[in.RequestCode] = in.ID
	return nil
}

func (c *CoinSessionStore) GetByID(ctx context.Context, id string) (*models.CoinSession, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return c.s.sessionLocked(id)
}

func (c *CoinSessionStore) GetByRequestCode(ctx context.Context, code string) (*models.CoinSession, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	id, ok := c.s.requests[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.s.sessionLocked(id)
}

func (s *Store) sessionLocked(id string) (*models.CoinSession, error) {
	stored, ok := s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

func (c *CoinSessionStore) Claim(ctx context.Context, id, machineID string, now time.Time) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	stored, ok := c.s.sessions[id]
	if !ok || stored.Status != models.CoinStatusRequested {
		return false, nil
	}
	stored.Status = models.CoinStatusClaimed
	stored.MachineID = &machineID
	stored.UpdatedAt = now
	return true, nil
}

func (c *CoinSessionStore) CompareAndSwapStatus(ctx context.Context, id, from, to string, now time.Time) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	stored, ok := c.s.sessions[id]
	if !ok || stored.Status != from {
		return false, nil
	}
	stored.Status = to
	stored.UpdatedAt = now
	return true, nil
}

func (c *CoinSessionStore) ApplyDeposit(ctx context.Context, u *models.DepositUpdate) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	stored, ok := c.s.sessions[u.SessionID]
	if !ok || stored.Status != u.ExpectedStatus || stored.AmountInsertedCents != u.ExpectedAmount {
		return false, nil
	}
	if v := u.IssueVoucher; v != nil {
		if _, exists := c.s.codes[v.Code]; exists {
			return false, repository.ErrDuplicateCode
		}
		c.s.insertVoucherLocked(v)
		id := v.ID
		stored.VoucherID = &id
	}
	planID := u.PlanID
	stored.PlanID = &planID
	stored.AmountInsertedCents = u.NewAmount
	stored.Status = u.NewStatus
	stored.UpdatedAt = u.UpdatedAt
	return true, nil
}

func (c *CoinSessionStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var n int64
	for _, stored := range c.s.sessions {
		if stored.IsStale(now) {
			stored.Status = models.CoinStatusExpired
			stored.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ==================== Devices ====================

type DeviceStore struct{ s *Store }

func (d *DeviceStore) Create(ctx context.Context, in *models.Device) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, taken := d.s.names[in.Name]; taken {
		return repository.ErrDuplicateName
	}
	cp := *in
	d.s.devices[cp.ID] = &cp
	d.s.names[cp.Name] = cp.ID
	return nil
}

func (d *DeviceStore) GetByID(ctx context.Context, id string) (*models.Device, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()
	stored, ok := d.s.devices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

func (d *DeviceStore) List(ctx context.Context, limit int) ([]*models.Device, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()
	out := make([]*models.Device, 0, len(d.s.devices))
	for _, stored := range d.s.devices {
		cp := *stored
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *DeviceStore) UpdateKeyHash(ctx context.Context, id, hash string) (bool, error) {
	return d.update(id, func(dev *models.Device) { dev.APIKeyHash = hash })
}

func (d *DeviceStore) Touch(ctx context.Context, id string, now time.Time) (bool, error) {
	return d.update(id, func(dev *models.Device) { dev.LastSeenAt = &now })
}

func (d *DeviceStore) SetActive(ctx context.Context, id string, active bool) (bool, error) {
	return d.update(id, func(dev *models.Device) { dev.Active = active })
}

func (d *DeviceStore) update(id string, fn func(*models.Device)) (bool, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	stored, ok := d.s.devices[id]
	if !ok {
		return false, nil
	}
	fn(stored)
	return true, nil
}

// ==================== Audit ====================

type AuditStore struct{ s *Store }

func (a *AuditStore) Record(ctx context.Context, ev *models.AuditEvent) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	cp := *ev
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	a.s.audit = append(a.s.audit, &cp)
	return nil
}

func (a *AuditStore) ListByTarget(ctx context.Context, targetType, targetID string, limit int) ([]*models.AuditEvent, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var out []*models.AuditEvent
	for i := len(a.s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		ev := a.s.audit[i]
		if ev.TargetType == targetType && ev.TargetID == targetID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Actions returns every recorded action name in order.
func (a *AuditStore) Actions() []string {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	out := make([]string, 0, len(a.s.audit))
	for _, ev := range a.s.audit {
		out = append(out, ev.Action)
	}
	return out
}
