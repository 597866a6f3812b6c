package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/voucher-service/internal/apperr"
	"github.com/wenwu/saas-platform/voucher-service/internal/codegen"
	"github.com/wenwu/saas-platform/voucher-service/internal/config"
	"github.com/wenwu/saas-platform/voucher-service/internal/lifecycle"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
	"github.com/wenwu/saas-platform/voucher-service/internal/repository"
)

const (
	maxUsageMB       = 10000
	defaultListLimit = 100
	maxListLimit     = 500
	createAttempts   = 3
)

var macPattern = regexp.MustCompile(`^[0-9A-Fa-f:]{17}$`)

// VoucherService handles voucher issuance, redemption, revocation and usage accounting
type VoucherService struct {
	cfg       *config.Config
	plans     PlanStore
	vouchers  VoucherStore
	evaluator *lifecycle.Evaluator
	sweeper   *Sweeper
	audit     auditor
	now       Clock
}

// NewVoucherService creates a new voucher service
func NewVoucherService(
	cfg *config.Config,
	plans PlanStore,
	vouchers VoucherStore,
	sweeper *Sweeper,
	audit AuditSink,
	now Clock,
) *VoucherService {
	now = now.orDefault()
	return &VoucherService{
		cfg:       cfg,
		plans:     plans,
		vouchers:  vouchers,
		evaluator: lifecycle.NewEvaluator(vouchers),
		sweeper:   sweeper,
		audit:     auditor{sink: audit, now: now},
		now:       now,
	}
}

// NormalizeCode upper-cases and trims a user-typed code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ParseVoucherCode normalizes a typed voucher code and rejects anything that
// cannot have come from the generator.
func ParseVoucherCode(raw string) (string, error) {
	code := NormalizeCode(raw)
	if len(code) < codegen.VoucherMinLength || len(code) > codegen.VoucherMaxLength || !codegen.IsValid(code) {
		return "", apperr.Validation("invalid voucher code")
	}
	return code, nil
}

// BulkCreate generates quantity unused vouchers bound to planID (admin)
func (s *VoucherService) BulkCreate(ctx context.Context, actorID, planID string, quantity, codeLength int) ([]*models.Voucher, error) {
	maxBatch := s.cfg.Voucher.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 500
	}
	if quantity < 1 || quantity > maxBatch {
		return nil, apperr.Validation("quantity must be between 1 and %d", maxBatch)
	}
	if codeLength == 0 {
		codeLength = s.cfg.Voucher.DefaultCodeLength
	}
	if codeLength < codegen.VoucherMinLength || codeLength > codegen.VoucherMaxLength {
		return nil, apperr.Validation("codeLength must be between %d and %d", codegen.VoucherMinLength, codegen.VoucherMaxLength)
	}

	plan, err := getPlan(ctx, s.plans, planID)
	if err != nil {
		return nil, err
	}

	var createdBy *string
	if actorID != "" {
		createdBy = &actorID
	}

	batch, err := s.createBatch(ctx, plan.ID, quantity, codeLength, createdBy)
	if err != nil {
		return nil, err
	}
	log.Printf("[VoucherService] Created %d vouchers for plan %s", len(batch), plan.ID)
	s.audit.record(ctx, actorID, models.AuditVoucherBulkCreate, models.AuditTargetPlan, plan.ID, map[string]interface{}{
		"quantity":   quantity,
		"codeLength": codeLength,
	})
	return batch, nil
}

// createBatch stores quantity fresh unused vouchers. A collision against an
// existing code fails the whole batch at the storage layer; every code is
// regenerated and the insert retried.
func (s *VoucherService) createBatch(ctx context.Context, planID string, quantity, codeLength int, createdBy *string) ([]*models.Voucher, error) {
	for attempt := 1; attempt <= createAttempts; attempt++ {
		batch, err := s.newBatch(planID, quantity, codeLength, createdBy)
		if err != nil {
			return nil, err
		}
		err = s.vouchers.CreateBatch(ctx, batch)
		if err == nil {
			return batch, nil
		}
		if !errors.Is(err, repository.ErrDuplicateCode) {
			return nil, fmt.Errorf("create vouchers: %w", err)
		}
		log.Printf("[VoucherService] Code collision creating batch for plan %s (attempt %d)", planID, attempt)
	}

	return nil, apperr.Conflict("could not generate unique voucher codes", "")
}

func (s *VoucherService) newBatch(planID string, quantity, codeLength int, createdBy *string) ([]*models.Voucher, error) {
	now := s.now()
	seen := make(map[string]struct{}, quantity)
	batch := make([]*models.Voucher, 0, quantity)
	for len(batch) < quantity {
		code, err := codegen.Generate(codeLength)
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		batch = append(batch, &models.Voucher{
			ID:        uuid.New().String(),
			Code:      code,
			PlanID:    planID,
			Status:    models.VoucherStatusUnused,
			CreatedBy: createdBy,
			CreatedAt: now,
		})
	}
	return batch, nil
}

// Redeem activates an unused voucher. Exactly one of several concurrent
// redeemers of a code succeeds; the others see the winner's state.
func (s *VoucherService) Redeem(ctx context.Context, code, mac string) (*models.Voucher, *models.Plan, error) {
	code, err := ParseVoucherCode(code)
	if err != nil {
		return nil, nil, err
	}
	if mac != "" && !macPattern.MatchString(mac) {
		return nil, nil, apperr.Validation("invalid MAC address")
	}

	if s.sweeper != nil {
		s.sweeper.MaybeSweep(ctx)
	}

	v, plan, err := s.load(ctx, code)
	if err != nil {
		return nil, nil, err
	}

	switch v.Status {
	case models.VoucherStatusUnused:
	case models.VoucherStatusActive:
		// in-flight expiry or depletion wins over "already redeemed"
		res, err := s.evaluator.Evaluate(ctx, v, plan, s.now())
		if err != nil {
			return nil, nil, err
		}
		if res.Status == models.VoucherStatusActive {
			return nil, nil, apperr.InvalidState("voucher already redeemed", res.Status)
		}
		return nil, nil, apperr.InvalidState("voucher is "+res.Status, res.Status)
	default:
		return nil, nil, apperr.InvalidState("voucher is "+v.Status, v.Status)
	}

	now := s.now()
	expiresAt := plan.ExpiryFrom(now)
	activated, err := s.vouchers.ActivateIfUnused(ctx, v.ID, now, expiresAt)
	if err != nil {
		return nil, nil, fmt.Errorf("activate voucher: %w", err)
	}
	if !activated {
		current, err := s.vouchers.GetByID(ctx, v.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("reload voucher: %w", err)
		}
		if current.Status == models.VoucherStatusActive {
			return nil, nil, apperr.Conflict("voucher already redeemed", current.Status)
		}
		return nil, nil, apperr.InvalidState("voucher is "+current.Status, current.Status)
	}

	v.Status = models.VoucherStatusActive
	v.ActivatedAt = &now
	v.ExpiresAt = expiresAt

	// zero-length or zero-cap plans end immediately
	res, err := s.evaluator.Evaluate(ctx, v, plan, now)
	if err != nil {
		return nil, nil, err
	}

	meta := map[string]interface{}{"planId": plan.ID}
	if mac != "" {
		meta["mac"] = strings.ToUpper(mac)
	}
	if expiresAt != nil {
		meta["expiresAt"] = *expiresAt
	}
	s.audit.record(ctx, "", models.AuditVoucherRedeem, models.AuditTargetVoucher, v.ID, meta)

	if res.Status != models.VoucherStatusActive {
		return nil, nil, apperr.InvalidState("voucher is "+res.Status, res.Status)
	}

	log.Printf("[VoucherService] Redeemed voucher %s (plan %s)", v.ID, plan.ID)
	return v, plan, nil
}

// Revoke moves a voucher to revoked. Revoking a revoked voucher is a no-op.
func (s *VoucherService) Revoke(ctx context.Context, actorID, code string) (*models.Voucher, error) {
	code, err := ParseVoucherCode(code)
	if err != nil {
		return nil, err
	}
	v, err := s.vouchers.GetByCode(ctx, code)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("voucher not found")
		}
		return nil, fmt.Errorf("get voucher: %w", err)
	}

	switch v.Status {
	case models.VoucherStatusRevoked:
		return v, nil
	case models.VoucherStatusExpired, models.VoucherStatusDepleted:
		return nil, apperr.InvalidState("cannot revoke a voucher that is "+v.Status, v.Status)
	}

	previous := v.Status
	swapped, err := s.vouchers.CompareAndSwapStatus(ctx, v.ID, previous, models.VoucherStatusRevoked)
	if err != nil {
		return nil, fmt.Errorf("revoke voucher: %w", err)
	}
	if !swapped {
		current, err := s.vouchers.GetByID(ctx, v.ID)
		if err != nil {
			return nil, fmt.Errorf("reload voucher: %w", err)
		}
		switch current.Status {
		case models.VoucherStatusRevoked:
			return current, nil
		case models.VoucherStatusExpired, models.VoucherStatusDepleted:
			return nil, apperr.InvalidState("cannot revoke a voucher that is "+current.Status, current.Status)
		}
		return nil, apperr.Conflict("voucher changed concurrently", current.Status)
	}

	v.Status = models.VoucherStatusRevoked
	s.audit.record(ctx, actorID, models.AuditVoucherRevoke, models.AuditTargetVoucher, v.ID, map[string]interface{}{
		"code":           v.Code,
		"previousStatus": previous,
	})
	log.Printf("[VoucherService] Revoked voucher %s (was %s)", v.ID, previous)
	return v, nil
}

// RecordUsage adds mb to an active, data-capped voucher and applies depletion.
func (s *VoucherService) RecordUsage(ctx context.Context, code string, mb int64) (*models.Voucher, lifecycle.Result, error) {
	if mb < 1 || mb > maxUsageMB {
		return nil, lifecycle.Result{}, apperr.Validation("mb must be between 1 and %d", maxUsageMB)
	}

	v, plan, err := s.load(ctx, code)
	if err != nil {
		return nil, lifecycle.Result{}, err
	}
	if plan.DataCapMB == nil {
		return nil, lifecycle.Result{}, apperr.InvalidState("plan has no data cap", v.Status)
	}

	now := s.now()
	res, err := s.evaluator.Evaluate(ctx, v, plan, now)
	if err != nil {
		return nil, lifecycle.Result{}, err
	}
	if res.Status != models.VoucherStatusActive {
		return nil, lifecycle.Result{}, apperr.InvalidState("voucher is "+res.Status, res.Status)
	}

	used, ok, err := s.vouchers.AddDataUsage(ctx, v.ID, mb)
	if err != nil {
		return nil, lifecycle.Result{}, fmt.Errorf("add data usage: %w", err)
	}
	if !ok {
		current, err := s.vouchers.GetByID(ctx, v.ID)
		if err != nil {
			return nil, lifecycle.Result{}, fmt.Errorf("reload voucher: %w", err)
		}
		return nil, lifecycle.Result{}, apperr.InvalidState("voucher is "+current.Status, current.Status)
	}
	v.DataUsedMB = used

	res, err = s.evaluator.Evaluate(ctx, v, plan, now)
	if err != nil {
		return nil, lifecycle.Result{}, err
	}

	s.audit.record(ctx, "", models.AuditVoucherUsage, models.AuditTargetVoucher, v.ID, map[string]interface{}{
		"mb":         mb,
		"dataUsedMb": used,
		"status":     res.Status,
	})
	return v, res, nil
}

// Lookup returns a voucher and its plan, applying any pending transition first.
func (s *VoucherService) Lookup(ctx context.Context, code string) (*models.Voucher, *models.Plan, error) {
	v, plan, err := s.load(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.evaluator.Evaluate(ctx, v, plan, s.now()); err != nil {
		return nil, nil, err
	}
	return v, plan, nil
}

// List returns vouchers for the admin console, newest first.
func (s *VoucherService) List(ctx context.Context, f models.VoucherFilter) ([]*models.Voucher, error) {
	switch f.Status {
	case "", models.VoucherStatusUnused, models.VoucherStatusActive, models.VoucherStatusExpired,
		models.VoucherStatusDepleted, models.VoucherStatusRevoked:
	default:
		return nil, apperr.Validation("unknown status %q", f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}

	vouchers, err := s.vouchers.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list vouchers: %w", err)
	}
	return vouchers, nil
}

func (s *VoucherService) load(ctx context.Context, raw string) (*models.Voucher, *models.Plan, error) {
	code, err := ParseVoucherCode(raw)
	if err != nil {
		return nil, nil, err
	}
	v, err := s.vouchers.GetByCode(ctx, code)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, apperr.NotFound("voucher not found")
		}
		return nil, nil, fmt.Errorf("get voucher: %w", err)
	}
	plan, err := getPlan(ctx, s.plans, v.PlanID)
	if err != nil {
		return nil, nil, err
	}
	return v, plan, nil
}
