package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/voucher-service/internal/apperr"
	"github.com/wenwu/saas-platform/voucher-service/internal/codegen"
	"github.com/wenwu/saas-platform/voucher-service/internal/config"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
	"github.com/wenwu/saas-platform/voucher-service/internal/repository"
)

const (
	maxDepositCents     = 1000000
	minMachineIDLen     = 2
	maxMachineIDLen     = 32
	sessionCreateTries  = 5
	depositApplyRetries = 3
)

// CoinService drives coin sessions from request to voucher issuance
type CoinService struct {
	cfg      *config.Config
	plans    PlanStore
	sessions CoinSessionStore
	audit    auditor
	now      Clock
}

// NewCoinService creates a new coin session service
func NewCoinService(
	cfg *config.Config,
	plans PlanStore,
	sessions CoinSessionStore,
	audit AuditSink,
	now Clock,
) *CoinService {
	now = now.orDefault()
	return &CoinService{
		cfg:      cfg,
		plans:    plans,
		sessions: sessions,
		audit:    auditor{sink: audit, now: now},
		now:      now,
	}
}

// Create opens a session in requested status with a fresh request code.
func (s *CoinService) Create(ctx context.Context) (*models.CoinSession, error) {
	length := s.cfg.Coin.RequestCodeLength
	if length == 0 {
		length = codegen.RequestDefaultLength
	}

	for attempt := 1; attempt <= sessionCreateTries; attempt++ {
		code, err := codegen.Generate(length)
		if err != nil {
			return nil, fmt.Errorf("generate request code: %w", err)
		}
		now := s.now()
		session := &models.CoinSession{
			ID:          uuid.New().String(),
			RequestCode: code,
			Status:      models.CoinStatusRequested,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Coin.ClaimWindow),
		}

		err = s.sessions.Create(ctx, session)
		if err == nil {
			s.audit.record(ctx, "", models.AuditCoinCreate, models.AuditTargetCoinSession, session.ID, map[string]interface{}{
				"requestCode": code,
				"expiresAt":   session.ExpiresAt,
			})
			return session, nil
		}
		if !errors.Is(err, repository.ErrDuplicateCode) {
			return nil, fmt.Errorf("create coin session: %w", err)
		}
	}

	return nil, apperr.Conflict("could not generate a unique request code", "")
}

// Get returns a session by request code, expiring it first if its window has passed.
func (s *CoinService) Get(ctx context.Context, requestCode string) (*models.CoinSession, error) {
	session, err := s.load(ctx, requestCode)
	if err != nil {
		return nil, err
	}
	return s.expireIfStale(ctx, session)
}

// GetByID is Get keyed by session id.
func (s *CoinService) GetByID(ctx context.Context, id string) (*models.CoinSession, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("coin session not found")
		}
		return nil, fmt.Errorf("get coin session: %w", err)
	}
	return s.expireIfStale(ctx, session)
}

// Claim binds a machine to a requested session.
func (s *CoinService) Claim(ctx context.Context, requestCode, machineID string) (*models.CoinSession, error) {
	if !validRequestCode(requestCode) {
		return nil, apperr.Validation("invalid request code")
	}
	if n := len(machineID); n < minMachineIDLen || n > maxMachineIDLen {
		return nil, apperr.Validation("machineId must be %d-%d characters", minMachineIDLen, maxMachineIDLen)
	}

	session, err := s.Get(ctx, requestCode)
	if err != nil {
		return nil, err
	}
	if session.Status != models.CoinStatusRequested {
		return nil, apperr.InvalidState("coin session cannot be claimed", session.Status)
	}

	now := s.now()
	claimed, err := s.sessions.Claim(ctx, session.ID, machineID, now)
	if err != nil {
		return nil, fmt.Errorf("claim coin session: %w", err)
	}
	if !claimed {
		current, err := s.reload(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		return nil, apperr.Conflict("coin session was claimed concurrently", current.Status)
	}

	session.Status = models.CoinStatusClaimed
	session.MachineID = &machineID
	session.UpdatedAt = now

	s.audit.record(ctx, machineID, models.AuditCoinClaim, models.AuditTargetCoinSession, session.ID, map[string]interface{}{
		"machineId": machineID,
	})
	return session, nil
}

// Deposit adds amountCents to an open session. The first deposit binds the
// plan; the session completes and a voucher is issued once the plan price is
// met. Voucher insert and session update commit together.
func (s *CoinService) Deposit(ctx context.Context, requestCode string, amountCents int64, planID string) (*models.CoinSession, *models.Voucher, error) {
	if amountCents < 1 || amountCents > maxDepositCents {
		return nil, nil, apperr.Validation("amountCents must be between 1 and %d", maxDepositCents)
	}
	if !validRequestCode(requestCode) {
		return nil, nil, apperr.Validation("invalid request code")
	}

	var last *models.CoinSession
	for attempt := 1; attempt <= depositApplyRetries; attempt++ {
		session, err := s.Get(ctx, requestCode)
		if err != nil {
			return nil, nil, err
		}
		last = session
		if !session.IsOpen() {
			return nil, nil, apperr.InvalidState("coin session is not accepting deposits", session.Status)
		}

		boundPlan := planID
		if session.PlanID == nil {
			if planID == "" {
				return nil, nil, apperr.Validation("planId is required for the first deposit")
			}
		} else {
			if planID != "" && planID != *session.PlanID {
				return nil, nil, apperr.InvalidState("planId does not match the plan bound to this session", session.Status)
			}
			boundPlan = *session.PlanID
		}

		plan, err := getPlan(ctx, s.plans, boundPlan)
		if err != nil {
			return nil, nil, err
		}

		now := s.now()
		update := &models.DepositUpdate{
			SessionID:      session.ID,
			ExpectedStatus: session.Status,
			ExpectedAmount: session.AmountInsertedCents,
			NewStatus:      models.CoinStatusDepositing,
			NewAmount:      session.AmountInsertedCents + amountCents,
			PlanID:         plan.ID,
			UpdatedAt:      now,
		}
		if session.VoucherID == nil && (plan.PriceCents == 0 || update.NewAmount >= plan.PriceCents) {
			v, err := s.paidVoucher(plan, now)
			if err != nil {
				return nil, nil, err
			}
			update.IssueVoucher = v
			update.NewStatus = models.CoinStatusCompleted
		}

		applied, err := s.sessions.ApplyDeposit(ctx, update)
		if errors.Is(err, repository.ErrDuplicateCode) {
			log.Printf("[CoinService] Voucher code collision for session %s, retrying", session.ID)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("apply deposit: %w", err)
		}
		if !applied {
			// another deposit or the expiry sweep got there first; re-read and re-apply
			continue
		}

		session.Status = update.NewStatus
		session.AmountInsertedCents = update.NewAmount
		session.PlanID = &update.PlanID
		session.UpdatedAt = now
		if update.IssueVoucher != nil {
			session.VoucherID = &update.IssueVoucher.ID
		}

		meta := map[string]interface{}{
			"amountCents": amountCents,
			"totalCents":  update.NewAmount,
			"planId":      plan.ID,
			"status":      update.NewStatus,
		}
		actor := ""
		if session.MachineID != nil {
			actor = *session.MachineID
			meta["machineId"] = actor
		}
		if update.IssueVoucher != nil {
			meta["voucherId"] = update.IssueVoucher.ID
			log.Printf("[CoinService] Session %s completed, issued voucher %s", session.ID, update.IssueVoucher.ID)
		}
		s.audit.record(ctx, actor, models.AuditCoinDeposit, models.AuditTargetCoinSession, session.ID, meta)

		return session, update.IssueVoucher, nil
	}

	status := ""
	if last != nil {
		status = last.Status
	}
	return nil, nil, apperr.Conflict("coin session changed concurrently", status)
}

// paidVoucher builds the voucher issued by a completed session. It is already
// active: payment replaces the redemption step.
func (s *CoinService) paidVoucher(plan *models.Plan, now time.Time) (*models.Voucher, error) {
	length := s.cfg.Voucher.DefaultCodeLength
	if length == 0 {
		length = codegen.VoucherDefaultLength
	}
	code, err := codegen.Generate(length)
	if err != nil {
		return nil, fmt.Errorf("generate voucher code: %w", err)
	}
	activatedAt := now
	return &models.Voucher{
		ID:          uuid.New().String(),
		Code:        code,
		PlanID:      plan.ID,
		Status:      models.VoucherStatusActive,
		CreatedAt:   now,
		ActivatedAt: &activatedAt,
		ExpiresAt:   plan.ExpiryFrom(now),
	}, nil
}

// Cancel abandons a session that no machine has claimed yet.
func (s *CoinService) Cancel(ctx context.Context, requestCode string) (*models.CoinSession, error) {
	if !validRequestCode(requestCode) {
		return nil, apperr.Validation("invalid request code")
	}
	session, err := s.Get(ctx, requestCode)
	if err != nil {
		return nil, err
	}
	if session.Status != models.CoinStatusRequested {
		return nil, apperr.InvalidState("only requested coin sessions can be canceled", session.Status)
	}

	now := s.now()
	swapped, err := s.sessions.CompareAndSwapStatus(ctx, session.ID, models.CoinStatusRequested, models.CoinStatusCanceled, now)
	if err != nil {
		return nil, fmt.Errorf("cancel coin session: %w", err)
	}
	if !swapped {
		current, err := s.reload(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		return nil, apperr.Conflict("coin session changed concurrently", current.Status)
	}

	session.Status = models.CoinStatusCanceled
	session.UpdatedAt = now
	s.audit.record(ctx, "", models.AuditCoinCancel, models.AuditTargetCoinSession, session.ID, nil)
	return session, nil
}

// validRequestCode reports whether code could have been issued by Create.
func validRequestCode(code string) bool {
	code = NormalizeCode(code)
	return len(code) >= codegen.RequestMinLength && len(code) <= codegen.RequestMaxLength && codegen.IsValid(code)
}

func (s *CoinService) load(ctx context.Context, requestCode string) (*models.CoinSession, error) {
	// nothing outside the alphabet was ever stored
	if !validRequestCode(requestCode) {
		return nil, apperr.NotFound("coin session not found")
	}
	session, err := s.sessions.GetByRequestCode(ctx, NormalizeCode(requestCode))
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("coin session not found")
		}
		return nil, fmt.Errorf("get coin session: %w", err)
	}
	return session, nil
}

func (s *CoinService) reload(ctx context.Context, id string) (*models.CoinSession, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload coin session: %w", err)
	}
	return session, nil
}

// expireIfStale performs the lazy expiry so readers never see an open status
// past the session window.
func (s *CoinService) expireIfStale(ctx context.Context, session *models.CoinSession) (*models.CoinSession, error) {
	now := s.now()
	if !session.IsStale(now) {
		return session, nil
	}

	swapped, err := s.sessions.CompareAndSwapStatus(ctx, session.ID, session.Status, models.CoinStatusExpired, now)
	if err != nil {
		return nil, fmt.Errorf("expire coin session: %w", err)
	}
	if !swapped {
		return s.reload(ctx, session.ID)
	}

	previous := session.Status
	session.Status = models.CoinStatusExpired
	session.UpdatedAt = now
	s.audit.record(ctx, "", models.AuditCoinExpireSweep, models.AuditTargetCoinSession, session.ID, map[string]interface{}{
		"previousStatus": previous,
		"lazy":           true,
	})
	return session, nil
}
