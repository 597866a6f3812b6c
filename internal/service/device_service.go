package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/voucher-service/internal/apperr"
	"github.com/wenwu/saas-platform/voucher-service/internal/config"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
	"github.com/wenwu/saas-platform/voucher-service/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

const (
	deviceKeyBytes     = 24
	maxDeviceNameLen   = 120
	maxCreditCents     = maxDepositCents
	defaultDeviceLimit = 100
)

// DeviceService manages self-service vending devices. A device pays for a
// voucher with cash it has already collected; the service picks the best plan
// the credit covers and issues an unused voucher for it.
type DeviceService struct {
	cfg      *config.Config
	plans    PlanCatalog
	devices  DeviceStore
	vouchers *VoucherService
	audit    auditor
	now      Clock
}

// NewDeviceService creates a new device service
func NewDeviceService(
	cfg *config.Config,
	plans PlanCatalog,
	devices DeviceStore,
	vouchers *VoucherService,
	audit AuditSink,
	now Clock,
) *DeviceService {
	now = now.orDefault()
	return &DeviceService{
		cfg:      cfg,
		plans:    plans,
		devices:  devices,
		vouchers: vouchers,
		audit:    auditor{sink: audit, now: now},
		now:      now,
	}
}

// Register creates an active device and returns its API key. The key is only
// ever available here and from RotateKey.
func (s *DeviceService) Register(ctx context.Context, actorID, name string, location *string) (*models.Device, string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxDeviceNameLen {
		return nil, "", apperr.Validation("name must be 1-%d characters", maxDeviceNameLen)
	}

	key, hash, err := s.newKey()
	if err != nil {
		return nil, "", err
	}

	d := &models.Device{
		ID:         uuid.New().String(),
		Name:       name,
		APIKeyHash: hash,
		Location:   location,
		CreatedAt:  s.now(),
		Active:     true,
	}
	if err := s.devices.Create(ctx, d); err != nil {
		if errors.Is(err, repository.ErrDuplicateName) {
			return nil, "", apperr.Conflict("device name already registered", "")
		}
		return nil, "", fmt.Errorf("create device: %w", err)
	}

	log.Printf("[DeviceService] Registered device %s (%s)", d.ID, d.Name)
	s.audit.record(ctx, actorID, models.AuditDeviceRegister, models.AuditTargetDevice, d.ID, map[string]interface{}{
		"name": d.Name,
	})
	return d, key, nil
}

// List returns the most recently registered devices.
func (s *DeviceService) List(ctx context.Context) ([]*models.Device, error) {
	return s.devices.List(ctx, defaultDeviceLimit)
}

// RotateKey replaces a device's API key. The old key stops working immediately.
func (s *DeviceService) RotateKey(ctx context.Context, actorID, id string) (*models.Device, string, error) {
	key, hash, err := s.newKey()
	if err != nil {
		return nil, "", err
	}
	ok, err := s.devices.UpdateKeyHash(ctx, id, hash)
	if err != nil {
		return nil, "", fmt.Errorf("rotate key: %w", err)
	}
	if !ok {
		return nil, "", apperr.NotFound("device not found")
	}
	d, err := s.getDevice(ctx, id)
	if err != nil {
		return nil, "", err
	}

	s.audit.record(ctx, actorID, models.AuditDeviceRotateKey, models.AuditTargetDevice, id, nil)
	return d, key, nil
}

// Deactivate stops a device from authenticating. It is idempotent.
func (s *DeviceService) Deactivate(ctx context.Context, actorID, id string) (*models.Device, error) {
	ok, err := s.devices.SetActive(ctx, id, false)
	if err != nil {
		return nil, fmt.Errorf("deactivate device: %w", err)
	}
	if !ok {
		return nil, apperr.NotFound("device not found")
	}
	d, err := s.getDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	log.Printf("[DeviceService] Deactivated device %s", id)
	s.audit.record(ctx, actorID, models.AuditDeviceDeactivate, models.AuditTargetDevice, id, nil)
	return d, nil
}

// Heartbeat records that an authenticated device is online.
func (s *DeviceService) Heartbeat(ctx context.Context, id, apiKey string) (*models.Device, error) {
	d, err := s.authenticate(ctx, id, apiKey)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if _, err := s.devices.Touch(ctx, d.ID, now); err != nil {
		return nil, fmt.Errorf("touch device: %w", err)
	}
	d.LastSeenAt = &now
	return d, nil
}

// Credit converts cash collected by a device into one unused voucher for the
// most expensive active plan the amount covers. Equal prices resolve by plan id.
func (s *DeviceService) Credit(ctx context.Context, id, apiKey string, amountCents int64) (*models.Voucher, *models.Plan, error) {
	d, err := s.authenticate(ctx, id, apiKey)
	if err != nil {
		return nil, nil, err
	}
	if amountCents < 1 || amountCents > maxCreditCents {
		return nil, nil, apperr.Validation("amountCents must be between 1 and %d", maxCreditCents)
	}

	plans, err := s.plans.ListActive(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list plans: %w", err)
	}
	plan := bestPlanFor(plans, amountCents)
	if plan == nil {
		return nil, nil, apperr.Validation("no plan matches credit of %d cents", amountCents)
	}

	batch, err := s.vouchers.createBatch(ctx, plan.ID, 1, s.cfg.Voucher.DefaultCodeLength, nil)
	if err != nil {
		return nil, nil, err
	}
	v := batch[0]

	log.Printf("[DeviceService] Device %s credited %d cents, voucher %s for plan %s", d.ID, amountCents, v.ID, plan.ID)
	s.audit.record(ctx, d.ID, models.AuditVoucherDeviceCredit, models.AuditTargetVoucher, v.ID, map[string]interface{}{
		"deviceId":    d.ID,
		"amountCents": amountCents,
		"planId":      plan.ID,
	})
	return v, plan, nil
}

// bestPlanFor picks the highest-priced non-archived plan priced at or below amount.
func bestPlanFor(plans []*models.Plan, amount int64) *models.Plan {
	var best *models.Plan
	for _, p := range plans {
		if p.Archived || p.PriceCents > amount {
			continue
		}
		if best == nil || p.PriceCents > best.PriceCents ||
			(p.PriceCents == best.PriceCents && p.ID < best.ID) {
			best = p
		}
	}
	return best
}

// authenticate loads an active device and checks its key.
func (s *DeviceService) authenticate(ctx context.Context, id, apiKey string) (*models.Device, error) {
	if apiKey == "" {
		return nil, apperr.Unauthorized("missing device api key")
	}
	d, err := s.devices.GetByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("device not active")
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	if !d.Active {
		return nil, apperr.NotFound("device not active")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(d.APIKeyHash), []byte(apiKey+s.cfg.Device.KeyPepper)); err != nil {
		return nil, apperr.Unauthorized("invalid device api key")
	}
	return d, nil
}

func (s *DeviceService) getDevice(ctx context.Context, id string) (*models.Device, error) {
	d, err := s.devices.GetByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.NotFound("device not found")
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// newKey returns a random URL-safe API key and its peppered bcrypt hash.
func (s *DeviceService) newKey() (string, string, error) {
	buf := make([]byte, deviceKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key := base64.RawURLEncoding.EncodeToString(buf)

	cost := s.cfg.Device.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key+s.cfg.Device.KeyPepper), cost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}
	return key, string(hash), nil
}
