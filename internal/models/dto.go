package models

import "time"

// ==================== Voucher DTOs ====================

// GenerateVouchersRequest is the request for POST /api/admin/vouchers
type GenerateVouchersRequest struct {
	PlanID     string `json:"planId" binding:"required"`
	Quantity   int    `json:"quantity" binding:"required"`
	CodeLength int    `json:"codeLength"`
}

// RedeemVoucherRequest is the request for POST /api/v1/vouchers/redeem
type RedeemVoucherRequest struct {
	Code string `json:"code" binding:"required"`
	MAC  string `json:"mac"`
}

// RevokeVoucherRequest is the request for POST /api/admin/vouchers/revoke
type RevokeVoucherRequest struct {
	Code string `json:"code" binding:"required"`
}

// UsageIncrementRequest is the request for POST /api/machine/usage
type UsageIncrementRequest struct {
	Code string `json:"code" binding:"required"`
	MB   int64  `json:"mb" binding:"required"`
}

// VoucherInfo is the API view of a voucher
type VoucherInfo struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	PlanID      string     `json:"planId"`
	Status      string     `json:"status"`
	CreatedBy   *string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ActivatedAt *time.Time `json:"activatedAt"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	DataUsedMB  int64      `json:"dataUsedMb"`
}

// PlanInfo is the API view of a plan
type PlanInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PriceCents      int64  `json:"priceCents"`
	DurationMinutes *int   `json:"durationMinutes"`
	DataCapMB       *int64 `json:"dataCapMb"`
	DownKbps        *int   `json:"downKbps"`
	UpKbps          *int   `json:"upKbps"`
}

// RedeemVoucherResponse is returned by redeem and voucher lookup
type RedeemVoucherResponse struct {
	Voucher VoucherInfo `json:"voucher"`
	Plan    PlanInfo    `json:"plan"`
}

// UsageResponse is returned by POST /api/machine/usage
type UsageResponse struct {
	Code       string `json:"code"`
	DataUsedMB int64  `json:"dataUsedMb"`
	Status     string `json:"status"`
	Changed    bool   `json:"changed"`
}

// ==================== Coin session DTOs ====================

// ClaimCoinSessionRequest is the request for POST /api/machine/coin/claim
type ClaimCoinSessionRequest struct {
	RequestCode string `json:"requestCode" binding:"required"`
	MachineID   string `json:"machineId" binding:"required"`
}

// DepositRequest is the request for POST /api/machine/coin/deposit
type DepositRequest struct {
	RequestCode string `json:"requestCode" binding:"required"`
	AmountCents int64  `json:"amountCents" binding:"required"`
	PlanID      string `json:"planId"`
}

// CoinSessionInfo is the API view of a coin session
type CoinSessionInfo struct {
	ID                  string    `json:"id"`
	RequestCode         string    `json:"requestCode"`
	MachineID           *string   `json:"machineId"`
	Status              string    `json:"status"`
	AmountInsertedCents int64     `json:"amountInsertedCents"`
	PlanID              *string   `json:"planId"`
	VoucherID           *string   `json:"voucherId"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

// GenerateVouchersResponse is returned by POST /api/admin/vouchers
type GenerateVouchersResponse struct {
	Count    int           `json:"count"`
	Vouchers []VoucherInfo `json:"vouchers"`
}

// DepositResponse is returned by POST /api/machine/coin/deposit
type DepositResponse struct {
	Session CoinSessionInfo `json:"session"`
	Voucher *VoucherInfo    `json:"voucher,omitempty"`
}

// ==================== Device DTOs ====================

// RegisterDeviceRequest is the request for POST /api/admin/devices
type RegisterDeviceRequest struct {
	Name     string  `json:"name" binding:"required"`
	Location *string `json:"location"`
}

// DeviceCreditRequest is the request for POST /api/devices/:id/credit
type DeviceCreditRequest struct {
	AmountCents int64 `json:"amountCents" binding:"required"`
}

// DeviceInfo is the API view of a device. The key hash never leaves the service.
type DeviceInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Location   *string    `json:"location"`
	LastSeenAt *time.Time `json:"lastSeenAt"`
	CreatedAt  time.Time  `json:"createdAt"`
	Active     bool       `json:"active"`
}

// DeviceKeyResponse is returned by device registration and key rotation.
// APIKey is shown once and cannot be recovered.
type DeviceKeyResponse struct {
	Device DeviceInfo `json:"device"`
	APIKey string     `json:"apiKey"`
}

// NewDeviceInfo converts a device for API output
func NewDeviceInfo(d *Device) DeviceInfo {
	return DeviceInfo{
		ID:         d.ID,
		Name:       d.Name,
		Location:   d.Location,
		LastSeenAt: d.LastSeenAt,
		CreatedAt:  d.CreatedAt,
		Active:     d.Active,
	}
}

// ==================== Audit DTOs ====================

// AuditEventInfo is the API view of an audit entry
type AuditEventInfo struct {
	ID         string                 `json:"id"`
	ActorID    *string                `json:"actorId"`
	Action     string                 `json:"action"`
	TargetType string                 `json:"targetType"`
	TargetID   string                 `json:"targetId"`
	Metadata   map[string]interface{} `json:"metadata"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// ==================== Sweep DTOs ====================

// VoucherSweepStats counts the transitions made by one voucher sweep
type VoucherSweepStats struct {
	Expired  int `json:"expired"`
	Depleted int `json:"depleted"`
}

// SweepReport is returned by POST /api/admin/sweep
type SweepReport struct {
	Vouchers            VoucherSweepStats `json:"vouchers"`
	CoinSessionsExpired int64             `json:"coinSessionsExpired"`
}

// NewVoucherInfo converts a voucher for API output
func NewVoucherInfo(v *Voucher) VoucherInfo {
	return VoucherInfo{
		ID:          v.ID,
		Code:        v.Code,
		PlanID:      v.PlanID,
		Status:      v.Status,
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt,
		ActivatedAt: v.ActivatedAt,
		ExpiresAt:   v.ExpiresAt,
		DataUsedMB:  v.DataUsedMB,
	}
}

// NewPlanInfo converts a plan for API output
func NewPlanInfo(p *Plan) PlanInfo {
	return PlanInfo{
		ID:              p.ID,
		Name:            p.Name,
		PriceCents:      p.PriceCents,
		DurationMinutes: p.DurationMinutes,
		DataCapMB:       p.DataCapMB,
		DownKbps:        p.DownKbps,
		UpKbps:          p.UpKbps,
	}
}

// NewCoinSessionInfo converts a coin session for API output
func NewCoinSessionInfo(s *CoinSession) CoinSessionInfo {
	return CoinSessionInfo{
		ID:                  s.ID,
		RequestCode:         s.RequestCode,
		MachineID:           s.MachineID,
		Status:              s.Status,
		AmountInsertedCents: s.AmountInsertedCents,
		PlanID:              s.PlanID,
		VoucherID:           s.VoucherID,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
		ExpiresAt:           s.ExpiresAt,
	}
}

// NewAuditEventInfo converts an audit event for API output
func NewAuditEventInfo(ev *AuditEvent) AuditEventInfo {
	return AuditEventInfo{
		ID:         ev.ID,
		ActorID:    ev.ActorID,
		Action:     ev.Action,
		TargetType: ev.TargetType,
		TargetID:   ev.TargetID,
		Metadata:   ev.Metadata,
		CreatedAt:  ev.CreatedAt,
	}
}
