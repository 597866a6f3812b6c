package models

import "time"

// Audit action names
const (
	AuditVoucherBulkCreate   = "voucher.bulk_create"
	AuditVoucherRedeem       = "voucher.redeem"
	AuditVoucherRevoke       = "voucher.revoke"
	AuditVoucherUsage        = "voucher.usage"
	AuditVoucherSweep        = "voucher.sweep"
	AuditVoucherExpireSweep  = "voucher.expire_sweep"
	AuditCoinCreate          = "coin_session.create"
	AuditCoinClaim           = "coin_session.claim"
	AuditCoinDeposit         = "coin_session.deposit"
	AuditCoinCancel          = "coin_session.cancel"
	AuditCoinExpireSweep     = "coin_session.expire_sweep"
	AuditVoucherDeviceCredit = "voucher.device_credit"
	AuditDeviceRegister      = "device.register"
	AuditDeviceRotateKey     = "device.rotate_key"
	AuditDeviceDeactivate    = "device.deactivate"
)

// Audit target types
const (
	AuditTargetVoucher     = "voucher"
	AuditTargetPlan        = "plan"
	AuditTargetCoinSession = "coin_session"
	AuditTargetBulk        = "bulk"
	AuditTargetDevice      = "device"
)

// AuditEvent is one state-changing operation.
type AuditEvent struct {
	ID         string
	ActorID    *string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}
