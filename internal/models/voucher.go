package models

import "time"

// Voucher status constants
const (
	VoucherStatusUnused   = "unused"
	VoucherStatusActive   = "active"
	VoucherStatusExpired  = "expired"
	VoucherStatusDepleted = "depleted"
	VoucherStatusRevoked  = "revoked"
)

// Voucher is a single-use access credential bound to a plan.
type Voucher struct {
	ID          string
	Code        string
	PlanID      string
	Status      string
	CreatedBy   *string
	CreatedAt   time.Time
	ActivatedAt *time.Time
	ExpiresAt   *time.Time
	DataUsedMB  int64
}

// IsVoucherTerminal reports whether no further transition is allowed from status.
func IsVoucherTerminal(status string) bool {
	switch status {
	case VoucherStatusExpired, VoucherStatusDepleted, VoucherStatusRevoked:
		return true
	}
	return false
}

// VoucherFilter narrows admin voucher listings. Empty fields match everything.
type VoucherFilter struct {
	Status string
	PlanID string
	Limit  int
}
