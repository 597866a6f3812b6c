package models

import "time"

// Coin session status constants
const (
	CoinStatusRequested  = "requested"
	CoinStatusClaimed    = "claimed"
	CoinStatusDepositing = "depositing"
	CoinStatusCompleted  = "completed"
	CoinStatusCanceled   = "canceled"
	CoinStatusExpired    = "expired"
)

// OpenCoinStatuses are the non-terminal statuses; only these accept deposits and expire.
var OpenCoinStatuses = []string{CoinStatusRequested, CoinStatusClaimed, CoinStatusDepositing}

// CoinSession tracks a cash-in-kind payment from request through voucher issuance.
type CoinSession struct {
	ID                  string
	RequestCode         string
	MachineID           *string
	Status              string
	AmountInsertedCents int64
	PlanID              *string
	VoucherID           *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ExpiresAt           time.Time
}

// IsOpen reports whether the session is still in a non-terminal status.
func (s *CoinSession) IsOpen() bool {
	for _, st := range OpenCoinStatuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// IsStale reports whether an open session has passed its expiry.
func (s *CoinSession) IsStale(now time.Time) bool {
	return s.IsOpen() && !now.Before(s.ExpiresAt)
}

// DepositUpdate is applied atomically: the optional voucher insert and the session
// update commit together, and only if the session still has ExpectedStatus and
// ExpectedAmount.
type DepositUpdate struct {
	SessionID      string
	ExpectedStatus string
	ExpectedAmount int64

	NewStatus string
	NewAmount int64
	PlanID    string
	UpdatedAt time.Time

	// IssueVoucher is inserted in the same transaction when non-nil.
	IssueVoucher *Voucher
}
