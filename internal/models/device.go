package models

import "time"

// Device is a vending machine or kiosk that sells vouchers for cash on its own.
// It authenticates with an API key; only the bcrypt hash is stored.
type Device struct {
	ID         string
	Name       string
	APIKeyHash string
	Location   *string
	LastSeenAt *time.Time
	CreatedAt  time.Time
	Active     bool
}
