package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus represents the lifecycle state of an account.
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "ACTIVE"
	AccountStatusSuspended AccountStatus = "SUSPENDED"
	AccountStatusClosed    AccountStatus = "CLOSED"
)

// OwnerType represents the type of entity owning an account.
type OwnerType string

const (
	OwnerTypeSystem OwnerType = "system"
	OwnerTypeUser   OwnerType = "user"
)

// Account is a single-currency balance record. The balance is mutated only
// by the ledger engine; accounts are never deleted, only closed.
type Account struct {
	ID         string          `json:"id"`
	OwnerType  OwnerType       `json:"owner_type"`
	OwnerID    string          `json:"owner_id"`
	Currency   string          `json:"currency"`
	Identifier string          `json:"identifier"` // checksummed routable identifier
	Balance    decimal.Decimal `json:"balance"`
	Status     AccountStatus   `json:"status"`
	Version    int64           `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"-"`
}

// IsActive reports whether the account may participate in transfers.
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// AccountCreate carries the data needed to open an account.
type AccountCreate struct {
	OwnerType OwnerType
	OwnerID   string
	Currency  string
	Country   string
}

// AccountFilter represents filter criteria for account queries.
type AccountFilter struct {
	OwnerID  *string
	Currency *string
	Status   *AccountStatus
}

// ValidCurrency reports whether code looks like an ISO-4217 currency code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}
