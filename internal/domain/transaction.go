package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction marks which side of the ledger an entry sits on.
type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

// EntryKind describes what a ledger entry represents. Replaces the
// free-form metadata blob the service used to carry: each kind has a fixed
// field set validated at construction.
type EntryKind string

const (
	EntryKindTransfer     EntryKind = "transfer"
	EntryKindFee          EntryKind = "fee"
	EntryKindCompensation EntryKind = "compensation"
	EntryKindSettlement   EntryKind = "settlement"
	EntryKindFunding      EntryKind = "funding"
)

// Transaction is an immutable ledger entry. Its ID doubles as the
// idempotency key: applying the same ID twice returns the original row.
type Transaction struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	TransferID     string          `json:"transfer_id,omitempty"`
	Direction      Direction       `json:"direction"`
	Kind           EntryKind       `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	CounterpartRef *string         `json:"counterpart_reference,omitempty"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	Status         TransferStatus  `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// EntryRequest describes one balance mutation to apply atomically.
type EntryRequest struct {
	TxnID          string
	AccountID      string
	TransferID     string
	Direction      Direction
	Kind           EntryKind
	Amount         decimal.Decimal
	Currency       string
	CounterpartRef *string
	Status         TransferStatus
}

// Validate checks the structural invariants of an entry request.
func (e *EntryRequest) Validate() error {
	if e.TxnID == "" {
		return ErrValidation("txn id is required")
	}
	if e.AccountID == "" {
		return ErrValidation("account id is required")
	}
	if e.Direction != DirectionDebit && e.Direction != DirectionCredit {
		return ErrValidation("direction must be DEBIT or CREDIT")
	}
	if !e.Amount.IsPositive() {
		return ErrValidation("amount must be positive")
	}
	if !ValidCurrency(e.Currency) {
		return ErrValidation("invalid currency code")
	}
	switch e.Kind {
	case EntryKindTransfer, EntryKindFee, EntryKindCompensation, EntryKindSettlement, EntryKindFunding:
	default:
		return ErrValidation("unknown entry kind")
	}
	if e.Kind == EntryKindFee && e.Direction != DirectionDebit {
		return ErrValidation("fee entries are debit-only")
	}
	return nil
}

// ValidationError is a malformed-request error, rejected before any
// ledger mutation is attempted.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// ErrValidation builds a ValidationError.
func ErrValidation(msg string) error {
	return &ValidationError{Msg: msg}
}
