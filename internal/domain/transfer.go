package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the lifecycle state of a transfer. Ledger entries
// mirror the status of the transfer that produced them.
type TransferStatus string

const (
	TransferStatusPending    TransferStatus = "PENDING"
	TransferStatusProcessing TransferStatus = "PROCESSING"
	TransferStatusSent       TransferStatus = "SENT"
	TransferStatusCompleted  TransferStatus = "COMPLETED"
	TransferStatusFailed     TransferStatus = "FAILED"
	TransferStatusCancelled  TransferStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case TransferStatusCompleted, TransferStatusFailed, TransferStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal step of
// the state machine. FAILED and CANCELLED are reachable from any
// non-terminal state; CANCELLED only before handoff.
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case TransferStatusProcessing:
		return s == TransferStatusPending
	case TransferStatusSent:
		return s == TransferStatusProcessing
	case TransferStatusCompleted:
		return s == TransferStatusProcessing || s == TransferStatusSent
	case TransferStatusFailed:
		return true
	case TransferStatusCancelled:
		return s == TransferStatusPending || s == TransferStatusProcessing
	}
	return false
}

// RouteKind says whether a transfer settles inside the ledger or via the
// external banking provider.
type RouteKind string

const (
	RouteInternal RouteKind = "internal"
	RouteExternal RouteKind = "external"
)

// Transfer is the aggregate driven through the status state machine. It is
// immutable once terminal.
type Transfer struct {
	ID                  string          `json:"id"`
	SourceAccountID     string          `json:"source_account_id"`
	RecipientIdentifier string          `json:"recipient"`
	TargetAccountID     *string         `json:"-"` // nil for external transfers
	Route               RouteKind       `json:"route"`
	SourceAmount        decimal.Decimal `json:"source_amount"`
	SourceCurrency      string          `json:"source_currency"`
	TargetAmount        decimal.Decimal `json:"target_amount"`
	TargetCurrency      string          `json:"target_currency"`
	ExchangeRate        decimal.Decimal `json:"exchange_rate"`
	Fee                 decimal.Decimal `json:"fee"`
	Reference           string          `json:"reference"`
	ProviderReference   *string         `json:"provider_reference,omitempty"`
	Status              TransferStatus  `json:"status"`
	FailureReason       *string         `json:"failure_reason,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// IsInternal reports whether the recipient is an account held by this system.
func (t *Transfer) IsInternal() bool {
	return t.Route == RouteInternal
}

// TransferRequest is the validated input for creating a transfer.
type TransferRequest struct {
	SourceAccountID     string          `json:"source_account_id"`
	RecipientIdentifier string          `json:"recipient"`
	Amount              decimal.Decimal `json:"amount"`
	TargetCurrency      string          `json:"target_currency"`
	Reference           string          `json:"reference"`
}

// Validate rejects malformed transfer requests before any ledger work.
func (r *TransferRequest) Validate() error {
	if r.SourceAccountID == "" {
		return ErrValidation("source account id is required")
	}
	if r.RecipientIdentifier == "" {
		return ErrValidation("recipient identifier is required")
	}
	if !r.Amount.IsPositive() {
		return ErrValidation("amount must be positive")
	}
	if r.TargetCurrency != "" && !ValidCurrency(r.TargetCurrency) {
		return ErrValidation("invalid target currency")
	}
	return nil
}
