package xerrors

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ParsePGErrorCode extracts the SQLSTATE from a pgx error.
func ParsePGErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code // e.g. 23505 for unique_violation
	}
	return "unknown"
}

// IsUniqueViolation reports whether err is a postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	return ParsePGErrorCode(err) == "23505"
}

// ViolatedConstraint returns the constraint name behind a unique violation,
// or "" when err is not one. Callers use it to tell which uniqueness rule
// fired on tables carrying more than one.
func ViolatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName
	}
	return ""
}

// Generic
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalServer = errors.New("internal server error")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not found")
)

// Accounts
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountInactive    = errors.New("account is not active")
	ErrDuplicateAccount   = errors.New("account already exists for owner and currency")
	ErrIdentifierTaken    = errors.New("account identifier already in use")
	ErrInvalidCurrency    = errors.New("invalid currency code")
	ErrRateUnavailable    = errors.New("no exchange rate for currency pair")
	ErrInvalidIdentifier  = errors.New("invalid account identifier")
	ErrUnsupportedCountry = errors.New("unsupported country format")
)

// Ledger
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrCurrencyMismatch        = errors.New("currency mismatch")
	ErrInvalidAmount           = errors.New("amount must be positive")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// Transfers
var (
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrTransferTerminal    = errors.New("transfer already in terminal status")
	ErrInvalidTransition   = errors.New("invalid transfer status transition")
	ErrCancelAfterSent     = errors.New("transfer cannot be cancelled after handoff")
	ErrProviderRejected    = errors.New("external provider rejected transfer")
	ErrProviderUnavailable = errors.New("external provider unavailable")
)
