package repository

import (
	"context"

	"remit-service/internal/domain"
)

// AccountStore holds one balance-bearing record per owner and currency.
// Balances are mutated only through LedgerStore.Apply.
type AccountStore interface {
	Create(ctx context.Context, acc *domain.Account) error
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByIdentifier(ctx context.Context, identifier string) (*domain.Account, error)
	GetByDomesticNumber(ctx context.Context, number, currency string) (*domain.Account, error)
	List(ctx context.Context, filter *domain.AccountFilter) ([]*domain.Account, error)
	UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) error
}

// LedgerStore writes immutable transaction rows and the balance mutations
// they describe. Apply executes all entries as one atomic unit of work:
// balances are re-read under lock, the non-negativity invariant is checked
// inside the unit, and an entry whose txn id already exists is returned
// as-is without mutating anything (idempotency). Any failure aborts the
// entire unit.
type LedgerStore interface {
	Apply(ctx context.Context, entries []*domain.EntryRequest) ([]*domain.Transaction, error)
	GetTransaction(ctx context.Context, txnID string) (*domain.Transaction, error)
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transaction, error)
	ListByTransfer(ctx context.Context, transferID string) ([]*domain.Transaction, error)
}

// TransferStore persists transfer aggregates. UpdateStatusIf is a
// compare-and-set: the transition applies only when the current status is
// one of from, and the linked transaction rows' status moves in the same
// atomic unit. The returned transfer reflects the row after the call;
// applied is false when the guard did not match.
type TransferStore interface {
	Create(ctx context.Context, t *domain.Transfer) error
	GetByID(ctx context.Context, id string) (*domain.Transfer, error)
	ListBySourceAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transfer, error)
	UpdateStatusIf(ctx context.Context, id string, from []domain.TransferStatus, to domain.TransferStatus, failureReason *string) (*domain.Transfer, bool, error)
	SetProviderReference(ctx context.Context, id, providerRef string) error
}
