package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"remit-service/internal/domain"
	"remit-service/pkg/xerrors"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process implementation of AccountStore, LedgerStore
// and TransferStore behind a single mutex, giving every operation the same
// atomic unit-of-work semantics as the postgres stores. It backs unit tests
// and local development without a database.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]*domain.Account
	txns      map[string]*domain.Transaction
	transfers map[string]*domain.Transfer
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*domain.Account),
		txns:      make(map[string]*domain.Transaction),
		transfers: make(map[string]*domain.Transfer),
	}
}

var (
	_ AccountStore  = (*MemoryStore)(nil)
	_ LedgerStore   = (*MemoryStore)(nil)
	_ TransferStore = (*memoryTransfers)(nil)
)

// Transfers returns the TransferStore view of the shared state. A separate
// view type is needed because AccountStore and TransferStore both name a
// Create method.
func (s *MemoryStore) Transfers() TransferStore {
	return &memoryTransfers{s: s}
}

type memoryTransfers struct {
	s *MemoryStore
}

func copyAccount(a *domain.Account) *domain.Account {
	c := *a
	return &c
}

func copyTransaction(t *domain.Transaction) *domain.Transaction {
	c := *t
	return &c
}

func copyTransfer(t *domain.Transfer) *domain.Transfer {
	c := *t
	return &c
}

// ===============================
// ACCOUNT STORE
// ===============================

func (s *MemoryStore) Create(ctx context.Context, acc *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.accounts {
		if existing.Identifier == acc.Identifier {
			return xerrors.ErrIdentifierTaken
		}
		if existing.OwnerID == acc.OwnerID && existing.OwnerType == acc.OwnerType &&
			existing.Currency == acc.Currency {
			return xerrors.ErrDuplicateAccount
		}
	}

	now := time.Now()
	acc.CreatedAt = now
	acc.UpdatedAt = now
	s.accounts[acc.ID] = copyAccount(acc)
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, xerrors.ErrAccountNotFound
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) GetByIdentifier(ctx context.Context, identifier string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.Identifier == identifier {
			return copyAccount(a), nil
		}
	}
	return nil, xerrors.ErrAccountNotFound
}

func (s *MemoryStore) GetByDomesticNumber(ctx context.Context, number, currency string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.Currency != currency {
			continue
		}
		if len(a.Identifier) >= len(number) &&
			a.Identifier[len(a.Identifier)-len(number):] == number {
			return copyAccount(a), nil
		}
	}
	return nil, xerrors.ErrAccountNotFound
}

func (s *MemoryStore) List(ctx context.Context, filter *domain.AccountFilter) ([]*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Account
	for _, a := range s.accounts {
		if filter != nil {
			if filter.OwnerID != nil && a.OwnerID != *filter.OwnerID {
				continue
			}
			if filter.Currency != nil && a.Currency != *filter.Currency {
				continue
			}
			if filter.Status != nil && a.Status != *filter.Status {
				continue
			}
		}
		out = append(out, copyAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return xerrors.ErrAccountNotFound
	}
	a.Status = status
	a.Version++
	a.UpdatedAt = time.Now()
	return nil
}

// ===============================
// LEDGER STORE
// ===============================

// Apply mirrors the postgres semantics: all entries validate and fit within
// balances before anything is written, so a failure leaves no partial state.
func (s *MemoryStore) Apply(ctx context.Context, entries []*domain.EntryRequest) ([]*domain.Transaction, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Dry run: compute resulting balances without mutating.
	pending := make(map[string]decimal.Decimal)
	for _, e := range entries {
		if _, ok := s.txns[e.TxnID]; ok {
			continue
		}
		a, ok := s.accounts[e.AccountID]
		if !ok {
			return nil, xerrors.ErrAccountNotFound
		}
		if !a.IsActive() {
			return nil, xerrors.ErrAccountInactive
		}
		if a.Currency != e.Currency {
			return nil, xerrors.ErrCurrencyMismatch
		}

		bal, ok := pending[e.AccountID]
		if !ok {
			bal = a.Balance
		}
		if e.Direction == domain.DirectionDebit {
			bal = bal.Sub(e.Amount)
		} else {
			bal = bal.Add(e.Amount)
		}
		if bal.IsNegative() {
			return nil, xerrors.ErrInsufficientFunds
		}
		pending[e.AccountID] = bal
	}

	// Commit.
	now := time.Now()
	results := make([]*domain.Transaction, 0, len(entries))
	running := make(map[string]decimal.Decimal)

	for _, e := range entries {
		if row, ok := s.txns[e.TxnID]; ok {
			results = append(results, copyTransaction(row))
			continue
		}

		a := s.accounts[e.AccountID]
		bal, ok := running[e.AccountID]
		if !ok {
			bal = a.Balance
		}
		if e.Direction == domain.DirectionDebit {
			bal = bal.Sub(e.Amount)
		} else {
			bal = bal.Add(e.Amount)
		}
		running[e.AccountID] = bal
		a.Balance = bal
		a.Version++
		a.UpdatedAt = now

		row := &domain.Transaction{
			ID:             e.TxnID,
			AccountID:      e.AccountID,
			TransferID:     e.TransferID,
			Direction:      e.Direction,
			Kind:           e.Kind,
			Amount:         e.Amount,
			Currency:       e.Currency,
			CounterpartRef: e.CounterpartRef,
			BalanceAfter:   bal,
			Status:         e.Status,
			CreatedAt:      now,
		}
		if e.Status == domain.TransferStatusCompleted {
			completed := now
			row.CompletedAt = &completed
		}
		s.txns[row.ID] = row
		results = append(results, copyTransaction(row))
	}
	return results, nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, txnID string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.txns[txnID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return copyTransaction(t), nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Transaction
	for _, t := range s.txns {
		if t.AccountID == accountID {
			out = append(out, copyTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (s *MemoryStore) ListByTransfer(ctx context.Context, transferID string) ([]*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Transaction
	for _, t := range s.txns {
		if t.TransferID == transferID {
			out = append(out, copyTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func paginate(txns []*domain.Transaction, limit, offset int) []*domain.Transaction {
	if limit <= 0 {
		limit = 100
	}
	if offset >= len(txns) {
		return nil
	}
	end := offset + limit
	if end > len(txns) {
		end = len(txns)
	}
	return txns[offset:end]
}

// ===============================
// TRANSFER STORE
// ===============================

func (m *memoryTransfers) Create(ctx context.Context, t *domain.Transfer) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.transfers[t.ID] = copyTransfer(t)
	return nil
}

func (m *memoryTransfers) GetByID(ctx context.Context, id string) (*domain.Transfer, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, xerrors.ErrTransferNotFound
	}
	return copyTransfer(t), nil
}

func (m *memoryTransfers) ListBySourceAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transfer, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Transfer
	for _, t := range s.transfers {
		if t.SourceAccountID == accountID {
			out = append(out, copyTransfer(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryTransfers) UpdateStatusIf(ctx context.Context, id string, from []domain.TransferStatus, to domain.TransferStatus, failureReason *string) (*domain.Transfer, bool, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, false, xerrors.ErrTransferNotFound
	}

	matched := false
	for _, f := range from {
		if t.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return copyTransfer(t), false, nil
	}

	now := time.Now()
	t.Status = to
	t.UpdatedAt = now
	if failureReason != nil {
		t.FailureReason = failureReason
	}
	if to.IsTerminal() && t.CompletedAt == nil {
		completed := now
		t.CompletedAt = &completed
	}

	for _, txn := range s.txns {
		if txn.TransferID != id || txn.Kind == domain.EntryKindCompensation {
			continue
		}
		txn.Status = to
		if to.IsTerminal() && txn.CompletedAt == nil {
			completed := now
			txn.CompletedAt = &completed
		}
	}
	return copyTransfer(t), true, nil
}

func (m *memoryTransfers) SetProviderReference(ctx context.Context, id, providerRef string) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return xerrors.ErrTransferNotFound
	}
	t.ProviderReference = &providerRef
	t.UpdatedAt = time.Now()
	return nil
}
