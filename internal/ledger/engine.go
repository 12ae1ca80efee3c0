// Package ledger owns every balance mutation in the system. Nothing else
// writes to account balances; callers hand the engine already-rounded
// amounts and an idempotency key, and get back the immutable transaction
// rows the mutation produced.
package ledger

import (
	"context"
	"fmt"

	"remit-service/internal/domain"
	"remit-service/internal/repository"
	"remit-service/pkg/xerrors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine performs atomic, idempotent ledger operations.
type Engine struct {
	accounts repository.AccountStore
	ledger   repository.LedgerStore
	log      *zap.Logger
}

// NewEngine wires an engine onto its stores.
func NewEngine(accounts repository.AccountStore, ledger repository.LedgerStore, log *zap.Logger) *Engine {
	return &Engine{
		accounts: accounts,
		ledger:   ledger,
		log:      log,
	}
}

// Txn id suffixes for the legs of one transfer. Deriving them from the
// transfer id keeps every leg idempotent across retries.
func DebitTxnID(transferID string) string        { return transferID + ":src" }
func CreditTxnID(transferID string) string       { return transferID + ":dst" }
func FeeTxnID(transferID string) string          { return transferID + ":fee" }
func CompensationTxnID(transferID string) string { return transferID + ":rev" }

// Meta carries the bookkeeping fields of an entry beyond the mutation itself.
type Meta struct {
	TransferID     string
	Kind           domain.EntryKind
	Status         domain.TransferStatus
	CounterpartRef *string
}

func (m Meta) withDefaults() Meta {
	if m.Kind == "" {
		m.Kind = domain.EntryKindTransfer
	}
	if m.Status == "" {
		m.Status = domain.TransferStatusCompleted
	}
	return m
}

// checkAmount enforces that the caller already rounded to minor units; the
// engine never rounds on its own, so quote and ledger always agree.
func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return xerrors.ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(domain.MinorUnits)) {
		return domain.ErrValidation("amount precision exceeds currency minor units")
	}
	return nil
}

func (e *Engine) buildEntry(ctx context.Context, accountID string, amount decimal.Decimal, txnID string, direction domain.Direction, meta Meta) (*domain.EntryRequest, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive() {
		return nil, xerrors.ErrAccountInactive
	}

	meta = meta.withDefaults()
	return &domain.EntryRequest{
		TxnID:          txnID,
		AccountID:      accountID,
		TransferID:     meta.TransferID,
		Direction:      direction,
		Kind:           meta.Kind,
		Amount:         amount,
		Currency:       account.Currency,
		CounterpartRef: meta.CounterpartRef,
		Status:         meta.Status,
	}, nil
}

// ReserveAndDebit atomically re-checks the balance and decreases it,
// recording a DEBIT row keyed by txnID. A repeated txnID returns the
// original row without moving money again.
func (e *Engine) ReserveAndDebit(ctx context.Context, accountID string, amount decimal.Decimal, txnID string, meta Meta) (*domain.Transaction, error) {
	entry, err := e.buildEntry(ctx, accountID, amount, txnID, domain.DirectionDebit, meta)
	if err != nil {
		return nil, err
	}

	rows, err := e.ledger.Apply(ctx, []*domain.EntryRequest{entry})
	if err != nil {
		return nil, fmt.Errorf("debit %s: %w", accountID, err)
	}

	e.log.Debug("ledger debit applied",
		zap.String("txn_id", txnID),
		zap.String("account_id", accountID),
		zap.String("amount", amount.String()),
	)
	return rows[0], nil
}

// Credit atomically increases the balance, recording a CREDIT row keyed by
// txnID. Idempotent on txnID.
func (e *Engine) Credit(ctx context.Context, accountID string, amount decimal.Decimal, txnID string, meta Meta) (*domain.Transaction, error) {
	entry, err := e.buildEntry(ctx, accountID, amount, txnID, domain.DirectionCredit, meta)
	if err != nil {
		return nil, err
	}

	rows, err := e.ledger.Apply(ctx, []*domain.EntryRequest{entry})
	if err != nil {
		return nil, fmt.Errorf("credit %s: %w", accountID, err)
	}

	e.log.Debug("ledger credit applied",
		zap.String("txn_id", txnID),
		zap.String("account_id", accountID),
		zap.String("amount", amount.String()),
	)
	return rows[0], nil
}

// ReserveParams describes the initial reservation of a transfer: the
// source debit plus the fee leg, applied together so the overdraft check
// covers their sum.
type ReserveParams struct {
	TransferID      string
	SourceAccountID string
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	Internal        bool
	Status          domain.TransferStatus
}

// Reserve atomically debits amount plus fee from the source account,
// recording the debit and fee rows of the transfer. The credit leg is
// deferred to completion. Idempotent on the transfer's derived txn ids.
func (e *Engine) Reserve(ctx context.Context, p ReserveParams) (*PairedResult, error) {
	if p.TransferID == "" {
		return nil, domain.ErrValidation("transfer id is required")
	}
	if err := checkAmount(p.Amount); err != nil {
		return nil, err
	}
	if p.Fee.IsNegative() {
		return nil, xerrors.ErrInvalidAmount
	}

	debitID := DebitTxnID(p.TransferID)
	var counterpart *string
	if p.Internal {
		creditID := CreditTxnID(p.TransferID)
		counterpart = &creditID
	}

	entries := make([]*domain.EntryRequest, 0, 2)
	debit, err := e.buildEntry(ctx, p.SourceAccountID, p.Amount, debitID, domain.DirectionDebit, Meta{
		TransferID:     p.TransferID,
		Kind:           debitKind(p.Internal),
		Status:         p.Status,
		CounterpartRef: counterpart,
	})
	if err != nil {
		return nil, err
	}
	entries = append(entries, debit)

	if p.Fee.IsPositive() {
		fee, err := e.buildEntry(ctx, p.SourceAccountID, p.Fee, FeeTxnID(p.TransferID), domain.DirectionDebit, Meta{
			TransferID: p.TransferID,
			Kind:       domain.EntryKindFee,
			Status:     p.Status,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, fee)
	}

	rows, err := e.ledger.Apply(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", p.TransferID, err)
	}

	result := &PairedResult{}
	for _, row := range rows {
		switch row.ID {
		case debitID:
			result.Debit = row
		case FeeTxnID(p.TransferID):
			result.FeeRow = row
		}
	}

	e.log.Info("transfer reservation applied",
		zap.String("transfer_id", p.TransferID),
		zap.String("account_id", p.SourceAccountID),
		zap.String("amount", p.Amount.String()),
		zap.String("fee", p.Fee.String()),
	)
	return result, nil
}

// PairedTransferParams describes the legs of one transfer settlement.
// TargetAccountID empty means the recipient is external: only the debit
// (and fee) legs apply, and the credit is deferred to the provider's
// confirmation.
type PairedTransferParams struct {
	TransferID      string
	SourceAccountID string
	TargetAccountID string
	SourceAmount    decimal.Decimal
	TargetAmount    decimal.Decimal
	Fee             decimal.Decimal
	Status          domain.TransferStatus
}

// PairedResult holds the rows produced (or re-read) by PairedTransfer.
type PairedResult struct {
	Debit  *domain.Transaction
	Credit *domain.Transaction // nil for external transfers
	FeeRow *domain.Transaction // nil when no fee was charged
}

// PairedTransfer applies the debit and credit legs of a transfer as one
// atomic unit, plus an optional fee leg, which is debit-only and has no
// paired credit. Every leg is idempotent on its derived txn id, so calling
// PairedTransfer again after a partial earlier run completes only the
// missing legs.
func (e *Engine) PairedTransfer(ctx context.Context, p PairedTransferParams) (*PairedResult, error) {
	if p.TransferID == "" {
		return nil, domain.ErrValidation("transfer id is required")
	}
	if err := checkAmount(p.SourceAmount); err != nil {
		return nil, err
	}
	if p.Fee.IsNegative() {
		return nil, xerrors.ErrInvalidAmount
	}

	debitID := DebitTxnID(p.TransferID)
	creditID := CreditTxnID(p.TransferID)

	internal := p.TargetAccountID != ""
	var counterpart *string
	if internal {
		counterpart = &creditID
	}

	entries := make([]*domain.EntryRequest, 0, 3)

	debit, err := e.buildEntry(ctx, p.SourceAccountID, p.SourceAmount, debitID, domain.DirectionDebit, Meta{
		TransferID:     p.TransferID,
		Kind:           debitKind(internal),
		Status:         p.Status,
		CounterpartRef: counterpart,
	})
	if err != nil {
		return nil, err
	}
	entries = append(entries, debit)

	if p.Fee.IsPositive() {
		fee, err := e.buildEntry(ctx, p.SourceAccountID, p.Fee, FeeTxnID(p.TransferID), domain.DirectionDebit, Meta{
			TransferID: p.TransferID,
			Kind:       domain.EntryKindFee,
			Status:     p.Status,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, fee)
	}

	if internal {
		if err := checkAmount(p.TargetAmount); err != nil {
			return nil, err
		}
		credit, err := e.buildEntry(ctx, p.TargetAccountID, p.TargetAmount, creditID, domain.DirectionCredit, Meta{
			TransferID:     p.TransferID,
			Kind:           domain.EntryKindTransfer,
			Status:         p.Status,
			CounterpartRef: &debitID,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, credit)
	}

	rows, err := e.ledger.Apply(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("paired transfer %s: %w", p.TransferID, err)
	}

	result := &PairedResult{}
	for _, row := range rows {
		switch row.ID {
		case debitID:
			result.Debit = row
		case creditID:
			result.Credit = row
		case FeeTxnID(p.TransferID):
			result.FeeRow = row
		}
	}

	e.log.Info("paired transfer applied",
		zap.String("transfer_id", p.TransferID),
		zap.Bool("internal", internal),
		zap.String("source_amount", p.SourceAmount.String()),
		zap.String("fee", p.Fee.String()),
	)
	return result, nil
}

func debitKind(internal bool) domain.EntryKind {
	if internal {
		return domain.EntryKindTransfer
	}
	return domain.EntryKindSettlement
}

// Transaction fetches one ledger row by txn id.
func (e *Engine) Transaction(ctx context.Context, txnID string) (*domain.Transaction, error) {
	return e.ledger.GetTransaction(ctx, txnID)
}

// Entries lists the ledger rows produced by one transfer.
func (e *Engine) Entries(ctx context.Context, transferID string) ([]*domain.Transaction, error) {
	return e.ledger.ListByTransfer(ctx, transferID)
}

// History lists an account's ledger rows, newest first.
func (e *Engine) History(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transaction, error) {
	return e.ledger.ListByAccount(ctx, accountID, limit, offset)
}

// Compensate credits back a committed debit (amount plus fee) after a
// downstream failure, as its own idempotent ledger entry.
func (e *Engine) Compensate(ctx context.Context, transferID, accountID string, amount decimal.Decimal) (*domain.Transaction, error) {
	row, err := e.Credit(ctx, accountID, amount, CompensationTxnID(transferID), Meta{
		TransferID: transferID,
		Kind:       domain.EntryKindCompensation,
		Status:     domain.TransferStatusCompleted,
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("compensating credit applied",
		zap.String("transfer_id", transferID),
		zap.String("account_id", accountID),
		zap.String("amount", amount.String()),
	)
	return row, nil
}
