package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"remit-service/internal/domain"
	"remit-service/pkg/xerrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type ledgerRepo struct {
	db *pgxpool.Pool
}

// NewLedgerRepo returns a postgres-backed LedgerStore.
func NewLedgerRepo(db *pgxpool.Pool) LedgerStore {
	return &ledgerRepo{db: db}
}

const transactionColumns = `
	id, account_id, transfer_id, direction, kind, amount, currency,
	counterpart_ref, balance_after, status, created_at, completed_at
`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(
		&t.ID,
		&t.AccountID,
		&t.TransferID,
		&t.Direction,
		&t.Kind,
		&t.Amount,
		&t.Currency,
		&t.CounterpartRef,
		&t.BalanceAfter,
		&t.Status,
		&t.CreatedAt,
		&t.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return &t, nil
}

// Apply executes all entries in one database transaction. Accounts are
// locked in sorted id order to avoid lock-order deadlocks between
// concurrent paired transfers; the balance check happens on the locked row
// so two concurrent debits can never overdraw together.
func (r *ledgerRepo) Apply(ctx context.Context, entries []*domain.EntryRequest) ([]*domain.Transaction, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Existing txn ids are returned untouched.
	existing := make(map[string]*domain.Transaction)
	for _, e := range entries {
		row, err := r.getTransactionTx(ctx, tx, e.TxnID)
		if err == nil {
			existing[e.TxnID] = row
			continue
		}
		if !errors.Is(err, xerrors.ErrNotFound) {
			return nil, err
		}
	}

	balances, err := r.lockBalances(ctx, tx, entries, existing)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	results := make([]*domain.Transaction, 0, len(entries))

	for _, e := range entries {
		if row, ok := existing[e.TxnID]; ok {
			results = append(results, row)
			continue
		}

		bal := balances[e.AccountID]
		if e.Direction == domain.DirectionDebit {
			bal = bal.Sub(e.Amount)
		} else {
			bal = bal.Add(e.Amount)
		}
		if bal.IsNegative() {
			return nil, xerrors.ErrInsufficientFunds
		}
		balances[e.AccountID] = bal

		updateQuery := `
			UPDATE accounts
			SET balance = $1, version = version + 1, updated_at = $2
			WHERE id = $3
		`
		if _, err := tx.Exec(ctx, updateQuery, bal, now, e.AccountID); err != nil {
			return nil, fmt.Errorf("failed to update balance: %w", err)
		}

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

		insertQuery := `
			INSERT INTO transactions (` + transactionColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`
		_, err := tx.Exec(ctx, insertQuery,
			row.ID, row.AccountID, row.TransferID, row.Direction, row.Kind,
			row.Amount, row.Currency, row.CounterpartRef, row.BalanceAfter,
			row.Status, row.CreatedAt, row.CompletedAt,
		)
		if err != nil {
			if xerrors.IsUniqueViolation(err) {
				return nil, xerrors.ErrDuplicateIdempotencyKey
			}
			return nil, fmt.Errorf("failed to insert transaction: %w", err)
		}
		results = append(results, row)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit ledger unit: %w", err)
	}
	return results, nil
}

// lockBalances locks every account touched by a fresh entry and validates
// currency and lifecycle state on the locked row.
func (r *ledgerRepo) lockBalances(ctx context.Context, tx pgx.Tx, entries []*domain.EntryRequest, existing map[string]*domain.Transaction) (map[string]decimal.Decimal, error) {
	ids := make([]string, 0, len(entries))
	currency := make(map[string]string)
	seen := make(map[string]bool)

	for _, e := range entries {
		if _, ok := existing[e.TxnID]; ok {
			continue
		}
		if !seen[e.AccountID] {
			seen[e.AccountID] = true
			ids = append(ids, e.AccountID)
		}
		currency[e.AccountID] = e.Currency
	}
	sort.Strings(ids)

	balances := make(map[string]decimal.Decimal, len(ids))
	for _, id := range ids {
		query := `
			SELECT balance, currency, status
			FROM accounts
			WHERE id = $1
			FOR UPDATE
		`

		var balance decimal.Decimal
		var cur string
		var status domain.AccountStatus
		if err := tx.QueryRow(ctx, query, id).Scan(&balance, &cur, &status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, xerrors.ErrAccountNotFound
			}
			return nil, fmt.Errorf("failed to lock account %s: %w", id, err)
		}
		if status != domain.AccountStatusActive {
			return nil, xerrors.ErrAccountInactive
		}
		if cur != currency[id] {
			return nil, xerrors.ErrCurrencyMismatch
		}
		balances[id] = balance
	}
	return balances, nil
}

func (r *ledgerRepo) getTransactionTx(ctx context.Context, tx pgx.Tx, txnID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(tx.QueryRow(ctx, query, txnID))
}

func (r *ledgerRepo) GetTransaction(ctx context.Context, txnID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, txnID))
}

func (r *ledgerRepo) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func (r *ledgerRepo) ListByTransfer(ctx context.Context, transferID string) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE transfer_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer transactions: %w", err)
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]*domain.Transaction, error) {
	var txns []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}
