package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remit-service/internal/domain"
	"remit-service/pkg/xerrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type accountRepo struct {
	db *pgxpool.Pool
}

// NewAccountRepo returns a postgres-backed AccountStore.
func NewAccountRepo(db *pgxpool.Pool) AccountStore {
	return &accountRepo{db: db}
}

const accountColumns = `
	id, owner_type, owner_id, currency, identifier, balance, status, version, created_at, updated_at
`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.ID,
		&a.OwnerType,
		&a.OwnerID,
		&a.Currency,
		&a.Identifier,
		&a.Balance,
		&a.Status,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &a, nil
}

// Constraint names on the accounts table. The caller's reaction differs
// per constraint: an identifier collision is retried with a salt, a
// duplicate (owner, currency) pair is a hard reject.
const (
	accountsIdentifierConstraint    = "accounts_identifier_key"
	accountsOwnerCurrencyConstraint = "accounts_owner_id_currency_key"
)

// mapAccountUniqueViolation resolves a 23505 on accounts to the sentinel
// matching the violated constraint.
func mapAccountUniqueViolation(err error) error {
	if xerrors.ViolatedConstraint(err) == accountsOwnerCurrencyConstraint {
		return xerrors.ErrDuplicateAccount
	}
	return xerrors.ErrIdentifierTaken
}

// Create inserts a new account. The identifier and the (owner, currency)
// pair carry unique constraints; violations surface as distinct sentinels
// so the caller can retry identifier derivation with a salt, or reject a
// reopened currency account outright.
func (r *accountRepo) Create(ctx context.Context, acc *domain.Account) error {
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
	`

	now := time.Now()
	acc.CreatedAt = now
	acc.UpdatedAt = now

	_, err := r.db.Exec(ctx, query,
		acc.ID,
		acc.OwnerType,
		acc.OwnerID,
		acc.Currency,
		acc.Identifier,
		acc.Balance,
		acc.Status,
		now,
	)
	if err != nil {
		if xerrors.IsUniqueViolation(err) {
			return mapAccountUniqueViolation(err)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *accountRepo) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, id))
}

func (r *accountRepo) GetByIdentifier(ctx context.Context, identifier string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE identifier = $1`
	return scanAccount(r.db.QueryRow(ctx, query, identifier))
}

// GetByDomesticNumber matches the country-specific account number field,
// constrained to a currency. The domestic number is the identifier's tail,
// stored denormalized at creation time via a generated column.
func (r *accountRepo) GetByDomesticNumber(ctx context.Context, number, currency string) (*domain.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE domestic_number = $1 AND currency = $2
	`
	return scanAccount(r.db.QueryRow(ctx, query, number, currency))
}

func (r *accountRepo) List(ctx context.Context, filter *domain.AccountFilter) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE 1=1`
	args := []any{}
	idx := 1

	if filter != nil {
		if filter.OwnerID != nil {
			query += fmt.Sprintf(" AND owner_id = $%d", idx)
			args = append(args, *filter.OwnerID)
			idx++
		}
		if filter.Currency != nil {
			query += fmt.Sprintf(" AND currency = $%d", idx)
			args = append(args, *filter.Currency)
			idx++
		}
		if filter.Status != nil {
			query += fmt.Sprintf(" AND status = $%d", idx)
			args = append(args, *filter.Status)
			idx++
		}
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateStatus transitions the account lifecycle state. Accounts are never
// deleted; CLOSED is the final state.
func (r *accountRepo) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	query := `
		UPDATE accounts
		SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3
	`

	cmdTag, err := r.db.Exec(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return xerrors.ErrAccountNotFound
	}
	return nil
}
