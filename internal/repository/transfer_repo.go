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

type transferRepo struct {
	db *pgxpool.Pool
}

// NewTransferRepo returns a postgres-backed TransferStore.
func NewTransferRepo(db *pgxpool.Pool) TransferStore {
	return &transferRepo{db: db}
}

const transferColumns = `
	id, source_account_id, recipient_identifier, target_account_id, route,
	source_amount, source_currency, target_amount, target_currency,
	exchange_rate, fee, reference, provider_reference, status,
	failure_reason, created_at, updated_at, completed_at
`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	err := row.Scan(
		&t.ID,
		&t.SourceAccountID,
		&t.RecipientIdentifier,
		&t.TargetAccountID,
		&t.Route,
		&t.SourceAmount,
		&t.SourceCurrency,
		&t.TargetAmount,
		&t.TargetCurrency,
		&t.ExchangeRate,
		&t.Fee,
		&t.Reference,
		&t.ProviderReference,
		&t.Status,
		&t.FailureReason,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to scan transfer: %w", err)
	}
	return &t, nil
}

func (r *transferRepo) Create(ctx context.Context, t *domain.Transfer) error {
	query := `
		INSERT INTO transfers (` + transferColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16, $17)
	`

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.db.Exec(ctx, query,
		t.ID, t.SourceAccountID, t.RecipientIdentifier, t.TargetAccountID, t.Route,
		t.SourceAmount, t.SourceCurrency, t.TargetAmount, t.TargetCurrency,
		t.ExchangeRate, t.Fee, t.Reference, t.ProviderReference, t.Status,
		t.FailureReason, now, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

func (r *transferRepo) GetByID(ctx context.Context, id string) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	return scanTransfer(r.db.QueryRow(ctx, query, id))
}

func (r *transferRepo) ListBySourceAccount(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE source_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// UpdateStatusIf performs the guarded status transition and mirrors the new
// status onto the transfer's transaction rows in the same database
// transaction. When the guard fails it returns the current row untouched.
func (r *transferRepo) UpdateStatusIf(ctx context.Context, id string, from []domain.TransferStatus, to domain.TransferStatus, failureReason *string) (*domain.Transfer, bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}

	now := time.Now()
	var completedAt *time.Time
	if to.IsTerminal() {
		completedAt = &now
	}

	updateQuery := `
		UPDATE transfers
		SET status = $2, failure_reason = COALESCE($3, failure_reason),
		    completed_at = COALESCE($4, completed_at), updated_at = $5
		WHERE id = $1 AND status = ANY($6)
		RETURNING ` + transferColumns

	t, err := scanTransfer(tx.QueryRow(ctx, updateQuery, id, to, failureReason, completedAt, now, fromStr))
	if err != nil {
		if errors.Is(err, xerrors.ErrTransferNotFound) {
			// Guard did not match (or the transfer does not exist):
			// return the current row without mutating.
			current, getErr := r.GetByID(ctx, id)
			if getErr != nil {
				return nil, false, getErr
			}
			return current, false, nil
		}
		return nil, false, err
	}

	// Compensation entries keep their own status: a credit-back is already
	// settled even when the transfer it reverses ends up FAILED.
	mirrorQuery := `
		UPDATE transactions
		SET status = $2, completed_at = COALESCE($3, completed_at)
		WHERE transfer_id = $1 AND kind <> 'compensation'
	`
	if _, err := tx.Exec(ctx, mirrorQuery, id, to, completedAt); err != nil {
		return nil, false, fmt.Errorf("failed to mirror status onto transactions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit status transition: %w", err)
	}
	return t, true, nil
}

func (r *transferRepo) SetProviderReference(ctx context.Context, id, providerRef string) error {
	query := `
		UPDATE transfers
		SET provider_reference = $2, updated_at = $3
		WHERE id = $1
	`

	cmdTag, err := r.db.Exec(ctx, query, id, providerRef, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set provider reference: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return xerrors.ErrTransferNotFound
	}
	return nil
}
