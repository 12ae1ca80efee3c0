// Package account opens and manages balance accounts. Identifier
// derivation is delegated to pkg/iban; uniqueness is enforced by the store,
// with a salted retry when two owners collide on a derived identifier.
package account

import (
	"context"
	"errors"
	"fmt"

	"remit-service/internal/domain"
	"remit-service/internal/ledger"
	"remit-service/internal/repository"
	"remit-service/pkg/iban"
	"remit-service/pkg/xerrors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxSaltRetries bounds the identifier collision retry loop. Collisions
// require two owners to hash onto the same 18 digits, so more than a couple
// of retries means something else is wrong.
const maxSaltRetries = 5

// Service manages account lifecycle. Balance mutations still go through
// the ledger engine only.
type Service struct {
	accounts repository.AccountStore
	engine   *ledger.Engine
	log      *zap.Logger
}

// NewService wires an account service.
func NewService(accounts repository.AccountStore, engine *ledger.Engine, log *zap.Logger) *Service {
	return &Service{
		accounts: accounts,
		engine:   engine,
		log:      log,
	}
}

// Open creates an account for an owner and currency. The derived
// identifier is deterministic for the (owner, currency) pair; when it is
// already held by another owner the derivation is retried with a salt.
func (s *Service) Open(ctx context.Context, req domain.AccountCreate) (*domain.Account, error) {
	if !domain.ValidCurrency(req.Currency) {
		return nil, xerrors.ErrInvalidCurrency
	}
	if req.OwnerID == "" {
		return nil, domain.ErrValidation("owner id is required")
	}

	format := iban.Format(req.Country)
	if req.Country == "" {
		format = iban.FormatES
	}
	if format.Length() == 0 {
		return nil, xerrors.ErrUnsupportedCountry
	}

	ownerType := req.OwnerType
	if ownerType == "" {
		ownerType = domain.OwnerTypeUser
	}

	for salt := 0; salt <= maxSaltRetries; salt++ {
		identifier, err := iban.GenerateWithSalt(format, req.OwnerID, req.Currency, salt)
		if err != nil {
			return nil, fmt.Errorf("failed to derive identifier: %w", err)
		}

		acc := &domain.Account{
			ID:         uuid.NewString(),
			OwnerType:  ownerType,
			OwnerID:    req.OwnerID,
			Currency:   req.Currency,
			Identifier: identifier,
			Balance:    decimal.Zero,
			Status:     domain.AccountStatusActive,
		}

		err = s.accounts.Create(ctx, acc)
		if err == nil {
			s.log.Info("account opened",
				zap.String("account_id", acc.ID),
				zap.String("owner_id", acc.OwnerID),
				zap.String("currency", acc.Currency),
				zap.String("identifier", acc.Identifier),
				zap.Int("salt", salt),
			)
			return acc, nil
		}
		if errors.Is(err, xerrors.ErrIdentifierTaken) {
			s.log.Warn("identifier collision, retrying with salt",
				zap.String("owner_id", req.OwnerID),
				zap.String("currency", req.Currency),
				zap.Int("salt", salt+1),
			)
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to open account after %d salted retries: %w", maxSaltRetries, xerrors.ErrIdentifierTaken)
}

// Get fetches one account.
func (s *Service) Get(ctx context.Context, id string) (*domain.Account, error) {
	return s.accounts.GetByID(ctx, id)
}

// ListByOwner lists the accounts held by one owner.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Account, error) {
	return s.accounts.List(ctx, &domain.AccountFilter{OwnerID: &ownerID})
}

// Suspend blocks an account from participating in transfers.
func (s *Service) Suspend(ctx context.Context, id string) error {
	return s.accounts.UpdateStatus(ctx, id, domain.AccountStatusSuspended)
}

// Reactivate returns a suspended account to service.
func (s *Service) Reactivate(ctx context.Context, id string) error {
	acc, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if acc.Status == domain.AccountStatusClosed {
		return xerrors.ErrAccountInactive
	}
	return s.accounts.UpdateStatus(ctx, id, domain.AccountStatusActive)
}

// Close permanently retires an account. Closed accounts keep their rows
// and history; they are never deleted.
func (s *Service) Close(ctx context.Context, id string) error {
	return s.accounts.UpdateStatus(ctx, id, domain.AccountStatusClosed)
}

// SeedSystemAccount ensures the system liquidity account for a currency
// exists with its starting balance. Used by the sandbox to fund demo users;
// the funding credit goes through the ledger engine like any other entry.
func (s *Service) SeedSystemAccount(ctx context.Context, currency string, initial decimal.Decimal) (*domain.Account, error) {
	ownerID := "SYSTEM"
	existing, err := s.accounts.List(ctx, &domain.AccountFilter{OwnerID: &ownerID, Currency: &currency})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	acc, err := s.Open(ctx, domain.AccountCreate{
		OwnerType: domain.OwnerTypeSystem,
		OwnerID:   ownerID,
		Currency:  currency,
		Country:   string(iban.FormatES),
	})
	if err != nil {
		return nil, err
	}

	if initial.IsPositive() {
		_, err = s.engine.Credit(ctx, acc.ID, initial, "seed:"+acc.ID, ledger.Meta{
			Kind:   domain.EntryKindFunding,
			Status: domain.TransferStatusCompleted,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fund system account: %w", err)
		}
	}
	return acc, nil
}
