package transfer

import (
	"context"
	"errors"
	"strings"

	"remit-service/internal/domain"
	"remit-service/internal/repository"
	"remit-service/pkg/xerrors"

	"go.uber.org/zap"
)

// Resolver classifies a recipient identifier as an account held here or an
// external one. Resolution is read-only; the ledger engine re-validates the
// resolved account before any money moves.
type Resolver struct {
	accounts repository.AccountStore
	log      *zap.Logger

	// AllowSuffixMatch enables the legacy last-4-characters fallback.
	// Off by default: a 4-character suffix can collide across unrelated
	// accounts, silently routing money to the wrong one.
	AllowSuffixMatch bool
}

// NewResolver wires a resolver over the account store.
func NewResolver(accounts repository.AccountStore, log *zap.Logger) *Resolver {
	return &Resolver{accounts: accounts, log: log}
}

// Resolution is the outcome of classifying a recipient.
type Resolution struct {
	Route   domain.RouteKind
	Account *domain.Account // nil when Route is external
}

// Normalize strips spacing and uppercases an identifier as entered by a user.
func Normalize(identifier string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(identifier), " ", ""))
}

// Resolve classifies identifier, first by exact international match, then
// by domestic account number within targetCurrency, then (if enabled) by
// suffix. No match means the transfer is external.
func (r *Resolver) Resolve(ctx context.Context, identifier, targetCurrency string) (*Resolution, error) {
	id := Normalize(identifier)
	if id == "" {
		return nil, domain.ErrValidation("recipient identifier is required")
	}

	acc, err := r.accounts.GetByIdentifier(ctx, id)
	if err == nil {
		return &Resolution{Route: domain.RouteInternal, Account: acc}, nil
	}
	if !errors.Is(err, xerrors.ErrAccountNotFound) {
		return nil, err
	}

	if targetCurrency != "" {
		acc, err = r.accounts.GetByDomesticNumber(ctx, id, targetCurrency)
		if err == nil {
			return &Resolution{Route: domain.RouteInternal, Account: acc}, nil
		}
		if !errors.Is(err, xerrors.ErrAccountNotFound) {
			return nil, err
		}
	}

	if r.AllowSuffixMatch {
		acc, err = r.suffixMatch(ctx, id, targetCurrency)
		if err != nil {
			return nil, err
		}
		if acc != nil {
			r.log.Warn("recipient resolved by suffix match",
				zap.String("identifier_suffix", suffix(id)),
				zap.String("account_id", acc.ID),
			)
			return &Resolution{Route: domain.RouteInternal, Account: acc}, nil
		}
	}

	return &Resolution{Route: domain.RouteExternal}, nil
}

func suffix(id string) string {
	if len(id) <= 4 {
		return id
	}
	return id[len(id)-4:]
}

// suffixMatch returns an account whose identifier ends with the same 4
// characters, but only when exactly one such account exists; an ambiguous
// suffix resolves to nothing rather than guessing.
func (r *Resolver) suffixMatch(ctx context.Context, id, targetCurrency string) (*domain.Account, error) {
	filter := &domain.AccountFilter{}
	if targetCurrency != "" {
		filter.Currency = &targetCurrency
	}
	all, err := r.accounts.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	sfx := suffix(id)
	var match *domain.Account
	for _, a := range all {
		if strings.HasSuffix(a.Identifier, sfx) {
			if match != nil {
				r.log.Warn("ambiguous suffix match discarded", zap.String("identifier_suffix", sfx))
				return nil, nil
			}
			match = a
		}
	}
	return match, nil
}
