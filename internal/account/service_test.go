package account

import (
	"context"
	"errors"
	"testing"

	"remit-service/internal/domain"
	"remit-service/internal/ledger"
	"remit-service/internal/repository"
	"remit-service/pkg/iban"
	"remit-service/pkg/xerrors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newService(t *testing.T) (*Service, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	engine := ledger.NewEngine(store, store, zap.NewNop())
	return NewService(store, engine, zap.NewNop()), store
}

func TestOpenAccount(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	acc, err := svc.Open(ctx, domain.AccountCreate{OwnerID: "u-42", Currency: "EUR"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(acc.Identifier) != iban.FormatES.Length() || acc.Identifier[:2] != "ES" {
		t.Errorf("identifier = %q, want 24-char ES format", acc.Identifier)
	}
	if !iban.Validate(acc.Identifier) {
		t.Errorf("identifier %q fails checksum validation", acc.Identifier)
	}
	if !acc.Balance.IsZero() {
		t.Errorf("new account balance = %s, want 0", acc.Balance)
	}
	if acc.Status != domain.AccountStatusActive {
		t.Errorf("status = %s, want ACTIVE", acc.Status)
	}

	// Same owner and currency again is a duplicate, not a new account.
	_, err = svc.Open(ctx, domain.AccountCreate{OwnerID: "u-42", Currency: "EUR"})
	if !errors.Is(err, xerrors.ErrDuplicateAccount) {
		t.Fatalf("err = %v, want ErrDuplicateAccount", err)
	}

	// A second currency gets its own account and identifier.
	usd, err := svc.Open(ctx, domain.AccountCreate{OwnerID: "u-42", Currency: "USD"})
	if err != nil {
		t.Fatalf("open usd: %v", err)
	}
	if usd.Identifier == acc.Identifier {
		t.Error("identifiers collide across currencies")
	}
}

func TestOpenAccountFormats(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	de, err := svc.Open(ctx, domain.AccountCreate{OwnerID: "u-1", Currency: "EUR", Country: "DE"})
	if err != nil {
		t.Fatalf("open DE: %v", err)
	}
	if len(de.Identifier) != iban.FormatDE.Length() || de.Identifier[:2] != "DE" {
		t.Errorf("identifier = %q, want 22-char DE format", de.Identifier)
	}

	_, err = svc.Open(ctx, domain.AccountCreate{OwnerID: "u-2", Currency: "EUR", Country: "FR"})
	if !errors.Is(err, xerrors.ErrUnsupportedCountry) {
		t.Fatalf("err = %v, want ErrUnsupportedCountry", err)
	}
	_, err = svc.Open(ctx, domain.AccountCreate{OwnerID: "u-3", Currency: "euro"})
	if !errors.Is(err, xerrors.ErrInvalidCurrency) {
		t.Fatalf("err = %v, want ErrInvalidCurrency", err)
	}
}

func TestOpenRetriesOnIdentifierCollision(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	// Occupy the unsalted identifier another owner would derive.
	taken, err := iban.Generate(iban.FormatES, "u-42", "EUR")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	squatter := &domain.Account{
		ID:         "squatter",
		OwnerType:  domain.OwnerTypeUser,
		OwnerID:    "someone-else",
		Currency:   "EUR",
		Identifier: taken,
		Balance:    decimal.Zero,
		Status:     domain.AccountStatusActive,
	}
	if err := store.Create(ctx, squatter); err != nil {
		t.Fatalf("seed squatter: %v", err)
	}

	acc, err := svc.Open(ctx, domain.AccountCreate{OwnerID: "u-42", Currency: "EUR"})
	if err != nil {
		t.Fatalf("open with collision: %v", err)
	}
	if acc.Identifier == taken {
		t.Fatal("collided identifier was reused")
	}
	if !iban.Validate(acc.Identifier) {
		t.Errorf("salted identifier %q fails checksum", acc.Identifier)
	}
}

func TestStatusLifecycle(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	acc, err := svc.Open(ctx, domain.AccountCreate{OwnerID: "u-1", Currency: "EUR"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := svc.Suspend(ctx, acc.ID); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	got, _ := svc.Get(ctx, acc.ID)
	if got.Status != domain.AccountStatusSuspended {
		t.Fatalf("status = %s, want SUSPENDED", got.Status)
	}

	if err := svc.Reactivate(ctx, acc.ID); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	got, _ = svc.Get(ctx, acc.ID)
	if got.Status != domain.AccountStatusActive {
		t.Fatalf("status = %s, want ACTIVE", got.Status)
	}

	if err := svc.Close(ctx, acc.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Reactivate(ctx, acc.ID); !errors.Is(err, xerrors.ErrAccountInactive) {
		t.Fatalf("reactivate closed: err = %v, want ErrAccountInactive", err)
	}
}

func TestSeedSystemAccount(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	initial := decimal.RequireFromString("1000.00")

	acc, err := svc.SeedSystemAccount(ctx, "EUR", initial)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if acc.OwnerType != domain.OwnerTypeSystem {
		t.Errorf("owner type = %s, want system", acc.OwnerType)
	}

	got, err := svc.Get(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Balance.Equal(initial) {
		t.Errorf("balance = %s, want 1000.00", got.Balance)
	}

	// Seeding again is a no-op returning the existing account.
	again, err := svc.SeedSystemAccount(ctx, "EUR", initial)
	if err != nil {
		t.Fatalf("repeat seed: %v", err)
	}
	if again.ID != acc.ID {
		t.Fatalf("repeat seed created a second account")
	}
	got, _ = svc.Get(ctx, acc.ID)
	if !got.Balance.Equal(initial) {
		t.Errorf("balance after repeat seed = %s, want 1000.00", got.Balance)
	}
}
