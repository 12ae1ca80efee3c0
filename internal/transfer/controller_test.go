package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remit-service/internal/domain"
	"remit-service/internal/ledger"
	"remit-service/internal/repository"
	"remit-service/pkg/iban"
	"remit-service/pkg/xerrors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type scriptedProvider struct {
	mu        sync.Mutex
	accept    bool
	reason    string
	submitted []SubmitRequest
}

func (p *scriptedProvider) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, req)
	if !p.accept {
		return &SubmitResult{Accepted: false, Reason: p.reason}, nil
	}
	return &SubmitResult{ProviderReference: "prov-ref-1", Accepted: true}, nil
}

type fixture struct {
	store      *repository.MemoryStore
	controller *Controller
	provider   *scriptedProvider
	sched      *Scheduler
}

// newFixture wires a controller whose scheduled steps never fire on their
// own; tests drive Advance explicitly.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	store := repository.NewMemoryStore()
	engine := ledger.NewEngine(store, store, log)
	provider := &scriptedProvider{accept: true}
	sched := NewScheduler(log)
	t.Cleanup(sched.Shutdown)

	controller := NewController(ControllerParams{
		Transfers: store.Transfers(),
		Accounts:  store,
		Engine:    engine,
		Resolver:  NewResolver(store, log),
		Quoter:    NewQuoter(DefaultRates(), nil, domain.FeePolicy{}),
		Provider:  provider,
		Scheduler: sched,
		Logger:    log,
		StepDelay: time.Hour,
	})
	return &fixture{store: store, controller: controller, provider: provider, sched: sched}
}

func (f *fixture) seed(t *testing.T, owner, currency, balance string) *domain.Account {
	t.Helper()
	identifier, err := iban.Generate(iban.FormatES, owner, currency)
	if err != nil {
		t.Fatalf("derive identifier: %v", err)
	}
	acc := &domain.Account{
		ID:         "acc-" + owner + "-" + currency,
		OwnerType:  domain.OwnerTypeUser,
		OwnerID:    owner,
		Currency:   currency,
		Identifier: identifier,
		Balance:    decimal.RequireFromString(balance),
		Status:     domain.AccountStatusActive,
	}
	if err := f.store.Create(context.Background(), acc); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return acc
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	acc, err := f.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return acc.Balance
}

func (f *fixture) advance(t *testing.T, id string) *domain.Transfer {
	t.Helper()
	ctx := context.Background()
	if err := f.controller.Advance(ctx, id); err != nil {
		t.Fatalf("advance: %v", err)
	}
	tr, err := f.controller.Get(ctx, id)
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	return tr
}

func TestInternalTransferLifecycle(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "500.00")
	dst := f.seed(t, "bob", "EUR", "100.00")
	ctx := context.Background()

	tr, err := f.controller.Create(ctx, "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: dst.Identifier,
		Amount:              decimal.RequireFromString("200.00"),
		Reference:           "rent",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.Status != domain.TransferStatusPending {
		t.Fatalf("status = %s, want PENDING", tr.Status)
	}
	if tr.Route != domain.RouteInternal {
		t.Fatalf("route = %s, want internal", tr.Route)
	}

	// Funds leave the source at creation; the recipient waits for
	// completion.
	if got := f.balance(t, src.ID); !got.Equal(decimal.RequireFromString("300.00")) {
		t.Errorf("source balance = %s, want 300.00", got)
	}
	if got := f.balance(t, dst.ID); !got.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("target balance = %s, want 100.00", got)
	}

	// Each intermediate state is persisted on the way to COMPLETED.
	if got := f.advance(t, tr.ID).Status; got != domain.TransferStatusProcessing {
		t.Fatalf("after 1st advance: %s, want PROCESSING", got)
	}
	if got := f.advance(t, tr.ID).Status; got != domain.TransferStatusSent {
		t.Fatalf("after 2nd advance: %s, want SENT", got)
	}
	final := f.advance(t, tr.ID)
	if final.Status != domain.TransferStatusCompleted {
		t.Fatalf("after 3rd advance: %s, want COMPLETED", final.Status)
	}

	if got := f.balance(t, src.ID); !got.Equal(decimal.RequireFromString("300.00")) {
		t.Errorf("source balance = %s, want 300.00", got)
	}
	if got := f.balance(t, dst.ID); !got.Equal(decimal.RequireFromString("300.00")) {
		t.Errorf("target balance = %s, want 300.00", got)
	}

	rows, err := f.controller.Entries(ctx, tr.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want exactly 2", len(rows))
	}
	for _, row := range rows {
		if row.CounterpartRef == nil {
			t.Errorf("row %s has no counterpart link", row.ID)
		}
		if row.Status != domain.TransferStatusCompleted {
			t.Errorf("row %s status = %s, want COMPLETED", row.ID, row.Status)
		}
	}
}

func TestCreateInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "100.00")
	dst := f.seed(t, "bob", "EUR", "0.00")
	ctx := context.Background()

	_, err := f.controller.Create(ctx, "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: dst.Identifier,
		Amount:              decimal.RequireFromString("150.00"),
	})
	if !errors.Is(err, xerrors.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if got := f.balance(t, src.ID); !got.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("source balance = %s, want untouched 100.00", got)
	}
}

func TestCreateRejectsForeignAccount(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "100.00")
	dst := f.seed(t, "bob", "EUR", "0.00")

	_, err := f.controller.Create(context.Background(), "mallory", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: dst.Identifier,
		Amount:              decimal.RequireFromString("10.00"),
	})
	if !errors.Is(err, xerrors.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestCreateCurrencyMismatch(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "100.00")
	dst := f.seed(t, "bob", "EUR", "0.00")

	_, err := f.controller.Create(context.Background(), "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: dst.Identifier,
		Amount:              decimal.RequireFromString("10.00"),
		TargetCurrency:      "GBP",
	})
	if !errors.Is(err, xerrors.ErrCurrencyMismatch) {
		t.Fatalf("err = %v, want ErrCurrencyMismatch", err)
	}
}

func TestCreateRejectsSelfTransfer(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "100.00")

	var vErr *domain.ValidationError
	_, err := f.controller.Create(context.Background(), "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: src.Identifier,
		Amount:              decimal.RequireFromString("10.00"),
	})
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestCancelBeforeSentCompensates(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "500.00")
	dst := f.seed(t, "bob", "EUR", "0.00")
	ctx := context.Background()

	tr, err := f.controller.Create(ctx, "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: dst.Identifier,
		Amount:              decimal.RequireFromString("200.00"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := f.controller.Cancel(ctx, tr.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.TransferStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}
	if got := f.balance(t, src.ID); !got.Equal(decimal.RequireFromString("500.00")) {
		t.Errorf("source balance = %s, want restored 500.00", got)
	}
	if got := f.balance(t, dst.ID); !got.IsZero() {
		t.Errorf("target balance = %s, want 0", got)
	}

	// A repeated cancel converges on the same state without a second
	// refund.
	again, err := f.controller.Cancel(ctx, tr.ID)
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again.Status != domain.TransferStatusCancelled {
		t.Fatalf("repeat status = %s", again.Status)
	}
	if got := f.balance(t, src.ID); !got.Equal(decimal.RequireFromString("500.00")) {
		t.Errorf("balance after repeat cancel = %s, want 500.00", got)
	}

	// A stale scheduled step against the cancelled transfer is a no-op.
	if err := f.controller.Advance(ctx, tr.ID); err != nil {
		t.Fatalf("stale advance: %v", err)
	}
	got, _ := f.controller.Get(ctx, tr.ID)
	if got.Status != domain.TransferStatusCancelled {
		t.Errorf("stale advance moved status to %s", got.Status)
	}
}

func TestCancelAfterSentRejected(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "500.00")
	dst := f.seed(t, "bob", "EUR", "0.00")
	ctx := context.Background()

	tr, err := f.controller.Create(ctx, "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: dst.Identifier,
		Amount:              decimal.RequireFromString("50.00"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.advance(t, tr.ID) // PROCESSING
	f.advance(t, tr.ID) // SENT

	_, err = f.controller.Cancel(ctx, tr.ID)
	if !errors.Is(err, xerrors.ErrCancelAfterSent) {
		t.Fatalf("err = %v, want ErrCancelAfterSent", err)
	}
}

func TestFailCompensatesAndBlocksCompletion(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "500.00")
	dst := f.seed(t, "bob", "EUR", "0.00")
	ctx := context.Background()

	tr, err := f.controller.Create(ctx, "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: dst.Identifier,
		Amount:              decimal.RequireFromString("200.00"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.advance(t, tr.ID) // PROCESSING

	failed, err := f.controller.Fail(ctx, tr.ID, "manual intervention")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != domain.TransferStatusFailed {
		t.Fatalf("status = %s, want FAILED", failed.Status)
	}
	if failed.FailureReason == nil || *failed.FailureReason != "manual intervention" {
		t.Errorf("failure reason = %v", failed.FailureReason)
	}
	if got := f.balance(t, src.ID); !got.Equal(decimal.RequireFromString("500.00")) {
		t.Errorf("source balance = %s, want restored 500.00", got)
	}

	// A completion attempt after the terminal state returns it unchanged
	// and never credits the recipient.
	done, err := f.controller.Complete(ctx, tr.ID)
	if err != nil {
		t.Fatalf("complete after fail: %v", err)
	}
	if done.Status != domain.TransferStatusFailed {
		t.Fatalf("status = %s, want FAILED", done.Status)
	}
	if got := f.balance(t, dst.ID); !got.IsZero() {
		t.Errorf("target balance = %s, want 0", got)
	}
}

func TestExternalTransferLifecycle(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "500.00")
	ctx := context.Background()

	external, err := iban.Generate(iban.FormatDE, "someone-else", "EUR")
	if err != nil {
		t.Fatalf("derive external identifier: %v", err)
	}

	tr, err := f.controller.Create(ctx, "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: external,
		Amount:              decimal.RequireFromString("200.00"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tr.Route != domain.RouteExternal {
		t.Fatalf("route = %s, want external", tr.Route)
	}

	f.advance(t, tr.ID) // PROCESSING
	sent := f.advance(t, tr.ID)
	if sent.Status != domain.TransferStatusSent {
		t.Fatalf("status = %s, want SENT", sent.Status)
	}
	if sent.ProviderReference == nil || *sent.ProviderReference != "prov-ref-1" {
		t.Errorf("provider reference = %v", sent.ProviderReference)
	}
	if len(f.provider.submitted) != 1 {
		t.Fatalf("provider submissions = %d, want 1", len(f.provider.submitted))
	}

	if err := f.controller.HandleProviderResult(ctx, tr.ID, "prov-ref-1", true, ""); err != nil {
		t.Fatalf("confirmation: %v", err)
	}
	done, err := f.controller.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != domain.TransferStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", done.Status)
	}

	// External transfers only ever debit the source.
	if got := f.balance(t, src.ID); !got.Equal(decimal.RequireFromString("300.00")) {
		t.Errorf("source balance = %s, want 300.00", got)
	}
	rows, err := f.controller.Entries(ctx, tr.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 settlement debit", len(rows))
	}
	if rows[0].Kind != domain.EntryKindSettlement {
		t.Errorf("kind = %s, want settlement", rows[0].Kind)
	}
}

func TestExternalProviderRejection(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "500.00")
	ctx := context.Background()
	f.provider.accept = false
	f.provider.reason = "account blocked"

	external, err := iban.Generate(iban.FormatDE, "someone-else", "EUR")
	if err != nil {
		t.Fatalf("derive external identifier: %v", err)
	}

	tr, err := f.controller.Create(ctx, "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: external,
		Amount:              decimal.RequireFromString("200.00"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.advance(t, tr.ID) // PROCESSING
	failed := f.advance(t, tr.ID)

	if failed.Status != domain.TransferStatusFailed {
		t.Fatalf("status = %s, want FAILED", failed.Status)
	}
	if got := f.balance(t, src.ID); !got.Equal(decimal.RequireFromString("500.00")) {
		t.Errorf("source balance = %s, want refunded 500.00", got)
	}
}

func TestCompletedTransferIsImmutable(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "500.00")
	dst := f.seed(t, "bob", "EUR", "0.00")
	ctx := context.Background()

	tr, err := f.controller.Create(ctx, "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: dst.Identifier,
		Amount:              decimal.RequireFromString("100.00"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.advance(t, tr.ID)
	f.advance(t, tr.ID)
	f.advance(t, tr.ID)

	if got, _ := f.controller.Get(ctx, tr.ID); got.Status != domain.TransferStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}

	after, err := f.controller.Fail(ctx, tr.ID, "too late")
	if err != nil {
		t.Fatalf("fail after complete: %v", err)
	}
	if after.Status != domain.TransferStatusCompleted {
		t.Fatalf("fail overrode terminal state: %s", after.Status)
	}
	if got := f.balance(t, src.ID); !got.Equal(decimal.RequireFromString("400.00")) {
		t.Errorf("source balance = %s, want 400.00 with no refund", got)
	}

	// A repeated completion returns the same terminal state and does not
	// credit twice.
	again, err := f.controller.Complete(ctx, tr.ID)
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if again.Status != domain.TransferStatusCompleted {
		t.Fatalf("repeat status = %s", again.Status)
	}
	if got := f.balance(t, dst.ID); !got.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("target balance = %s, want 100.00", got)
	}
}

func TestScheduledProgression(t *testing.T) {
	log := zap.NewNop()
	store := repository.NewMemoryStore()
	engine := ledger.NewEngine(store, store, log)
	sched := NewScheduler(log)
	defer sched.Shutdown()

	controller := NewController(ControllerParams{
		Transfers: store.Transfers(),
		Accounts:  store,
		Engine:    engine,
		Resolver:  NewResolver(store, log),
		Quoter:    NewQuoter(DefaultRates(), nil, domain.FeePolicy{}),
		Provider:  &scriptedProvider{accept: true},
		Scheduler: sched,
		Logger:    log,
		StepDelay: time.Millisecond,
	})
	f := &fixture{store: store, controller: controller, sched: sched}
	src := f.seed(t, "alice", "EUR", "500.00")
	dst := f.seed(t, "bob", "EUR", "0.00")
	ctx := context.Background()

	tr, err := controller.Create(ctx, "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: dst.Identifier,
		Amount:              decimal.RequireFromString("100.00"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := controller.Get(ctx, tr.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == domain.TransferStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transfer stuck in %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := f.balance(t, dst.ID); !got.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("target balance = %s, want 100.00", got)
	}
}

func TestProviderConfirmationRequiresMatchingReference(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "500.00")
	ctx := context.Background()

	external, err := iban.Generate(iban.FormatDE, "someone-else", "EUR")
	if err != nil {
		t.Fatalf("derive external identifier: %v", err)
	}
	tr, err := f.controller.Create(ctx, "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: external,
		Amount:              decimal.RequireFromString("200.00"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.advance(t, tr.ID) // PROCESSING
	f.advance(t, tr.ID) // SENT, reference recorded

	for _, ref := range []string{"", "wrong-ref"} {
		if err := f.controller.HandleProviderResult(ctx, tr.ID, ref, true, ""); !errors.Is(err, xerrors.ErrTransferNotFound) {
			t.Errorf("confirmation with ref %q = %v, want ErrTransferNotFound", ref, err)
		}
	}
	got, err := f.controller.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TransferStatusSent {
		t.Errorf("status = %s, want SENT untouched by bad confirmations", got.Status)
	}

	if err := f.controller.HandleProviderResult(ctx, tr.ID, "prov-ref-1", true, ""); err != nil {
		t.Fatalf("matching confirmation: %v", err)
	}
	got, _ = f.controller.Get(ctx, tr.ID)
	if got.Status != domain.TransferStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got.Status)
	}
}

func TestProviderConfirmationRejectsInternalTransfer(t *testing.T) {
	f := newFixture(t)
	src := f.seed(t, "alice", "EUR", "500.00")
	dst := f.seed(t, "bob", "EUR", "0.00")
	ctx := context.Background()

	tr, err := f.controller.Create(ctx, "alice", &domain.TransferRequest{
		SourceAccountID:     src.ID,
		RecipientIdentifier: dst.Identifier,
		Amount:              decimal.RequireFromString("200.00"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.advance(t, tr.ID) // PROCESSING

	// No provider is involved in an internal transfer; a confirmation
	// must neither credit the target early nor fail the transfer.
	if err := f.controller.HandleProviderResult(ctx, tr.ID, "prov-ref-1", true, ""); !errors.Is(err, xerrors.ErrTransferNotFound) {
		t.Fatalf("confirmation = %v, want ErrTransferNotFound", err)
	}
	if err := f.controller.HandleProviderResult(ctx, tr.ID, "prov-ref-1", false, "nope"); !errors.Is(err, xerrors.ErrTransferNotFound) {
		t.Fatalf("failure confirmation = %v, want ErrTransferNotFound", err)
	}

	got, err := f.controller.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TransferStatusProcessing {
		t.Errorf("status = %s, want PROCESSING", got.Status)
	}
	if got := f.balance(t, dst.ID); !got.IsZero() {
		t.Errorf("target balance = %s, want 0", got)
	}
}
