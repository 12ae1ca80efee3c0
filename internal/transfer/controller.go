package transfer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"remit-service/internal/domain"
	"remit-service/internal/ledger"
	"remit-service/internal/repository"
	"remit-service/pkg/xerrors"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Events receives lifecycle notifications. Implementations must not block
// the lifecycle on delivery failures.
type Events interface {
	TransferEvent(ctx context.Context, event string, t *domain.Transfer)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) TransferEvent(context.Context, string, *domain.Transfer) {}

// nonTerminal are the states a transfer can still leave.
var nonTerminal = []domain.TransferStatus{
	domain.TransferStatusPending,
	domain.TransferStatusProcessing,
	domain.TransferStatusSent,
}

// Controller owns the transfer state machine. All status changes go
// through its guarded store update, so a transfer that reached a terminal
// state through one path is never re-transitioned by another.
type Controller struct {
	transfers repository.TransferStore
	accounts  repository.AccountStore
	engine    *ledger.Engine
	resolver  *Resolver
	quoter    *Quoter
	provider  Provider
	sched     *Scheduler
	events    Events
	log       *zap.Logger

	// stepDelay spaces the automatic transitions out; zero collapses
	// them for tests.
	stepDelay time.Duration
}

// ControllerParams collects the controller's collaborators.
type ControllerParams struct {
	Transfers repository.TransferStore
	Accounts  repository.AccountStore
	Engine    *ledger.Engine
	Resolver  *Resolver
	Quoter    *Quoter
	Provider  Provider
	Scheduler *Scheduler
	Events    Events
	Logger    *zap.Logger
	StepDelay time.Duration
}

// NewController wires a lifecycle controller.
func NewController(p ControllerParams) *Controller {
	if p.Events == nil {
		p.Events = NopEvents{}
	}
	return &Controller{
		transfers: p.Transfers,
		accounts:  p.Accounts,
		engine:    p.Engine,
		resolver:  p.Resolver,
		quoter:    p.Quoter,
		provider:  p.Provider,
		sched:     p.Scheduler,
		events:    p.Events,
		log:       p.Logger,
		stepDelay: p.StepDelay,
	}
}

// Create validates a transfer request, locks its quote, reserves the funds
// and starts the lifecycle. ownerID, when non-empty, must own the source
// account.
func (c *Controller) Create(ctx context.Context, ownerID string, req *domain.TransferRequest) (*domain.Transfer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	source, err := c.accounts.GetByID(ctx, req.SourceAccountID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && source.OwnerID != ownerID {
		return nil, xerrors.ErrAccountNotFound
	}
	if !source.IsActive() {
		return nil, xerrors.ErrAccountInactive
	}

	res, err := c.resolver.Resolve(ctx, req.RecipientIdentifier, req.TargetCurrency)
	if err != nil {
		return nil, err
	}

	targetCurrency := req.TargetCurrency
	var targetAccountID *string
	if res.Route == domain.RouteInternal {
		if res.Account.ID == source.ID {
			return nil, domain.ErrValidation("cannot transfer to the source account")
		}
		if targetCurrency != "" && targetCurrency != res.Account.Currency {
			return nil, xerrors.ErrCurrencyMismatch
		}
		targetCurrency = res.Account.Currency
		targetAccountID = &res.Account.ID
	} else if targetCurrency == "" {
		targetCurrency = source.Currency
	}

	quote, err := c.quoter.Quote(ctx, source.Currency, targetCurrency, req.Amount)
	if err != nil {
		return nil, err
	}

	t := &domain.Transfer{
		ID:                  ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		SourceAccountID:     source.ID,
		RecipientIdentifier: Normalize(req.RecipientIdentifier),
		TargetAccountID:     targetAccountID,
		Route:               res.Route,
		SourceAmount:        quote.SourceAmount,
		SourceCurrency:      quote.SourceCurrency,
		TargetAmount:        quote.TargetAmount,
		TargetCurrency:      quote.TargetCurrency,
		ExchangeRate:        quote.ExchangeRate,
		Fee:                 quote.Fee,
		Reference:           req.Reference,
		Status:              domain.TransferStatusPending,
	}

	if _, err := c.engine.Reserve(ctx, ledger.ReserveParams{
		TransferID:      t.ID,
		SourceAccountID: t.SourceAccountID,
		Amount:          t.SourceAmount,
		Fee:             t.Fee,
		Internal:        t.IsInternal(),
		Status:          domain.TransferStatusPending,
	}); err != nil {
		return nil, err
	}

	if err := c.transfers.Create(ctx, t); err != nil {
		// The debit is already committed; give it back before failing.
		if _, cerr := c.engine.Compensate(ctx, t.ID, t.SourceAccountID, t.SourceAmount.Add(t.Fee)); cerr != nil {
			c.log.Error("failed to reverse reservation for unpersisted transfer",
				zap.String("transfer_id", t.ID), zap.Error(cerr))
		}
		return nil, fmt.Errorf("failed to persist transfer: %w", err)
	}

	c.log.Info("transfer created",
		zap.String("transfer_id", t.ID),
		zap.String("route", string(t.Route)),
		zap.String("source_amount", t.SourceAmount.String()),
		zap.String("fee", t.Fee.String()),
	)
	c.events.TransferEvent(ctx, "transfer.created", t)
	c.scheduleAdvance(t.ID)
	return t, nil
}

func (c *Controller) scheduleAdvance(transferID string) {
	c.sched.Schedule(transferID, c.stepDelay, func(ctx context.Context) {
		if err := c.Advance(ctx, transferID); err != nil {
			c.log.Error("scheduled advance failed",
				zap.String("transfer_id", transferID), zap.Error(err))
		}
	})
}

// Advance moves a transfer one step along its happy path. The current
// status is always re-read first, so a stale scheduled step against a
// transfer that was cancelled or failed meanwhile is a no-op.
func (c *Controller) Advance(ctx context.Context, transferID string) error {
	t, err := c.transfers.GetByID(ctx, transferID)
	if err != nil {
		return err
	}

	switch t.Status {
	case domain.TransferStatusPending:
		updated, applied, err := c.transfers.UpdateStatusIf(ctx, t.ID,
			[]domain.TransferStatus{domain.TransferStatusPending},
			domain.TransferStatusProcessing, nil)
		if err != nil {
			return err
		}
		if applied {
			c.events.TransferEvent(ctx, "transfer.processing", updated)
			c.scheduleAdvance(t.ID)
		}
		return nil

	case domain.TransferStatusProcessing:
		if t.IsInternal() {
			updated, applied, err := c.transfers.UpdateStatusIf(ctx, t.ID,
				[]domain.TransferStatus{domain.TransferStatusProcessing},
				domain.TransferStatusSent, nil)
			if err != nil {
				return err
			}
			if applied {
				c.events.TransferEvent(ctx, "transfer.sent", updated)
				c.scheduleAdvance(t.ID)
			}
			return nil
		}
		return c.submitExternal(ctx, t)

	case domain.TransferStatusSent:
		if t.IsInternal() {
			_, err := c.Complete(ctx, t.ID)
			return err
		}
		// External completion arrives from the provider.
		return nil

	default:
		return nil
	}
}

func (c *Controller) submitExternal(ctx context.Context, t *domain.Transfer) error {
	source, err := c.accounts.GetByID(ctx, t.SourceAccountID)
	if err != nil {
		return err
	}

	result, err := c.provider.Submit(ctx, SubmitRequest{
		TransferID:          t.ID,
		SourceIdentifier:    source.Identifier,
		RecipientIdentifier: t.RecipientIdentifier,
		Amount:              t.TargetAmount,
		Currency:            t.TargetCurrency,
		Reference:           t.Reference,
	})
	if err != nil {
		c.log.Error("provider submit failed", zap.String("transfer_id", t.ID), zap.Error(err))
		_, ferr := c.Fail(ctx, t.ID, "external provider unavailable")
		return ferr
	}
	if !result.Accepted {
		_, ferr := c.Fail(ctx, t.ID, "provider rejected: "+result.Reason)
		return ferr
	}

	if err := c.transfers.SetProviderReference(ctx, t.ID, result.ProviderReference); err != nil {
		return err
	}
	updated, applied, err := c.transfers.UpdateStatusIf(ctx, t.ID,
		[]domain.TransferStatus{domain.TransferStatusProcessing},
		domain.TransferStatusSent, nil)
	if err != nil {
		return err
	}
	if applied {
		c.events.TransferEvent(ctx, "transfer.sent", updated)
	}
	return nil
}

// Complete drives a transfer to COMPLETED. For internal transfers this is
// the only point where the recipient is credited. Calling it again on an
// already-completed transfer re-checks the credit leg and returns the
// existing row, so a crash between the status write and the ledger write
// heals on retry.
func (c *Controller) Complete(ctx context.Context, transferID string) (*domain.Transfer, error) {
	t, err := c.transfers.GetByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status == domain.TransferStatusCompleted {
		return t, c.ensureCredit(ctx, t)
	}
	if t.Status.IsTerminal() {
		return t, nil
	}

	updated, applied, err := c.transfers.UpdateStatusIf(ctx, t.ID,
		[]domain.TransferStatus{domain.TransferStatusProcessing, domain.TransferStatusSent},
		domain.TransferStatusCompleted, nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		if updated.Status == domain.TransferStatusCompleted {
			return updated, c.ensureCredit(ctx, updated)
		}
		return updated, nil
	}

	if err := c.ensureCredit(ctx, updated); err != nil {
		return updated, err
	}

	c.sched.Cancel(t.ID)
	c.log.Info("transfer completed", zap.String("transfer_id", t.ID))
	c.events.TransferEvent(ctx, "transfer.completed", updated)
	return updated, nil
}

// ensureCredit applies the credit leg of an internal transfer if it is not
// on the ledger yet. External transfers settle outside the ledger.
func (c *Controller) ensureCredit(ctx context.Context, t *domain.Transfer) error {
	if !t.IsInternal() || t.TargetAccountID == nil {
		return nil
	}
	_, err := c.engine.PairedTransfer(ctx, ledger.PairedTransferParams{
		TransferID:      t.ID,
		SourceAccountID: t.SourceAccountID,
		TargetAccountID: *t.TargetAccountID,
		SourceAmount:    t.SourceAmount,
		TargetAmount:    t.TargetAmount,
		Fee:             t.Fee,
		Status:          domain.TransferStatusCompleted,
	})
	return err
}

// Fail drives a transfer to FAILED and gives back any committed debit.
// Idempotent: a transfer already failed only re-checks its compensation.
func (c *Controller) Fail(ctx context.Context, transferID, reason string) (*domain.Transfer, error) {
	t, err := c.transfers.GetByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status == domain.TransferStatusFailed {
		return t, c.ensureCompensation(ctx, t)
	}
	if t.Status.IsTerminal() {
		return t, nil
	}

	updated, applied, err := c.transfers.UpdateStatusIf(ctx, t.ID, nonTerminal,
		domain.TransferStatusFailed, &reason)
	if err != nil {
		return nil, err
	}
	if !applied {
		return updated, nil
	}

	c.sched.Cancel(t.ID)
	if err := c.ensureCompensation(ctx, updated); err != nil {
		return updated, err
	}

	c.log.Warn("transfer failed",
		zap.String("transfer_id", t.ID),
		zap.String("reason", reason),
	)
	c.events.TransferEvent(ctx, "transfer.failed", updated)
	return updated, nil
}

// Cancel is the user-initiated stop. Allowed only before the transfer was
// handed to the provider; a terminal transfer converges without error.
func (c *Controller) Cancel(ctx context.Context, transferID string) (*domain.Transfer, error) {
	t, err := c.transfers.GetByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status == domain.TransferStatusCancelled {
		return t, c.ensureCompensation(ctx, t)
	}
	if t.Status.IsTerminal() {
		return t, nil
	}
	if t.Status == domain.TransferStatusSent {
		return nil, xerrors.ErrCancelAfterSent
	}

	updated, applied, err := c.transfers.UpdateStatusIf(ctx, t.ID,
		[]domain.TransferStatus{domain.TransferStatusPending, domain.TransferStatusProcessing},
		domain.TransferStatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		if updated.Status == domain.TransferStatusSent {
			return nil, xerrors.ErrCancelAfterSent
		}
		return updated, nil
	}

	c.sched.Cancel(t.ID)
	if err := c.ensureCompensation(ctx, updated); err != nil {
		return updated, err
	}

	c.log.Info("transfer cancelled", zap.String("transfer_id", t.ID))
	c.events.TransferEvent(ctx, "transfer.cancelled", updated)
	return updated, nil
}

// ensureCompensation credits the debit (plus fee) back to the source if
// the reservation committed. Keyed on the transfer's compensation txn id,
// so repeated calls credit once.
func (c *Controller) ensureCompensation(ctx context.Context, t *domain.Transfer) error {
	_, err := c.engine.Transaction(ctx, ledger.DebitTxnID(t.ID))
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	total := t.SourceAmount.Add(t.Fee)
	if !total.IsPositive() {
		return nil
	}
	_, err = c.engine.Compensate(ctx, t.ID, t.SourceAccountID, total)
	return err
}

// HandleProviderResult is the entry point for the provider's asynchronous
// confirmation. The transfer must be external and providerRef must match
// the reference recorded at handoff; a mismatch is reported as not-found
// so callers learn nothing about transfers they did not submit.
func (c *Controller) HandleProviderResult(ctx context.Context, transferID, providerRef string, succeeded bool, reason string) error {
	t, err := c.transfers.GetByID(ctx, transferID)
	if err != nil {
		return err
	}
	if t.IsInternal() || t.ProviderReference == nil || providerRef == "" || *t.ProviderReference != providerRef {
		c.log.Warn("provider confirmation rejected",
			zap.String("transfer_id", transferID),
			zap.Bool("internal", t.IsInternal()),
		)
		return xerrors.ErrTransferNotFound
	}

	if succeeded {
		_, err = c.Complete(ctx, transferID)
	} else {
		if reason == "" {
			reason = "provider reported failure"
		}
		_, err = c.Fail(ctx, transferID, reason)
	}
	if err != nil {
		c.log.Error("provider confirmation handling failed",
			zap.String("transfer_id", transferID),
			zap.Bool("succeeded", succeeded),
			zap.Error(err),
		)
	}
	return err
}

// Get fetches one transfer.
func (c *Controller) Get(ctx context.Context, transferID string) (*domain.Transfer, error) {
	return c.transfers.GetByID(ctx, transferID)
}

// ListBySource lists transfers initiated from one account, newest first.
func (c *Controller) ListBySource(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transfer, error) {
	return c.transfers.ListBySourceAccount(ctx, accountID, limit, offset)
}

// Entries lists the ledger rows a transfer produced.
func (c *Controller) Entries(ctx context.Context, transferID string) ([]*domain.Transaction, error) {
	return c.engine.Entries(ctx, transferID)
}

// History lists an account's ledger rows, newest first.
func (c *Controller) History(ctx context.Context, accountID string, limit, offset int) ([]*domain.Transaction, error) {
	return c.engine.History(ctx, accountID, limit, offset)
}
