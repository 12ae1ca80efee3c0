package transfer

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"remit-service/pkg/iban"
	"remit-service/pkg/xerrors"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SubmitRequest is the handoff payload for an external transfer.
type SubmitRequest struct {
	TransferID          string
	SourceIdentifier    string
	RecipientIdentifier string
	Amount              decimal.Decimal
	Currency            string
	Reference           string
}

// SubmitResult is the provider's synchronous answer. Completion or failure
// arrives later through the confirmation callback.
type SubmitResult struct {
	ProviderReference string
	Accepted          bool
	Reason            string
}

// Provider is the external banking collaborator.
type Provider interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
}

// ConfirmFunc receives the provider's asynchronous outcome for a transfer.
// The provider reference must match the one returned at submission.
type ConfirmFunc func(ctx context.Context, transferID, providerRef string, succeeded bool, reason string)

// SandboxProvider simulates the banking partner: it rejects identifiers
// that fail checksum validation, accepts everything else, and reports a
// successful completion after a fixed delay. Close stops confirmations
// that have not fired yet.
type SandboxProvider struct {
	mu      sync.Mutex
	confirm ConfirmFunc
	pending map[string]*time.Timer
	closed  bool
	delay   time.Duration
	log     *zap.Logger
}

// NewSandboxProvider builds the simulated provider. OnConfirmation must be
// called before the first Submit.
func NewSandboxProvider(delay time.Duration, log *zap.Logger) *SandboxProvider {
	return &SandboxProvider{
		pending: make(map[string]*time.Timer),
		delay:   delay,
		log:     log,
	}
}

// OnConfirmation registers the callback receiving asynchronous outcomes.
// It exists separately from the constructor because the lifecycle
// controller and the provider reference each other.
func (p *SandboxProvider) OnConfirmation(fn ConfirmFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirm = fn
}

// Close stops all scheduled confirmations. Submissions after Close are
// refused.
func (p *SandboxProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, timer := range p.pending {
		timer.Stop()
		delete(p.pending, id)
	}
}

var _ Provider = (*SandboxProvider)(nil)

func (p *SandboxProvider) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.ErrProviderUnavailable
	}
	if !iban.Validate(req.RecipientIdentifier) {
		p.log.Info("sandbox provider rejected transfer",
			zap.String("transfer_id", req.TransferID),
			zap.String("reason", "checksum validation failed"),
		)
		return &SubmitResult{Accepted: false, Reason: "recipient identifier failed validation"}, nil
	}

	ref := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	p.log.Info("sandbox provider accepted transfer",
		zap.String("transfer_id", req.TransferID),
		zap.String("provider_reference", ref),
	)

	transferID := req.TransferID
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, xerrors.ErrProviderUnavailable
	}
	p.pending[transferID] = time.AfterFunc(p.delay, func() {
		p.mu.Lock()
		delete(p.pending, transferID)
		confirm := p.confirm
		closed := p.closed
		p.mu.Unlock()

		if closed {
			return
		}
		if confirm == nil {
			p.log.Warn("sandbox confirmation dropped, no callback registered",
				zap.String("transfer_id", transferID))
			return
		}
		confirm(context.Background(), transferID, ref, true, "")
	})

	return &SubmitResult{ProviderReference: ref, Accepted: true}, nil
}
