package transfer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"remit-service/pkg/iban"
	"remit-service/pkg/xerrors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func sandboxRequest(t *testing.T) SubmitRequest {
	t.Helper()
	recipient, err := iban.Generate(iban.FormatDE, "someone-else", "EUR")
	if err != nil {
		t.Fatalf("derive recipient: %v", err)
	}
	return SubmitRequest{
		TransferID:          "tr-1",
		RecipientIdentifier: recipient,
		Amount:              decimal.RequireFromString("10.00"),
		Currency:            "EUR",
	}
}

func TestSandboxSubmitWithoutCallback(t *testing.T) {
	p := NewSandboxProvider(time.Millisecond, zap.NewNop())

	res, err := p.Submit(context.Background(), sandboxRequest(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Accepted || res.ProviderReference == "" {
		t.Fatalf("result = %+v, want accepted with reference", res)
	}

	// The confirmation timer fires with no callback registered; it must
	// drop the confirmation rather than crash.
	time.Sleep(50 * time.Millisecond)
}

func TestSandboxCloseStopsConfirmations(t *testing.T) {
	p := NewSandboxProvider(50*time.Millisecond, zap.NewNop())
	var confirmed atomic.Int32
	p.OnConfirmation(func(ctx context.Context, transferID, providerRef string, succeeded bool, reason string) {
		confirmed.Add(1)
	})

	if _, err := p.Submit(context.Background(), sandboxRequest(t)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.Close()

	time.Sleep(150 * time.Millisecond)
	if got := confirmed.Load(); got != 0 {
		t.Errorf("confirmations after close = %d, want 0", got)
	}

	if _, err := p.Submit(context.Background(), sandboxRequest(t)); !errors.Is(err, xerrors.ErrProviderUnavailable) {
		t.Errorf("submit after close = %v, want ErrProviderUnavailable", err)
	}
}

func TestSandboxConfirmationCarriesReference(t *testing.T) {
	p := NewSandboxProvider(time.Millisecond, zap.NewNop())
	refCh := make(chan string, 1)
	p.OnConfirmation(func(ctx context.Context, transferID, providerRef string, succeeded bool, reason string) {
		if transferID == "tr-1" && succeeded {
			refCh <- providerRef
		}
	})

	res, err := p.Submit(context.Background(), sandboxRequest(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case ref := <-refCh:
		if ref != res.ProviderReference {
			t.Errorf("confirmed reference = %q, want %q", ref, res.ProviderReference)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation never arrived")
	}
}
