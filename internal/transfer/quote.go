package transfer

import (
	"context"
	"time"

	"remit-service/internal/domain"
	"remit-service/pkg/xerrors"

	"github.com/shopspring/decimal"
)

// Quoter locks the rate, fee and target amount for a transfer before any
// money moves. The target amount it returns is final; the ledger engine
// performs no rounding of its own.
type Quoter struct {
	rates    RateSource
	policies map[string]domain.FeePolicy
	fallback domain.FeePolicy
}

// NewQuoter builds a quoter. policies is keyed by "SRC/DST" currency pair;
// pairs without an entry use the fallback policy.
func NewQuoter(rates RateSource, policies map[string]domain.FeePolicy, fallback domain.FeePolicy) *Quoter {
	if policies == nil {
		policies = map[string]domain.FeePolicy{}
	}
	return &Quoter{rates: rates, policies: policies, fallback: fallback}
}

// DefaultFeePolicy is the sandbox fee schedule: 1.50 flat plus 0.5%.
func DefaultFeePolicy() domain.FeePolicy {
	return domain.FeePolicy{
		FlatFee:    decimal.RequireFromString("1.50"),
		PercentFee: decimal.RequireFromString("0.5"),
	}
}

// Quote computes the locked exchange rate, fee and rounded target amount
// for a source amount.
func (q *Quoter) Quote(ctx context.Context, sourceCurrency, targetCurrency string, amount decimal.Decimal) (*domain.Quote, error) {
	if !domain.ValidCurrency(sourceCurrency) || !domain.ValidCurrency(targetCurrency) {
		return nil, xerrors.ErrInvalidCurrency
	}
	if !amount.IsPositive() {
		return nil, xerrors.ErrInvalidAmount
	}

	rate, err := q.rates.Rate(ctx, sourceCurrency, targetCurrency)
	if err != nil {
		return nil, err
	}

	policy, ok := q.policies[pairKey(sourceCurrency, targetCurrency)]
	if !ok {
		policy = q.fallback
	}

	source := amount.Round(domain.MinorUnits)
	return &domain.Quote{
		SourceCurrency: sourceCurrency,
		TargetCurrency: targetCurrency,
		SourceAmount:   source,
		TargetAmount:   source.Mul(rate).Round(domain.MinorUnits),
		ExchangeRate:   rate,
		Fee:            policy.Apply(source),
		CreatedAt:      time.Now(),
	}, nil
}
