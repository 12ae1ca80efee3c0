package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MinorUnits is the rounding precision for all supported currencies.
const MinorUnits = 2

// Quote locks the exchange rate and fee for a transfer. TargetAmount is
// already rounded to the currency's minor units; the ledger engine performs
// no rounding of its own.
type Quote struct {
	SourceCurrency string          `json:"source_currency"`
	TargetCurrency string          `json:"target_currency"`
	SourceAmount   decimal.Decimal `json:"source_amount"`
	TargetAmount   decimal.Decimal `json:"target_amount"`
	ExchangeRate   decimal.Decimal `json:"exchange_rate"`
	Fee            decimal.Decimal `json:"fee"`
	CreatedAt      time.Time       `json:"created_at"`
}

// FeePolicy describes how fees are computed for a currency pair.
type FeePolicy struct {
	FlatFee    decimal.Decimal // charged in the source currency
	PercentFee decimal.Decimal // e.g. 0.5 means 0.5%
}

// Apply computes the fee for a source amount, rounded to minor units.
func (p FeePolicy) Apply(amount decimal.Decimal) decimal.Decimal {
	fee := p.FlatFee
	if p.PercentFee.IsPositive() {
		fee = fee.Add(amount.Mul(p.PercentFee).Div(decimal.NewFromInt(100)))
	}
	return fee.Round(MinorUnits)
}
