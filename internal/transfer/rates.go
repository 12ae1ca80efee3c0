package transfer

import (
	"context"
	"errors"
	"time"

	"remit-service/pkg/xerrors"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RateSource supplies the exchange rate used to lock a quote.
type RateSource interface {
	Rate(ctx context.Context, sourceCurrency, targetCurrency string) (decimal.Decimal, error)
}

// StaticRates is a fixed in-process rate table. Pairs are stored one way;
// the inverse direction is derived. Same-currency pairs always rate 1.
type StaticRates struct {
	table map[string]decimal.Decimal
}

func pairKey(src, dst string) string { return src + "/" + dst }

// NewStaticRates builds a rate table from "SRC/DST" keyed rates.
func NewStaticRates(rates map[string]decimal.Decimal) *StaticRates {
	table := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		table[k] = v
	}
	return &StaticRates{table: table}
}

// DefaultRates returns the sandbox rate table.
func DefaultRates() *StaticRates {
	return NewStaticRates(map[string]decimal.Decimal{
		pairKey("EUR", "USD"): decimal.RequireFromString("1.09"),
		pairKey("EUR", "GBP"): decimal.RequireFromString("0.85"),
		pairKey("USD", "GBP"): decimal.RequireFromString("0.78"),
	})
}

func (s *StaticRates) Rate(ctx context.Context, src, dst string) (decimal.Decimal, error) {
	if src == dst {
		return decimal.NewFromInt(1), nil
	}
	if rate, ok := s.table[pairKey(src, dst)]; ok {
		return rate, nil
	}
	if inverse, ok := s.table[pairKey(dst, src)]; ok && inverse.IsPositive() {
		return decimal.NewFromInt(1).DivRound(inverse, 8), nil
	}
	return decimal.Zero, xerrors.ErrRateUnavailable
}

// CachedRates decorates a RateSource with a redis cache so repeated quotes
// for the same pair do not hit the upstream source. Cache failures fall
// through to the underlying source.
type CachedRates struct {
	source RateSource
	rdb    *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewCachedRates wires the cache decorator.
func NewCachedRates(source RateSource, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *CachedRates {
	return &CachedRates{source: source, rdb: rdb, ttl: ttl, log: log}
}

func rateCacheKey(src, dst string) string { return "fx:rate:" + src + ":" + dst }

func (c *CachedRates) Rate(ctx context.Context, src, dst string) (decimal.Decimal, error) {
	key := rateCacheKey(src, dst)
	if cached, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if rate, perr := decimal.NewFromString(cached); perr == nil {
			return rate, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn("rate cache read failed", zap.String("key", key), zap.Error(err))
	}

	rate, err := c.source.Rate(ctx, src, dst)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.rdb.Set(ctx, key, rate.String(), c.ttl).Err(); err != nil {
		c.log.Warn("rate cache write failed", zap.String("key", key), zap.Error(err))
	}
	return rate, nil
}
