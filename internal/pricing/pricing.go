package pricing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ametov/metergate/internal/authcache"
	"github.com/ametov/metergate/internal/providers"
	"github.com/ametov/metergate/internal/store"
)

// ErrUnpricedModel means no ModelCost row exists for the model. The call has
// already happened when pricing runs, so callers skip the debit and record
// the usage with a pricing-missing marker instead of failing the request.
var ErrUnpricedModel = errors.New("pricing: no cost row for model")

var million = decimal.NewFromInt(1_000_000)

// Pricer computes the USD cost of a call from its token usage. Rates come
// from the auth cache, falling back to the store.
type Pricer struct {
	cache  *authcache.Cache
	store  store.Store
	logger *zap.Logger
}

func New(cache *authcache.Cache, st store.Store, logger *zap.Logger) *Pricer {
	return &Pricer{cache: cache, store: st, logger: logger}
}

// Cost returns the decimal USD amount for the usage of one call. All
// arithmetic stays decimal; rates are per million tokens.
func (p *Pricer) Cost(ctx context.Context, modelName string, usage providers.Usage) (decimal.Decimal, error) {
	mc, err := p.cache.ModelCost(ctx, modelName, p.store.GetModelCost)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, ErrUnpricedModel
	}
	if err != nil {
		return decimal.Zero, err
	}

	cost := mc.InputCostPerMillionTokensUSD.Mul(decimal.NewFromInt(int64(usage.Input))).
		Add(mc.OutputCostPerMillionTokensUSD.Mul(decimal.NewFromInt(int64(usage.Output)))).
		Add(mc.CacheReadCostPerMillionTokensUSD.Mul(decimal.NewFromInt(int64(usage.CacheRead)))).
		Add(mc.CacheWriteCostPerMillionTokensUSD.Mul(decimal.NewFromInt(int64(usage.CacheWrite)))).
		Div(million)
	return cost, nil
}
