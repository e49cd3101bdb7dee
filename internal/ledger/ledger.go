package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ametov/metergate/internal/apierr"
	"github.com/ametov/metergate/internal/authcache"
	"github.com/ametov/metergate/internal/metrics"
	"github.com/ametov/metergate/internal/models"
	"github.com/ametov/metergate/internal/pricing"
	"github.com/ametov/metergate/internal/providers"
	"github.com/ametov/metergate/internal/store"
)

// Settlement describes one completed upstream call awaiting accounting.
// Usage is nil when the upstream never reported a trailer; that settles like
// an unpriced model: no debit, marked audit row.
type Settlement struct {
	RequestID       string
	UserID          string
	APIKey          string
	ModelName       string
	Usage           *providers.Usage
	Endpoint        string
	ClientIP        string
	RequestPayload  json.RawMessage
	ResponsePayload json.RawMessage
}

// Ledger owns the budget predicate and the post-flight debit. The debit and
// the audit row are not in a joint transaction: the increment runs first, so
// a partial failure can lose an audit row but never under-debit the account.
type Ledger struct {
	store   store.Store
	pricer  *pricing.Pricer
	cache   *authcache.Cache
	logger  *zap.Logger
	settled *expirable.LRU[string, struct{}]
}

func New(st store.Store, pricer *pricing.Pricer, cache *authcache.Cache, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  st,
		pricer: pricer,
		cache:  cache,
		logger: logger,
		// Guards against a retried settle debiting or logging twice for the
		// same request id.
		settled: expirable.NewLRU[string, struct{}](100000, nil, time.Hour),
	}
}

// Precheck is a pure comparison on the resolver's snapshot; it never reads
// the store. A budget of zero rejects: unlimited spend must be configured
// explicitly as a large ceiling, never implied by an unset field.
func (l *Ledger) Precheck(account *models.Account) error {
	if account.BudgetUSD.LessThanOrEqual(decimal.Zero) {
		return apierr.ErrBudgetExceeded
	}
	if account.SpentUSD.GreaterThanOrEqual(account.BudgetUSD) {
		return apierr.ErrBudgetExceeded
	}
	return nil
}

// Settle prices the usage, debits the account, then appends the audit row.
// It runs at most once per request id.
func (l *Ledger) Settle(ctx context.Context, s Settlement) error {
	if s.RequestID != "" {
		if _, done := l.settled.Get(s.RequestID); done {
			l.logger.Warn("Skipping duplicate settlement",
				zap.String("request_id", s.RequestID))
			return nil
		}
	}

	cost := decimal.Zero
	pricingMissing := s.Usage == nil
	if s.Usage != nil {
		var err error
		cost, err = l.pricer.Cost(ctx, s.ModelName, *s.Usage)
		if errors.Is(err, pricing.ErrUnpricedModel) {
			pricingMissing = true
			cost = decimal.Zero
			l.logger.Error("No pricing for model, settling at zero cost",
				zap.String("model", s.ModelName),
				zap.String("request_id", s.RequestID))
		} else if err != nil {
			// Rate lookup failed outright. Keep the audit row (at zero
			// cost) rather than losing the call entirely.
			pricingMissing = true
			cost = decimal.Zero
			l.logger.Error("Pricing lookup failed, settling at zero cost",
				zap.String("model", s.ModelName),
				zap.String("request_id", s.RequestID),
				zap.Error(err))
		}
	}

	if cost.IsPositive() {
		updated, err := l.store.IncrementSpent(ctx, s.UserID, cost)
		if err != nil {
			// Increment first, log second: failing here means nothing was
			// billed and nothing is logged, never the reverse.
			metrics.SettlementsTotal.WithLabelValues("dead_letter").Inc()
			l.logger.Error("Settlement debit failed",
				zap.Bool("dead_letter", true),
				zap.String("user_id", s.UserID),
				zap.String("request_id", s.RequestID),
				zap.String("cost_usd", cost.String()),
				zap.Error(err))
			return err
		}
		// Write the post-debit snapshot through the cache so the next
		// precheck sees the new spend without waiting out the TTL.
		if l.cache != nil {
			l.cache.PutAccount(updated)
		}
		f, _ := cost.Float64()
		metrics.BilledUSD.Add(f)
	}

	if s.RequestID != "" {
		l.settled.Add(s.RequestID, struct{}{})
	}

	entry := &models.UsageLog{
		RequestID:       s.RequestID,
		UserID:          s.UserID,
		APIKey:          s.APIKey,
		ModelName:       s.ModelName,
		RequestEndpoint: s.Endpoint,
		IPAddress:       s.ClientIP,
		CostUSD:         cost,
		PricingMissing:  pricingMissing,
		RequestPayload:  []byte(s.RequestPayload),
		ResponsePayload: []byte(s.ResponsePayload),
		Timestamp:       time.Now(),
	}
	if s.Usage != nil {
		entry.InputTokens = s.Usage.Input
		entry.OutputTokens = s.Usage.Output
		entry.CacheReadTokens = s.Usage.CacheRead
		entry.CacheWriteTokens = s.Usage.CacheWrite
	}
	entry.FinalizeTotals()

	if err := l.store.AppendUsageLog(ctx, entry); err != nil {
		// The account is already debited; surface the lost audit row to the
		// dead-letter log and keep the client response intact.
		metrics.SettlementsTotal.WithLabelValues("dead_letter").Inc()
		l.logger.Error("Usage log append failed after debit",
			zap.Bool("dead_letter", true),
			zap.String("user_id", s.UserID),
			zap.String("request_id", s.RequestID),
			zap.String("cost_usd", cost.String()),
			zap.Error(err))
		return nil
	}

	switch {
	case pricingMissing:
		metrics.SettlementsTotal.WithLabelValues("pricing_missing").Inc()
	case cost.IsPositive():
		metrics.SettlementsTotal.WithLabelValues("billed").Inc()
	default:
		metrics.SettlementsTotal.WithLabelValues("zero_cost").Inc()
	}
	return nil
}
