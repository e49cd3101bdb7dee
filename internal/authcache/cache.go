package authcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ametov/metergate/internal/bus"
	"github.com/ametov/metergate/internal/models"
)

// Namespace identifies one of the three logically independent cache maps.
type Namespace string

const (
	NamespaceAPIKey    Namespace = "apikey"
	NamespaceAccount   Namespace = "account"
	NamespaceModelCost Namespace = "modelcost"
)

const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 10000
)

type Config struct {
	TTL        time.Duration
	MaxEntries int
	Logger     *zap.Logger
}

// Cache holds per-instance, time-bounded snapshots of auth data. Entries are
// at most TTL + bus propagation delay stale; invalidation events evict
// eagerly. It never writes back to the store.
type Cache struct {
	apiKeys    *expirable.LRU[string, *models.APIKey]
	accounts   *expirable.LRU[string, *models.Account]
	modelCosts *expirable.LRU[string, *models.ModelCost]
	flight     singleflight.Group
	logger     *zap.Logger
}

func New(cfg Config) *Cache {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Cache{
		apiKeys:    expirable.NewLRU[string, *models.APIKey](cfg.MaxEntries, nil, cfg.TTL),
		accounts:   expirable.NewLRU[string, *models.Account](cfg.MaxEntries, nil, cfg.TTL),
		modelCosts: expirable.NewLRU[string, *models.ModelCost](cfg.MaxEntries, nil, cfg.TTL),
		logger:     cfg.Logger,
	}
}

// APIKey returns the cached key or fills the cache through load. Concurrent
// misses for the same key coalesce into a single load.
func (c *Cache) APIKey(ctx context.Context, key string, load func(context.Context, string) (*models.APIKey, error)) (*models.APIKey, error) {
	if v, ok := c.apiKeys.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.flight.Do(string(NamespaceAPIKey)+":"+key, func() (interface{}, error) {
		if v, ok := c.apiKeys.Get(key); ok {
			return v, nil
		}
		loaded, err := load(ctx, key)
		if err != nil {
			return nil, err
		}
		c.apiKeys.Add(key, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.APIKey), nil
}

func (c *Cache) Account(ctx context.Context, userID string, load func(context.Context, string) (*models.Account, error)) (*models.Account, error) {
	if v, ok := c.accounts.Get(userID); ok {
		return v, nil
	}
	v, err, _ := c.flight.Do(string(NamespaceAccount)+":"+userID, func() (interface{}, error) {
		if v, ok := c.accounts.Get(userID); ok {
			return v, nil
		}
		loaded, err := load(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.accounts.Add(userID, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Account), nil
}

func (c *Cache) ModelCost(ctx context.Context, modelName string, load func(context.Context, string) (*models.ModelCost, error)) (*models.ModelCost, error) {
	if v, ok := c.modelCosts.Get(modelName); ok {
		return v, nil
	}
	v, err, _ := c.flight.Do(string(NamespaceModelCost)+":"+modelName, func() (interface{}, error) {
		if v, ok := c.modelCosts.Get(modelName); ok {
			return v, nil
		}
		loaded, err := load(ctx, modelName)
		if err != nil {
			return nil, err
		}
		c.modelCosts.Add(modelName, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ModelCost), nil
}

// PutAccount writes a fresh account snapshot through the cache. The ledger
// calls this after a debit so budget prechecks see the new spend immediately
// instead of after TTL expiry.
func (c *Cache) PutAccount(account *models.Account) {
	if account == nil || account.UserID == "" {
		return
	}
	c.accounts.Add(account.UserID, account)
}

// Invalidate evicts one entry. Eviction is idempotent, so duplicate bus
// deliveries are harmless.
func (c *Cache) Invalidate(ns Namespace, key string) {
	switch ns {
	case NamespaceAPIKey:
		c.apiKeys.Remove(key)
	case NamespaceAccount:
		c.accounts.Remove(key)
	case NamespaceModelCost:
		c.modelCosts.Remove(key)
	}
	c.logger.Debug("Cache entry invalidated",
		zap.String("namespace", string(ns)),
		zap.String("key", key))
}

func (c *Cache) InvalidateAll() {
	c.apiKeys.Purge()
	c.accounts.Purge()
	c.modelCosts.Purge()
	c.logger.Info("Auth cache cleared")
}

// HandleEvent maps a bus event to an eviction. Unknown event types are
// logged and ignored.
func (c *Cache) HandleEvent(event bus.Event) {
	switch event.Type {
	case bus.EventTypeAPIKey:
		c.Invalidate(NamespaceAPIKey, event.Key)
	case bus.EventTypeAccount:
		c.Invalidate(NamespaceAccount, event.Key)
	case bus.EventTypeModelCost:
		c.Invalidate(NamespaceModelCost, event.Key)
	default:
		c.logger.Warn("Ignoring invalidation event with unknown type",
			zap.String("type", string(event.Type)),
			zap.String("key", event.Key))
	}
}

// Run subscribes the cache to an invalidation source until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, source bus.Source) error {
	return source.Subscribe(ctx, c.HandleEvent)
}

// Len reports the entry count of one namespace.
func (c *Cache) Len(ns Namespace) int {
	switch ns {
	case NamespaceAPIKey:
		return c.apiKeys.Len()
	case NamespaceAccount:
		return c.accounts.Len()
	case NamespaceModelCost:
		return c.modelCosts.Len()
	}
	return 0
}
