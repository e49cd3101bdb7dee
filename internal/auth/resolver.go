package auth

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ametov/metergate/internal/apierr"
	"github.com/ametov/metergate/internal/authcache"
	"github.com/ametov/metergate/internal/models"
	"github.com/ametov/metergate/internal/store"
)

// Principal is the resolved (ApiKey, Account) pair for one request. Both
// values are cache snapshots; they are never written back.
type Principal struct {
	Key     *models.APIKey
	Account *models.Account
}

// Resolver turns a raw bearer token into a Principal, consulting the auth
// cache before the store.
type Resolver struct {
	cache  *authcache.Cache
	store  store.Store
	logger *zap.Logger
}

func NewResolver(cache *authcache.Cache, st store.Store, logger *zap.Logger) *Resolver {
	return &Resolver{cache: cache, store: st, logger: logger}
}

// Resolve authenticates the token and checks the active flags on both the
// key and its account. Budget is checked separately by the ledger on the
// snapshot this returns.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, apierr.ErrUnauthenticated
	}

	key, err := r.cache.APIKey(ctx, token, r.store.GetAPIKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.ErrUnauthenticated
	}
	if err != nil {
		r.logger.Error("API key lookup failed", zap.Error(err))
		return nil, err
	}
	if !key.IsActive {
		return nil, apierr.ErrUnauthenticated
	}

	account, err := r.cache.Account(ctx, key.UserID, r.store.GetAccount)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("API key references missing account",
			zap.String("user_id", key.UserID))
		return nil, apierr.ErrAccountMissing
	}
	if err != nil {
		r.logger.Error("Account lookup failed",
			zap.String("user_id", key.UserID),
			zap.Error(err))
		return nil, err
	}
	if !account.IsActive {
		return nil, apierr.ErrAccountDisabled
	}

	return &Principal{Key: key, Account: account}, nil
}
