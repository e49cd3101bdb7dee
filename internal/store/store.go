package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/ametov/metergate/internal/models"
)

var (
	// ErrNotFound is returned by reads when no row matches the key.
	ErrNotFound = errors.New("store: not found")
	// ErrNegativeDelta guards IncrementSpent; resets go through ResetSpent.
	ErrNegativeDelta = errors.New("store: negative spend delta")
)

// Store is the system of record for accounts, keys, pricing rows and usage
// logs. SpentUSD is only mutated through IncrementSpent and ResetSpent, both
// of which are single-row atomic updates.
type Store interface {
	GetAPIKey(ctx context.Context, apiKey string) (*models.APIKey, error)
	GetAccount(ctx context.Context, userID string) (*models.Account, error)
	GetModelCost(ctx context.Context, modelName string) (*models.ModelCost, error)

	// IncrementSpent atomically adds delta to the account's spent_usd and
	// returns the account as it is after the update.
	IncrementSpent(ctx context.Context, userID string, delta decimal.Decimal) (*models.Account, error)
	// ResetSpent zeroes spent_usd (admin only).
	ResetSpent(ctx context.Context, userID string) (*models.Account, error)

	AppendUsageLog(ctx context.Context, entry *models.UsageLog) error

	UpsertAccount(ctx context.Context, account *models.Account) error
	UpsertAPIKey(ctx context.Context, key *models.APIKey) error
	UpsertModelCost(ctx context.Context, cost *models.ModelCost) error

	Ping(ctx context.Context) error
	Close() error
}
