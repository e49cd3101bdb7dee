package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ametov/metergate/internal/models"
)

// Memory is an in-process Store. It backs tests and local development; the
// increment primitive holds a single lock so the atomicity contract matches
// the postgres implementation.
type Memory struct {
	mu         sync.Mutex
	accounts   map[string]*models.Account
	apiKeys    map[string]*models.APIKey
	modelCosts map[string]*models.ModelCost
	usageLogs  []*models.UsageLog
}

func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[string]*models.Account),
		apiKeys:    make(map[string]*models.APIKey),
		modelCosts: make(map[string]*models.ModelCost),
	}
}

func (m *Memory) GetAPIKey(_ context.Context, apiKey string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.apiKeys[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (m *Memory) GetAccount(_ context.Context, userID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *account
	return &cp, nil
}

func (m *Memory) GetModelCost(_ context.Context, modelName string) (*models.ModelCost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cost, ok := m.modelCosts[modelName]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cost
	return &cp, nil
}

func (m *Memory) IncrementSpent(_ context.Context, userID string, delta decimal.Decimal) (*models.Account, error) {
	if delta.IsNegative() {
		return nil, ErrNegativeDelta
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	account.SpentUSD = account.SpentUSD.Add(delta)
	account.UpdatedAt = time.Now()
	cp := *account
	return &cp, nil
}

func (m *Memory) ResetSpent(_ context.Context, userID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	account.SpentUSD = decimal.Zero
	account.UpdatedAt = time.Now()
	cp := *account
	return &cp, nil
}

func (m *Memory) AppendUsageLog(_ context.Context, entry *models.UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	cp := *entry
	m.usageLogs = append(m.usageLogs, &cp)
	return nil
}

func (m *Memory) UpsertAccount(_ context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.accounts[account.UserID]; ok {
		existing.AccountName = account.AccountName
		existing.BudgetUSD = account.BudgetUSD
		existing.BudgetDuration = account.BudgetDuration
		existing.IsActive = account.IsActive
		existing.UpdatedAt = now
		return nil
	}
	cp := *account
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.accounts[account.UserID] = &cp
	return nil
}

func (m *Memory) UpsertAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.apiKeys[key.Key]; ok {
		existing.UserID = key.UserID
		existing.KeyName = key.KeyName
		existing.IsActive = key.IsActive
		existing.AllowedModels = key.AllowedModels
		existing.UpdatedAt = now
		return nil
	}
	cp := *key
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.apiKeys[key.Key] = &cp
	return nil
}

func (m *Memory) UpsertModelCost(_ context.Context, cost *models.ModelCost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.modelCosts[cost.ModelName]; ok {
		existing.Provider = cost.Provider
		existing.InputCostPerMillionTokensUSD = cost.InputCostPerMillionTokensUSD
		existing.OutputCostPerMillionTokensUSD = cost.OutputCostPerMillionTokensUSD
		existing.CacheReadCostPerMillionTokensUSD = cost.CacheReadCostPerMillionTokensUSD
		existing.CacheWriteCostPerMillionTokensUSD = cost.CacheWriteCostPerMillionTokensUSD
		existing.UpdatedAt = now
		return nil
	}
	cp := *cost
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.modelCosts[cost.ModelName] = &cp
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// UsageLogs returns a snapshot of the appended audit rows.
func (m *Memory) UsageLogs() []*models.UsageLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.UsageLog, len(m.usageLogs))
	for i, l := range m.usageLogs {
		cp := *l
		out[i] = &cp
	}
	return out
}
