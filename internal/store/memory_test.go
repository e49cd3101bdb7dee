package store

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ametov/metergate/internal/models"
)

func newTestAccount(t *testing.T, m *Memory, userID string, budget string) {
	t.Helper()
	require.NoError(t, m.UpsertAccount(context.Background(), &models.Account{
		UserID:    userID,
		BudgetUSD: decimal.RequireFromString(budget),
		IsActive:  true,
	}))
}

func TestMemoryIncrementSpentConcurrent(t *testing.T) {
	m := NewMemory()
	newTestAccount(t, m, "alice", "100")

	const workers = 50
	delta := decimal.RequireFromString("0.01")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.IncrementSpent(context.Background(), "alice", delta)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	account, err := m.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.Equal(decimal.RequireFromString("0.5")),
		"expected 0.5, got %s", account.SpentUSD)
}

func TestMemoryIncrementSpentErrors(t *testing.T) {
	m := NewMemory()
	newTestAccount(t, m, "alice", "100")

	_, err := m.IncrementSpent(context.Background(), "alice", decimal.RequireFromString("-1"))
	assert.ErrorIs(t, err, ErrNegativeDelta)

	_, err = m.IncrementSpent(context.Background(), "nobody", decimal.RequireFromString("1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpsertAccountPreservesSpend(t *testing.T) {
	m := NewMemory()
	newTestAccount(t, m, "alice", "100")

	_, err := m.IncrementSpent(context.Background(), "alice", decimal.RequireFromString("42.5"))
	require.NoError(t, err)

	// A budget change must not touch the spend counter.
	require.NoError(t, m.UpsertAccount(context.Background(), &models.Account{
		UserID:    "alice",
		BudgetUSD: decimal.RequireFromString("200"),
		IsActive:  true,
	}))

	account, err := m.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, account.BudgetUSD.Equal(decimal.RequireFromString("200")))
	assert.True(t, account.SpentUSD.Equal(decimal.RequireFromString("42.5")))
}

func TestMemoryResetSpent(t *testing.T) {
	m := NewMemory()
	newTestAccount(t, m, "alice", "100")

	_, err := m.IncrementSpent(context.Background(), "alice", decimal.RequireFromString("10"))
	require.NoError(t, err)

	account, err := m.ResetSpent(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, account.SpentUSD.IsZero())

	_, err = m.ResetSpent(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	m := NewMemory()
	newTestAccount(t, m, "alice", "100")

	account, err := m.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	account.SpentUSD = decimal.RequireFromString("999")

	fresh, err := m.GetAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, fresh.SpentUSD.IsZero(), "mutating a snapshot must not leak into the store")
}

func TestMemoryAPIKeyRoundTrip(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.UpsertAPIKey(context.Background(), &models.APIKey{
		Key:           "mg_sk_test",
		UserID:        "alice",
		IsActive:      true,
		AllowedModels: []string{"gpt-4o"},
	}))

	key, err := m.GetAPIKey(context.Background(), "mg_sk_test")
	require.NoError(t, err)
	assert.Equal(t, "alice", key.UserID)
	assert.True(t, key.ModelAllowed("gpt-4o"))
	assert.False(t, key.ModelAllowed("o3"))

	_, err = m.GetAPIKey(context.Background(), "mg_sk_other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAppendUsageLog(t *testing.T) {
	m := NewMemory()

	entry := &models.UsageLog{
		RequestID:    "req-1",
		UserID:       "alice",
		ModelName:    "gpt-4o",
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      decimal.RequireFromString("0.01"),
	}
	entry.FinalizeTotals()
	require.NoError(t, m.AppendUsageLog(context.Background(), entry))

	logs := m.UsageLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "req-1", logs[0].RequestID)
	assert.Equal(t, 150, logs[0].TotalTokens)
	assert.False(t, logs[0].IsCacheHit)
}
