// Seeds a development database with a demo account, an API key and pricing
// for a handful of common models. Run from the repo root:
//
//	go run ./scripts
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ametov/metergate/internal/models"
	"github.com/ametov/metergate/internal/store"
)

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	st, err := store.NewPostgres(&store.PostgresConfig{DSN: dsn}, zap.NewNop())
	if err != nil {
		log.Fatal("Failed to connect to database: ", err)
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	account := &models.Account{
		UserID:      "demo",
		AccountName: "Demo Account",
		BudgetUSD:   decimal.RequireFromString("25"),
		IsActive:    true,
	}
	if err := st.UpsertAccount(ctx, account); err != nil {
		log.Fatal("Failed to seed account: ", err)
	}

	rawKey, err := models.GenerateAPIKey()
	if err != nil {
		log.Fatal("Failed to generate API key: ", err)
	}
	key := &models.APIKey{
		Key:      rawKey,
		UserID:   "demo",
		KeyName:  "demo-key",
		IsActive: true,
	}
	if err := st.UpsertAPIKey(ctx, key); err != nil {
		log.Fatal("Failed to seed API key: ", err)
	}

	costs := []models.ModelCost{
		{
			ModelName:                        "gpt-4o",
			Provider:                         "openai",
			InputCostPerMillionTokensUSD:     decimal.RequireFromString("2.50"),
			OutputCostPerMillionTokensUSD:    decimal.RequireFromString("10.00"),
			CacheReadCostPerMillionTokensUSD: decimal.RequireFromString("1.25"),
		},
		{
			ModelName:                        "gpt-4o-mini",
			Provider:                         "openai",
			InputCostPerMillionTokensUSD:     decimal.RequireFromString("0.15"),
			OutputCostPerMillionTokensUSD:    decimal.RequireFromString("0.60"),
			CacheReadCostPerMillionTokensUSD: decimal.RequireFromString("0.075"),
		},
		{
			ModelName:                         "claude-sonnet-4-20250514",
			Provider:                          "anthropic",
			InputCostPerMillionTokensUSD:      decimal.RequireFromString("3.00"),
			OutputCostPerMillionTokensUSD:     decimal.RequireFromString("15.00"),
			CacheReadCostPerMillionTokensUSD:  decimal.RequireFromString("0.30"),
			CacheWriteCostPerMillionTokensUSD: decimal.RequireFromString("3.75"),
		},
	}
	for i := range costs {
		if err := st.UpsertModelCost(ctx, &costs[i]); err != nil {
			log.Fatal("Failed to seed model cost: ", err)
		}
	}

	fmt.Println("Seeded demo data:")
	fmt.Println("  account: demo (budget $25)")
	fmt.Println("  api key:", rawKey)
	for _, c := range costs {
		fmt.Println("  model:  ", c.ModelName)
	}
}
