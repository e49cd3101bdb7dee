package models

import (
	"github.com/shopspring/decimal"
)

// ModelCost is a pricing row for one model name. Rates are USD per million
// tokens. The provider tag is informational; routing is decided by endpoint,
// never by this row.
type ModelCost struct {
	BaseModel
	ModelName                         string          `gorm:"uniqueIndex;not null" json:"model_name"`
	Provider                          string          `json:"provider"`
	InputCostPerMillionTokensUSD      decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"input_cost_per_million_tokens_usd"`
	OutputCostPerMillionTokensUSD     decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"output_cost_per_million_tokens_usd"`
	CacheReadCostPerMillionTokensUSD  decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"cache_read_cost_per_million_tokens_usd"`
	CacheWriteCostPerMillionTokensUSD decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"cache_write_cost_per_million_tokens_usd"`
}
