package models

import (
	"github.com/shopspring/decimal"
)

// BudgetDuration describes the window a budget applies to. Only TOTAL is
// honored today; the field is persisted so window semantics can be added
// without a migration.
type BudgetDuration string

const BudgetDurationTotal BudgetDuration = "total"

// Account owns a spending budget. SpentUSD is only ever mutated through the
// store's atomic increment (or an admin reset); everything else treats it as
// a read-only snapshot.
type Account struct {
	BaseModel
	UserID         string          `gorm:"uniqueIndex;not null" json:"user_id"`
	AccountName    string          `json:"account_name"`
	BudgetUSD      decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"budget_usd"`
	SpentUSD       decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"spent_usd"`
	BudgetDuration BudgetDuration  `gorm:"default:total" json:"budget_duration"`
	IsActive       bool            `gorm:"default:true" json:"is_active"`
}

// Remaining returns budget minus spend; negative when over budget.
func (a *Account) Remaining() decimal.Decimal {
	return a.BudgetUSD.Sub(a.SpentUSD)
}
