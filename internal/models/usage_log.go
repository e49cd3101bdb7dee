package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UsageLog is the append-only audit row for one completed upstream call.
// Exactly one row is written per completed call; calls that fail before any
// upstream byte is consumed leave no row.
type UsageLog struct {
	ID               uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	RequestID        string          `gorm:"index" json:"request_id"`
	UserID           string          `gorm:"index:idx_usage_logs_user_ts,priority:1;not null" json:"user_id"`
	APIKey           string          `gorm:"column:api_key" json:"api_key"`
	ModelName        string          `json:"model_name"`
	RequestEndpoint  string          `json:"request_endpoint"`
	IPAddress        string          `json:"ip_address,omitempty"`
	InputTokens      int             `json:"input_tokens"`
	OutputTokens     int             `json:"output_tokens"`
	CacheReadTokens  int             `json:"cache_read_tokens"`
	CacheWriteTokens int             `json:"cache_write_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	IsCacheHit       bool            `json:"is_cache_hit"`
	CostUSD          decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"cost_usd"`
	PricingMissing   bool            `json:"pricing_missing"`
	RequestPayload   datatypes.JSON  `json:"request_payload,omitempty"`
	ResponsePayload  datatypes.JSON  `json:"response_payload,omitempty"`
	Timestamp        time.Time       `gorm:"index:idx_usage_logs_user_ts,priority:2" json:"timestamp"`
}

func (l *UsageLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// FinalizeTotals derives TotalTokens and IsCacheHit from the token counters.
func (l *UsageLog) FinalizeTotals() {
	l.TotalTokens = l.InputTokens + l.OutputTokens + l.CacheReadTokens + l.CacheWriteTokens
	l.IsCacheHit = l.CacheReadTokens > 0
}
