package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"gorm.io/datatypes"
)

// APIKey is a bearer credential bound to one Account. A key whose account is
// missing or inactive is unusable regardless of its own IsActive flag.
type APIKey struct {
	BaseModel
	Key           string                      `gorm:"column:api_key;uniqueIndex;not null" json:"api_key"`
	UserID        string                      `gorm:"index;not null" json:"user_id"`
	KeyName       string                      `json:"key_name"`
	IsActive      bool                        `gorm:"default:true" json:"is_active"`
	AllowedModels datatypes.JSONSlice[string] `json:"allowed_models,omitempty"`
}

// ModelAllowed reports whether the key may use the given model. An empty or
// absent allowlist means no restriction.
func (k *APIKey) ModelAllowed(model string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, m := range k.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// GenerateAPIKey produces a new opaque bearer key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("mg_sk_%s", hex.EncodeToString(b)), nil
}
