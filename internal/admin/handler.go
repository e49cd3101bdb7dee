// Package admin exposes the management surface: accounts, API keys and model
// pricing. Every write goes to the store first and then publishes an
// invalidation so all gateway instances drop their cached copy.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ametov/metergate/internal/bus"
	"github.com/ametov/metergate/internal/models"
	"github.com/ametov/metergate/internal/store"
)

type Handler struct {
	store  store.Store
	bus    bus.Sink
	logger *zap.Logger
	apiKey string
}

func NewHandler(st store.Store, sink bus.Sink, apiKey string, logger *zap.Logger) *Handler {
	return &Handler{store: st, bus: sink, logger: logger, apiKey: apiKey}
}

// Routes returns the admin subrouter. All routes require the admin key.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requireAdminKey)

	r.Route("/accounts", func(r chi.Router) {
		r.Put("/{userID}", h.UpsertAccount)
		r.Get("/{userID}", h.GetAccount)
		r.Post("/{userID}/reset", h.ResetSpent)
	})
	r.Route("/keys", func(r chi.Router) {
		r.Post("/", h.CreateKey)
		r.Put("/{apiKey}", h.UpsertKey)
		r.Get("/{apiKey}", h.GetKey)
	})
	r.Route("/modelcosts", func(r chi.Router) {
		r.Put("/{modelName}", h.UpsertModelCost)
		r.Get("/{modelName}", h.GetModelCost)
	})
	return r
}

func (h *Handler) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey == "" {
			writeError(w, http.StatusForbidden, "admin API is disabled")
			return
		}
		token := r.Header.Get("X-Admin-Key")
		if token == "" {
			token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type accountRequest struct {
	AccountName    string          `json:"account_name"`
	BudgetUSD      decimal.Decimal `json:"budget_usd"`
	BudgetDuration string          `json:"budget_duration"`
	IsActive       *bool           `json:"is_active"`
}

func (h *Handler) UpsertAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BudgetUSD.IsNegative() {
		writeError(w, http.StatusBadRequest, "budget_usd must not be negative")
		return
	}

	account := &models.Account{
		UserID:         userID,
		AccountName:    req.AccountName,
		BudgetUSD:      req.BudgetUSD,
		BudgetDuration: models.BudgetDuration(req.BudgetDuration),
		IsActive:       true,
	}
	if account.BudgetDuration == "" {
		account.BudgetDuration = models.BudgetDurationTotal
	}
	if req.IsActive != nil {
		account.IsActive = *req.IsActive
	}

	if err := h.store.UpsertAccount(r.Context(), account); err != nil {
		h.logger.Error("Account upsert failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save account")
		return
	}
	h.publish(r, bus.EventTypeAccount, userID)
	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	account, err := h.store.GetAccount(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) ResetSpent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	account, err := h.store.ResetSpent(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.logger.Error("Spend reset failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset spend")
		return
	}
	h.publish(r, bus.EventTypeAccount, userID)
	writeJSON(w, http.StatusOK, account)
}

type keyRequest struct {
	UserID        string   `json:"user_id"`
	KeyName       string   `json:"key_name"`
	IsActive      *bool    `json:"is_active"`
	AllowedModels []string `json:"allowed_models"`
}

// CreateKey mints a fresh key for a user. The plaintext key is returned only
// here; clients must store it.
func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	raw, err := models.GenerateAPIKey()
	if err != nil {
		h.logger.Error("Key generation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate key")
		return
	}
	key := &models.APIKey{
		Key:           raw,
		UserID:        req.UserID,
		KeyName:       req.KeyName,
		IsActive:      true,
		AllowedModels: req.AllowedModels,
	}
	if req.IsActive != nil {
		key.IsActive = *req.IsActive
	}
	if err := h.store.UpsertAPIKey(r.Context(), key); err != nil {
		h.logger.Error("Key create failed", zap.String("user_id", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save key")
		return
	}
	h.publish(r, bus.EventTypeAPIKey, key.Key)
	writeJSON(w, http.StatusCreated, key)
}

func (h *Handler) UpsertKey(w http.ResponseWriter, r *http.Request) {
	apiKey := chi.URLParam(r, "apiKey")
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	key := &models.APIKey{
		Key:           apiKey,
		UserID:        req.UserID,
		KeyName:       req.KeyName,
		IsActive:      true,
		AllowedModels: req.AllowedModels,
	}
	if req.IsActive != nil {
		key.IsActive = *req.IsActive
	}
	if err := h.store.UpsertAPIKey(r.Context(), key); err != nil {
		h.logger.Error("Key upsert failed", zap.String("user_id", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save key")
		return
	}
	h.publish(r, bus.EventTypeAPIKey, apiKey)
	writeJSON(w, http.StatusOK, key)
}

func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	apiKey := chi.URLParam(r, "apiKey")
	key, err := h.store.GetAPIKey(r.Context(), apiKey)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type modelCostRequest struct {
	Provider                          string          `json:"provider"`
	InputCostPerMillionTokensUSD      decimal.Decimal `json:"input_cost_per_million_tokens_usd"`
	OutputCostPerMillionTokensUSD     decimal.Decimal `json:"output_cost_per_million_tokens_usd"`
	CacheReadCostPerMillionTokensUSD  decimal.Decimal `json:"cache_read_cost_per_million_tokens_usd"`
	CacheWriteCostPerMillionTokensUSD decimal.Decimal `json:"cache_write_cost_per_million_tokens_usd"`
}

func (h *Handler) UpsertModelCost(w http.ResponseWriter, r *http.Request) {
	modelName := chi.URLParam(r, "modelName")
	var req modelCostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cost := &models.ModelCost{
		ModelName:                         modelName,
		Provider:                          req.Provider,
		InputCostPerMillionTokensUSD:      req.InputCostPerMillionTokensUSD,
		OutputCostPerMillionTokensUSD:     req.OutputCostPerMillionTokensUSD,
		CacheReadCostPerMillionTokensUSD:  req.CacheReadCostPerMillionTokensUSD,
		CacheWriteCostPerMillionTokensUSD: req.CacheWriteCostPerMillionTokensUSD,
	}
	if err := h.store.UpsertModelCost(r.Context(), cost); err != nil {
		h.logger.Error("Model cost upsert failed", zap.String("model", modelName), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save model cost")
		return
	}
	h.publish(r, bus.EventTypeModelCost, modelName)
	writeJSON(w, http.StatusOK, cost)
}

func (h *Handler) GetModelCost(w http.ResponseWriter, r *http.Request) {
	modelName := chi.URLParam(r, "modelName")
	cost, err := h.store.GetModelCost(r.Context(), modelName)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "model cost not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load model cost")
		return
	}
	writeJSON(w, http.StatusOK, cost)
}

// publish sends the invalidation after a successful write. A publish failure
// is logged, not surfaced: caches converge on TTL expiry anyway.
func (h *Handler) publish(r *http.Request, typ bus.EventType, key string) {
	if err := h.bus.Publish(r.Context(), bus.Event{Type: typ, Key: key}); err != nil {
		h.logger.Warn("Invalidation publish failed",
			zap.String("type", string(typ)),
			zap.String("key", key),
			zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": msg}})
}
