// Package router assembles the HTTP surfaces: the ingress completion
// endpoints, the admin API and the health probe on the main listener, and a
// separate metrics listener for scraping.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ametov/metergate/internal/admin"
	"github.com/ametov/metergate/internal/config"
	"github.com/ametov/metergate/internal/middleware"
	"github.com/ametov/metergate/internal/pipeline"
	"github.com/ametov/metergate/internal/providers"
	"github.com/ametov/metergate/internal/store"
)

// Pinger is anything that can report liveness of a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Config   *config.Config
	Logger   *zap.Logger
	Pipeline *pipeline.Pipeline
	Admin    *admin.Handler
	Store    store.Store
	Bus      Pinger
}

func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(cfg.Logger))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Config.CORS.AllowedOrigins,
		AllowedMethods:   cfg.Config.CORS.AllowedMethods,
		AllowedHeaders:   cfg.Config.CORS.AllowedHeaders,
		AllowCredentials: cfg.Config.CORS.AllowCredentials,
		MaxAge:           cfg.Config.CORS.MaxAge,
	}))

	r.Get("/health", health(cfg.Store, cfg.Bus))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", cfg.Pipeline.Handler(providers.DialectOpenAIChat, "/v1/chat/completions"))
		r.Post("/responses", cfg.Pipeline.Handler(providers.DialectOpenAIResponses, "/v1/responses"))
		r.Post("/messages", cfg.Pipeline.Handler(providers.DialectAnthropicMessages, "/v1/messages"))
	})

	r.Mount("/admin", cfg.Admin.Routes())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": {"message": "Not found", "type": "invalid_request_error", "code": "not_found"}}`))
	})

	return r
}

// health checks the store and the invalidation bus. A degraded bus reports
// 200 with a warning component: the gateway still serves, caches just decay
// on TTL alone.
func health(st store.Store, b Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		components := map[string]string{"store": "ok", "bus": "ok"}

		if err := st.Ping(ctx); err != nil {
			components["store"] = "down"
			status = http.StatusServiceUnavailable
		}
		if b != nil {
			if err := b.Ping(ctx); err != nil {
				components["bus"] = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     http.StatusText(status),
			"components": components,
		})
	}
}
