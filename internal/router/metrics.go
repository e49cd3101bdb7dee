package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ametov/metergate/internal/metrics"
)

// NewMetrics builds the scrape-only router served on the metrics port.
func NewMetrics() http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	return r
}
