package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metergate_requests_total",
		Help: "Inbound requests by endpoint and status code",
	}, []string{"endpoint", "status"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metergate_settlements_total",
		Help: "Settlements by outcome (billed, zero_cost, pricing_missing, dead_letter)",
	}, []string{"outcome"})

	BilledUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metergate_billed_usd_total",
		Help: "Total USD debited to accounts",
	})

	UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metergate_upstream_duration_seconds",
		Help:    "Upstream call duration by provider",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
