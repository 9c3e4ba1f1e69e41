package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Authentication metrics
	LoginsTotal        *prometheus.CounterVec
	LoginFailuresTotal *prometheus.CounterVec

	// Logout metrics
	BackchannelLogoutsTotal *prometheus.CounterVec

	// Discovery cache metrics
	DiscoveryCacheHitsTotal   prometheus.Counter
	DiscoveryCacheMissesTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_logins_total",
				Help: "Total number of successful external logins",
			},
			[]string{"protocol"},
		),
		LoginFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_login_failures_total",
				Help: "Total number of failed external logins",
			},
			[]string{"protocol", "reason"},
		),
		BackchannelLogoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_backchannel_logouts_total",
				Help: "Total number of backchannel logout requests",
			},
			[]string{"protocol", "outcome"},
		),
		DiscoveryCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "federation_discovery_cache_hits_total",
				Help: "Total number of OIDC discovery document cache hits",
			},
		),
		DiscoveryCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "federation_discovery_cache_misses_total",
				Help: "Total number of OIDC discovery document cache misses",
			},
		),
	}

	registry.MustRegister(
		m.LoginsTotal,
		m.LoginFailuresTotal,
		m.BackchannelLogoutsTotal,
		m.DiscoveryCacheHitsTotal,
		m.DiscoveryCacheMissesTotal,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
