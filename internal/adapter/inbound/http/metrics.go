// Package http provides the HTTP transport adapter for the security engine.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for AegisGate.
// Pass to components that need to record metrics.
type Metrics struct {
	AdmissionsTotal *prometheus.CounterVec
	AuthDuration    *prometheus.HistogramVec
	LoginsTotal     *prometheus.CounterVec
	ActiveBlocks    prometheus.Gauge
	EventDropsTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		AdmissionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aegisgate",
				Name:      "admissions_total",
				Help:      "Total admission decisions by outcome",
			},
			[]string{"outcome"}, // allowed/invalid/expired/revoked/forbidden/blocked/rate_limited/unavailable
		),
		AuthDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aegisgate",
				Name:      "auth_duration_seconds",
				Help:      "Credential verification duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		LoginsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aegisgate",
				Name:      "logins_total",
				Help:      "Total login attempts by result",
			},
			[]string{"result"}, // success/failure/blocked
		),
		ActiveBlocks: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "aegisgate",
				Name:      "active_blocks",
				Help:      "Active IP and identity blocks applied this process",
			},
		),
		EventDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "aegisgate",
				Name:      "event_drops_total",
				Help:      "Security events dropped due to sink failures",
			},
		),
	}
}
