// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry and served by promhttp at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhaseDuration tracks how long one tenant phase (collect or send) took.
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "newsletter_phase_duration_seconds",
			Help: "Duration of tenant collect/send phases in seconds",
			Buckets: []float64{
				0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
			},
		},
		[]string{"tenant", "phase", "outcome"}, // outcome: ran, skipped, failed
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_deliveries_total",
			Help: "Per-subscriber delivery attempts by status",
		},
		[]string{"tenant", "status"},
	)

	Collections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_collections_total",
			Help: "Collector invocations by result (ok, degraded, failed, cached)",
		},
		[]string{"tenant", "result"},
	)

	SubscriptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_subscription_ops_total",
			Help: "Subscription operations by outcome code",
		},
		[]string{"tenant", "op", "code"},
	)

	Ticks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_ticks_total",
			Help: "Scheduler ticks by result (ran, overlapped)",
		},
		[]string{"result"},
	)

	LastTick = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "newsletter_last_tick_timestamp_seconds",
		Help: "Unix time of the last completed scheduler tick",
	})

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsletter_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func RecordPhase(tenant, phase, outcome string, d time.Duration) {
	PhaseDuration.WithLabelValues(tenant, phase, outcome).Observe(d.Seconds())
}

func RecordDelivery(tenant, status string) {
	Deliveries.WithLabelValues(tenant, status).Inc()
}

func RecordCollection(tenant, result string) {
	Collections.WithLabelValues(tenant, result).Inc()
}

// RecordSubscriptionOp counts one operation; code is "ok" or an error code.
func RecordSubscriptionOp(tenant, op, code string) {
	SubscriptionOps.WithLabelValues(tenant, op, code).Inc()
}

func RecordTick(at time.Time, overlapped bool) {
	if overlapped {
		Ticks.WithLabelValues("overlapped").Inc()
		return
	}
	Ticks.WithLabelValues("ran").Inc()
	LastTick.Set(float64(at.Unix()))
}

func RecordHTTP(method, route, status string, d time.Duration) {
	HTTPDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}
