// Package metrics exposes Prometheus instrumentation for the tracer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallettrace7000",
		Subsystem: "dispatcher",
		Name:      "attempts_total",
		Help:      "Count of dispatcher attempts against upstream mirrors.",
	}, []string{"endpoint", "operation", "status"})
	dispatchAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wallettrace7000",
		Subsystem: "dispatcher",
		Name:      "attempt_duration_seconds",
		Help:      "Duration of dispatcher attempts against upstream mirrors.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint", "operation", "status"})
	dispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wallettrace7000",
		Subsystem: "dispatcher",
		Name:      "in_flight_requests",
		Help:      "Requests currently holding a global in-flight slot.",
	})
	endpointHealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wallettrace7000",
		Subsystem: "endpoints",
		Name:      "health_score",
		Help:      "Derived health score per endpoint, 0 while in cooldown.",
	}, []string{"endpoint"})
)

// ObserveDispatch records one upstream attempt.
func ObserveDispatch(endpoint, operation string, err error, started time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	dispatchAttemptsTotal.WithLabelValues(endpoint, operation, status).Inc()
	dispatchAttemptDuration.WithLabelValues(endpoint, operation, status).Observe(time.Since(started).Seconds())
}

// SetInFlight updates the global in-flight gauge.
func SetInFlight(n int) {
	dispatchInFlight.Set(float64(n))
}

// SetEndpointScore publishes an endpoint's current health score.
func SetEndpointScore(endpoint string, score float64) {
	endpointHealthScore.WithLabelValues(endpoint).Set(score)
}
