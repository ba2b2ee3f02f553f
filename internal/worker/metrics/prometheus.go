package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	startTime = time.Now()

	// UptimeSeconds tracks the worker service uptime in seconds
	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axonhive",
		Subsystem: "worker",
		Name:      "uptime_seconds",
		Help:      "Time passed since the worker started in seconds",
	})

	TasksObservedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "worker",
		Name:      "tasks_observed_total",
		Help:      "Escrow deposits observed for this worker",
	})

	AuthorizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "worker",
		Name:      "authorizations_total",
		Help:      "Authorization verifications (status=accepted/rejected)",
	}, []string{"status"})

	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "worker",
		Name:      "executions_total",
		Help:      "Capability executions (status=success/failure)",
	}, []string{"status"})

	ExecutionDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "axonhive",
		Subsystem: "worker",
		Name:      "execution_duration_seconds",
		Help:      "Capability execution latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service"})

	ProofsServedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "worker",
		Name:      "proofs_served_total",
		Help:      "Settlement proofs served for pickup",
	})

	LastScannedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axonhive",
		Subsystem: "worker",
		Name:      "last_scanned_block",
		Help:      "High-water mark of the escrow event scan",
	})
)

// StartMetricsCollection starts collecting metrics
func StartMetricsCollection() {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			UptimeSeconds.Set(time.Since(startTime).Seconds())
		}
	}()
}
