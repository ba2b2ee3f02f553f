package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	startTime = time.Now()

	// UptimeSeconds tracks the master service uptime in seconds
	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "uptime_seconds",
		Help:      "Time passed since the master started in seconds",
	})

	// Task lifecycle metrics
	TasksCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "tasks_created_total",
		Help:      "Tasks created",
	})

	TasksByTerminalStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "tasks_terminal_total",
		Help:      "Tasks reaching a terminal status (status=completed/refunded/failed)",
	}, []string{"status"})

	// Escrow interaction metrics
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "escrow_deposits_total",
		Help:      "Escrow deposit transactions (status=success/failure)",
	}, []string{"status"})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "escrow_refunds_total",
		Help:      "Escrow refund transactions (status=success/failure)",
	}, []string{"status"})

	RelaySubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "relay_submissions_total",
		Help:      "Gasless relay submissions on workers' behalf (status=success/failure)",
	}, []string{"status"})

	// Event polling metrics
	EventsDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "events_detected_total",
		Help:      "Escrow events detected (event_type=task_created/task_completed/task_refunded)",
	}, []string{"event_type"})

	LastScannedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "last_scanned_block",
		Help:      "High-water mark of the escrow event scan",
	})

	// Payment gate metrics
	PaymentChallengesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "payment_challenges_total",
		Help:      "402 challenges issued",
	})

	PaymentProofsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "payment_proofs_total",
		Help:      "Payment proofs processed (status=accepted/rejected)",
	}, []string{"status"})

	// Discovery metrics
	ManifestFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "manifest_fetches_total",
		Help:      "Worker manifest fetches (status=success/failure)",
	}, []string{"status"})

	WorkersDiscovered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "workers_discovered",
		Help:      "Registered workers currently known to the indexer",
	})

	// Pipeline metrics
	PipelineStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axonhive",
		Subsystem: "master",
		Name:      "pipeline_steps_total",
		Help:      "Pipeline steps executed (status=completed/failed)",
	}, []string{"status"})
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
