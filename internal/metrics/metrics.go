package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remaster_jobs_total",
			Help: "Enhancement jobs by media kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remaster_job_duration_seconds",
			Help:    "Wall time of enhancement jobs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"kind"},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remaster_jobs_in_flight",
			Help: "Jobs currently being processed",
		},
	)

	FramesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remaster_frames_processed_total",
			Help: "Video frames enhanced and written",
		},
	)

	ModelLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remaster_model_loads_total",
			Help: "Model load attempts by model and result",
		},
		[]string{"model", "result"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remaster_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remaster_breaker_requests_total",
			Help: "Calls through a circuit breaker by result",
		},
		[]string{"name", "result"},
	)
)

// RecordJob records a finished job.
func RecordJob(kind, status string, d time.Duration) {
	JobsTotal.WithLabelValues(kind, status).Inc()
	if status != "skipped" {
		JobDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}
