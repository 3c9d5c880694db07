package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/b2renger/ComfyQ/internal/model"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyq_jobs_total",
			Help: "Jobs by lifecycle outcome: booked, completed, failed, or deleted.",
		},
		[]string{"status"},
	)

	collisionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comfyq_collisions_total",
			Help: "Booking attempts rejected because the slot overlapped an existing one.",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfyq_queue_depth",
			Help: "Jobs currently waiting in scheduled state.",
		},
	)

	executionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comfyq_execution_seconds",
			Help:    "Wall-clock duration of one job execution from dispatch to settlement.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(collisionsTotal)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(executionSeconds)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, st := range []string{model.StatusScheduled, model.StatusCompleted, model.StatusFailed, "deleted"} {
		jobsTotal.WithLabelValues(st)
	}
}
