package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	engineUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfyq_engine_up",
			Help: "Whether the generation engine is ready to accept work (1) or not (0).",
		},
	)

	calibrationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comfyq_calibration_seconds",
			Help:    "Duration of the warmup run used to calibrate the slot duration, in seconds.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		},
	)

	eventReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comfyq_event_stream_reconnects_total",
			Help: "Number of times the engine event stream had to be redialed.",
		},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyq_events_total",
			Help: "Engine push events received, by decoded type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(engineUp)
	prometheus.MustRegister(calibrationSeconds)
	prometheus.MustRegister(eventReconnects)
	prometheus.MustRegister(eventsTotal)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, t := range []string{"progress", "executing", "status", "unknown"} {
		eventsTotal.WithLabelValues(t)
	}
}
