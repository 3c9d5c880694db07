package relay

import "github.com/prometheus/client_golang/prometheus"

var eventsUnmatched = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "comfyq_events_unmatched_total",
	Help: "Engine events dropped because no matching execution was in flight.",
})

func init() {
	prometheus.MustRegister(eventsUnmatched)
}
