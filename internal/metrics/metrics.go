// Package metrics exposes the process-wide prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lucid_sessions_active",
		Help: "Sessions currently held in the registry.",
	})

	SandboxesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lucid_sandboxes_active",
		Help: "Sandbox containers currently tracked by this process.",
	})

	SessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lucid_sessions_created_total",
		Help: "Sessions created, by runner mode.",
	}, []string{"mode"})

	EventsForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lucid_events_forwarded_total",
		Help: "Agent events forwarded to clients.",
	})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lucid_events_dropped_total",
		Help: "Agent events dropped because a session queue was full.",
	})

	TranscriptFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lucid_transcript_flush_total",
		Help: "Transcript batch flushes, by result.",
	}, []string{"result"})

	OrphansRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lucid_orphans_removed_total",
		Help: "Orphaned sandbox containers removed at startup or on demand.",
	})

	RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lucid_run_duration_seconds",
		Help:    "Agent run duration, by outcome.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	}, []string{"outcome"})
)

// Registry holds every collector above plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionsActive,
		SandboxesActive,
		SessionsCreated,
		EventsForwarded,
		EventsDropped,
		TranscriptFlushes,
		OrphansRemoved,
		RunDuration,
	)
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
