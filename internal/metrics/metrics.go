// Package metrics registers the Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the server exports.
type Metrics struct {
	Registry *prometheus.Registry

	Connections  prometheus.Gauge
	EventsTotal  *prometheus.CounterVec
	ErrorsTotal  *prometheus.CounterVec
	CASConflicts prometheus.Counter
	BusDropped   prometheus.Counter
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "syncwatch_connections",
			Help: "Live websocket connections.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncwatch_events_total",
			Help: "Inbound events by name.",
		}, []string{"event"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncwatch_errors_total",
			Help: "Wire errors by code.",
		}, []string{"code"}),
		CASConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncwatch_playback_conflicts_total",
			Help: "Playback updates abandoned after exhausting sequence retries.",
		}),
		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncwatch_bus_publish_failures_total",
			Help: "Bus publishes that fell back to local-only delivery.",
		}),
	}
	reg.MustRegister(m.Connections, m.EventsTotal, m.ErrorsTotal, m.CASConflicts, m.BusDropped)
	return m
}
