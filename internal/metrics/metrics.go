// Package metrics wires the small set of prometheus.Collectors CentralServer
// and FleetDashboard expose at /metrics. Each process gets its own
// prometheus.Registry rather than sharing the global default, so tests can
// construct one per case without collector-already-registered panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Central holds CentralServer's exported gauges/counters.
type Central struct {
	registry       *prometheus.Registry
	ActiveSessions prometheus.Gauge
	ToolCallsTotal prometheus.Counter
	SessionsTotal  prometheus.Counter
}

// NewCentral creates a Central metrics set registered on a fresh registry.
func NewCentral() *Central {
	reg := prometheus.NewRegistry()
	m := &Central{
		registry: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coderelay",
			Subsystem: "central",
			Name:      "active_sessions",
			Help:      "Number of sessions not in the disconnected state.",
		}),
		ToolCallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coderelay",
			Subsystem: "central",
			Name:      "tool_calls_total",
			Help:      "Total tool invocations dispatched across all sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coderelay",
			Subsystem: "central",
			Name:      "sessions_total",
			Help:      "Total sessions ever created.",
		}),
	}
	reg.MustRegister(m.ActiveSessions, m.ToolCallsTotal, m.SessionsTotal)
	return m
}

// Handler serves this registry's collectors in the Prometheus exposition format.
func (m *Central) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Fleet holds FleetDashboard's exported gauges.
type Fleet struct {
	registry            *prometheus.Registry
	RegisteredInstances prometheus.Gauge
	ZombieInstances     prometheus.Gauge
	ForceKillsTotal     prometheus.Counter
}

// NewFleet creates a Fleet metrics set registered on a fresh registry.
func NewFleet() *Fleet {
	reg := prometheus.NewRegistry()
	m := &Fleet{
		registry: reg,
		RegisteredInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coderelay",
			Subsystem: "fleet",
			Name:      "registered_instances",
			Help:      "Number of instances currently in the registry.",
		}),
		ZombieInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coderelay",
			Subsystem: "fleet",
			Name:      "zombie_instances",
			Help:      "Number of instances currently marked zombie.",
		}),
		ForceKillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coderelay",
			Subsystem: "fleet",
			Name:      "force_kills_total",
			Help:      "Total force-kill operations issued, regardless of outcome.",
		}),
	}
	reg.MustRegister(m.RegisteredInstances, m.ZombieInstances, m.ForceKillsTotal)
	return m
}

// Handler serves this registry's collectors in the Prometheus exposition format.
func (m *Fleet) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
