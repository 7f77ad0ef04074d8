// Package metrics wires the agent's counters/gauges/histograms into a
// dedicated Prometheus registry exposed on /metrics.
package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every metric the agent exports. Fields are safe for
// concurrent use (the underlying prometheus vectors are).
type Metrics struct {
	reg *prom.Registry

	WriteGuardAccepted *prom.CounterVec
	WriteGuardDropped  *prom.CounterVec

	AlertState   *prom.GaugeVec
	AlertEmitted *prom.CounterVec

	BackendQueueDepth  prom.Gauge
	BackendPostFailure *prom.CounterVec

	ControllerTickDuration *prom.HistogramVec
	ControllerTickErrors   *prom.CounterVec

	FieldBusReadErrors  *prom.CounterVec
	FieldBusWriteErrors *prom.CounterVec

	ActiveWorkers prom.Gauge
}

// New builds a Metrics instance registered against a fresh registry.
func New() *Metrics {
	reg := prom.NewRegistry()
	m := &Metrics{
		reg: reg,
		WriteGuardAccepted: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "edgeagent", Subsystem: "writeguard", Name: "accepted_total",
			Help: "Accepted register writes.",
		}, []string{"register"}),
		WriteGuardDropped: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "edgeagent", Subsystem: "writeguard", Name: "dropped_total",
			Help: "Dropped register writes by reason.",
		}, []string{"register", "reason"}),
		AlertState: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "edgeagent", Subsystem: "health", Name: "alert_state",
			Help: "1 if the alert is currently in the given state, else 0.",
		}, []string{"consus_id", "code", "state"}),
		AlertEmitted: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "edgeagent", Subsystem: "health", Name: "alerts_emitted_total",
			Help: "Alert events emitted by severity.",
		}, []string{"consus_id", "code", "severity"}),
		BackendQueueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: "edgeagent", Subsystem: "backend", Name: "queue_depth",
			Help: "Current telemetry queue depth awaiting flush.",
		}),
		BackendPostFailure: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "edgeagent", Subsystem: "backend", Name: "post_failures_total",
			Help: "Failed backend POSTs by endpoint kind.",
		}, []string{"kind"}),
		ControllerTickDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "edgeagent", Subsystem: "controller", Name: "tick_duration_seconds",
			Help:    "Per-unit controller tick duration.",
			Buckets: prom.DefBuckets,
		}, []string{"consus_id"}),
		ControllerTickErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "edgeagent", Subsystem: "controller", Name: "tick_errors_total",
			Help: "Controller ticks that recovered from an error.",
		}, []string{"consus_id"}),
		FieldBusReadErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "edgeagent", Subsystem: "fieldbus", Name: "read_errors_total",
			Help: "Field-bus read failures by register name.",
		}, []string{"consus_id", "register"}),
		FieldBusWriteErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "edgeagent", Subsystem: "fieldbus", Name: "write_errors_total",
			Help: "Field-bus write failures by register name.",
		}, []string{"consus_id", "register"}),
		ActiveWorkers: prom.NewGauge(prom.GaugeOpts{
			Namespace: "edgeagent", Subsystem: "supervisor", Name: "active_workers",
			Help: "Number of units currently supervised.",
		}),
	}
	reg.MustRegister(
		m.WriteGuardAccepted, m.WriteGuardDropped,
		m.AlertState, m.AlertEmitted,
		m.BackendQueueDepth, m.BackendPostFailure,
		m.ControllerTickDuration, m.ControllerTickErrors,
		m.FieldBusReadErrors, m.FieldBusWriteErrors,
		m.ActiveWorkers,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
