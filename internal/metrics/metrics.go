// Package metrics exposes Prometheus instrumentation for the NBD daemon:
// sessions accepted, commands processed by type and result, bytes
// transferred, and the Recorder's current state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the registry and collectors for a single daemon process.
type Metrics struct {
	registry *prometheus.Registry

	sessionsTotal   prometheus.Counter
	commandsTotal   *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
	recorderState   prometheus.Gauge
	activeSessions  prometheus.Gauge
}

var global *Metrics

// Init creates and registers the metrics subsystem under namespace
// (typically "nbd"). Safe to call once at startup.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of NBD sessions accepted.",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of transmission-phase commands processed, by command and wire error code.",
		}, []string{"command", "error_code"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes transferred over NBD sessions, by direction.",
		}, []string{"direction"}),
		recorderState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recorder_state",
			Help:      "1 if the recorder is currently Recording, 0 if Idle.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of NBD sessions currently being served.",
		}),
	}

	registry.MustRegister(
		m.sessionsTotal,
		m.commandsTotal,
		m.bytesTotal,
		m.recorderState,
		m.activeSessions,
	)

	global = m
	return m
}

// Global returns the metrics installed by Init, or nil if Init was never
// called.
func Global() *Metrics {
	return global
}

// Handler returns an http.Handler serving this registry in the
// Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionAccepted increments the session counter and the active-session
// gauge; call SessionEnded when the session returns.
func (m *Metrics) SessionAccepted() {
	m.sessionsTotal.Inc()
	m.activeSessions.Inc()
}

// SessionEnded decrements the active-session gauge.
func (m *Metrics) SessionEnded() {
	m.activeSessions.Dec()
}

// CommandHandled records one processed command and its wire-level error
// code.
func (m *Metrics) CommandHandled(command string, errCode uint32) {
	m.commandsTotal.WithLabelValues(command, errCodeLabel(errCode)).Inc()
}

// BytesTransferred records n bytes moved in the given direction ("read"
// or "write").
func (m *Metrics) BytesTransferred(direction string, n int) {
	if n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// SetRecording reflects the Recorder's current state in the gauge.
func (m *Metrics) SetRecording(recording bool) {
	if recording {
		m.recorderState.Set(1)
		return
	}
	m.recorderState.Set(0)
}

func errCodeLabel(code uint32) string {
	switch code {
	case 0:
		return "0"
	case 22:
		return "22"
	case 28:
		return "28"
	default:
		return "other"
	}
}
