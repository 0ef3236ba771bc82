package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/portfolio-chat/relay/internal/model/chat"
)

// Metrics holds the relay collectors on a registry of their own so two
// engines in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	connections     *prometheus.GaugeVec
	events          *prometheus.CounterVec
	messages        *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	openSessions    prometheus.Gauge
	droppedFrames   prometheus.Counter
	pendingWrites   prometheus.Gauge
}

// NewMetrics builds and registers the relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Registered connections by role.",
		}, []string{"role"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Inbound events by name and outcome.",
		}, []string{"event", "outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Chat messages relayed by sender role.",
		}, []string{"role"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_persistence_failures_total",
			Help: "Failed gateway calls by operation.",
		}, []string{"op"}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_open_sessions",
			Help: "Sessions that are waiting or active.",
		}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_dropped_frames_total",
			Help: "Outbound frames dropped because a connection could not keep up.",
		}),
		pendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_writes",
			Help: "Write-behind jobs not yet acknowledged by the durable store.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.events,
		m.messages,
		m.persistFailures,
		m.openSessions,
		m.droppedFrames,
		m.pendingWrites,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) setConnections(role chat.Role, n int) {
	m.connections.WithLabelValues(string(role)).Set(float64(n))
}
