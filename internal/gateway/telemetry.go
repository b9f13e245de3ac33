package gateway

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "ops_gateway"

// Telemetry holds the Prometheus collectors shared by every gateway. Each
// series is labelled with the gateway name.
type Telemetry struct {
	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsTotal    *prometheus.CounterVec
	MessagesReceived    *prometheus.CounterVec
	MessagesRejected    *prometheus.CounterVec
	AuthFailures        *prometheus.CounterVec
	LogStreamsActive    prometheus.Gauge
	StatsPollsActive    *prometheus.GaugeVec
	TerminalsActive     prometheus.Gauge
	UpstreamErrors      *prometheus.CounterVec
	SlowConsumersKilled *prometheus.CounterVec
}

// NewTelemetry creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which tests rely on.
func NewTelemetry(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		ConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Currently open WebSocket connections.",
		}, []string{"gateway"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Accepted WebSocket connections.",
		}, []string{"gateway"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Inbound client messages by type.",
		}, []string{"gateway", "type"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_rejected_total",
			Help:      "Inbound client messages answered with an error frame or dropped.",
		}, []string{"gateway", "reason"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_failures_total",
			Help:      "Failed or timed out authentication attempts.",
		}, []string{"gateway"}),
		LogStreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "log_streams_active",
			Help:      "Upstream container log streams currently open.",
		}),
		StatsPollsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "polls_active",
			Help:      "Periodic snapshot subscriptions currently running.",
		}, []string{"gateway"}),
		TerminalsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "terminal_sessions_active",
			Help:      "Interactive exec sessions currently open.",
		}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_errors_total",
			Help:      "Container runtime failures by operation.",
		}, []string{"operation"}),
		SlowConsumersKilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "slow_consumers_terminated_total",
			Help:      "Connections terminated because their send queue filled up.",
		}, []string{"gateway"}),
	}

	if reg != nil {
		reg.MustRegister(
			t.ConnectionsActive,
			t.ConnectionsTotal,
			t.MessagesReceived,
			t.MessagesRejected,
			t.AuthFailures,
			t.LogStreamsActive,
			t.StatsPollsActive,
			t.TerminalsActive,
			t.UpstreamErrors,
			t.SlowConsumersKilled,
		)
	}
	return t
}
