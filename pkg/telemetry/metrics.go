package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "ordersync").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for durations.
	// Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry receives the collectors.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// MetricsOption configures the collectors.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "ordersync",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds every collector. Client-side and server-side collectors
// live together; a process only moves the ones it uses.
type Metrics struct {
	// Client: connection manager
	connectAttempts *prometheus.CounterVec
	reconnects      prometheus.Counter
	connectionState *prometheus.GaugeVec
	degraded        prometheus.Gauge
	eventsReceived  *prometheus.CounterVec
	eventsEmitted   *prometheus.CounterVec

	// Client: gateway
	mutations        *prometheus.CounterVec
	mutationDuration prometheus.Histogram

	// Server
	activeConnections *prometheus.GaugeVec
	handshakes        *prometheus.CounterVec
	roomMembers       *prometheus.GaugeVec
	fanoutTotal       *prometheus.CounterVec
	fanoutRecipients  prometheus.Histogram
	slowConsumers     prometheus.Counter
	protocolErrors    *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}

	return &Metrics{
		connectAttempts: counterVec("connect_attempts_total",
			"Realtime connection attempts by result", "result"),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnects_total",
			Help:        "Successful transport reconnects within a session",
			ConstLabels: config.ConstLabels,
		}),
		connectionState: gaugeVec("connection_state",
			"1 for the current connection manager state, 0 otherwise", "state"),
		degraded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "realtime_degraded",
			Help:        "1 while reconnect failures exceed the degraded threshold",
			ConstLabels: config.ConstLabels,
		}),
		eventsReceived: counterVec("events_received_total",
			"Inbound realtime events by name", "event"),
		eventsEmitted: counterVec("events_emitted_total",
			"Outbound realtime events by name and result", "event", "result"),

		mutations: counterVec("mutations_total",
			"Gateway mutations by result", "result"),
		mutationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "mutation_duration_seconds",
			Help:        "Duration of the HTTP mutation in mutate-and-notify",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		activeConnections: gaugeVec("active_connections",
			"Open realtime connections by transport", "transport"),
		handshakes: counterVec("handshakes_total",
			"Realtime handshakes by result", "result"),
		roomMembers: gaugeVec("room_members",
			"Connections per room kind", "kind"),
		fanoutTotal: counterVec("fanout_total",
			"Fanned out events by name", "event"),
		fanoutRecipients: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "fanout_recipients",
			Help:        "Recipients per fanned out event",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "slow_consumers_total",
			Help:        "Connections closed because their outbound queue was full",
			ConstLabels: config.ConstLabels,
		}),
		protocolErrors: counterVec("protocol_errors_total",
			"Inbound messages rejected by the server, by code", "code"),
		httpRequests: counterVec("http_requests_total",
			"HTTP requests served by route and status class", "route", "status"),
	}
}

// Client-side results for RecordConnectAttempt.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
	ResultSent     = "sent"
	ResultDropped  = "dropped"
)

// RecordConnectAttempt counts a dial by result.
func (m *Metrics) RecordConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

// RecordReconnect counts a successful reconnect.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetConnectionState marks state as current among states.
func (m *Metrics) SetConnectionState(state string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

// SetDegraded sets the degraded gauge.
func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.degraded.Set(1)
	} else {
		m.degraded.Set(0)
	}
}

// RecordEventReceived counts an inbound event.
func (m *Metrics) RecordEventReceived(event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(event).Inc()
}

// RecordEventEmitted counts an outbound event.
func (m *Metrics) RecordEventEmitted(event, result string) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(event, result).Inc()
}

// RecordMutation counts a gateway mutation and observes its duration.
func (m *Metrics) RecordMutation(result string, seconds float64) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(result).Inc()
	m.mutationDuration.Observe(seconds)
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(transport).Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.activeConnections.WithLabelValues(transport).Dec()
}

// RecordHandshake counts a server handshake by result.
func (m *Metrics) RecordHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// SetRoomMembers sets the member gauge for a room kind ("role" or "user").
func (m *Metrics) SetRoomMembers(kind string, n int) {
	if m == nil {
		return
	}
	m.roomMembers.WithLabelValues(kind).Set(float64(n))
}

// RecordFanout counts a fan-out and observes its recipient count.
func (m *Metrics) RecordFanout(event string, recipients int) {
	if m == nil {
		return
	}
	m.fanoutTotal.WithLabelValues(event).Inc()
	m.fanoutRecipients.Observe(float64(recipients))
}

// RecordSlowConsumer counts a connection closed for a full queue.
func (m *Metrics) RecordSlowConsumer() {
	if m == nil {
		return
	}
	m.slowConsumers.Inc()
}

// RecordProtocolError counts a rejected inbound message.
func (m *Metrics) RecordProtocolError(code string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(code).Inc()
}

// RecordHTTPRequest counts an HTTP request.
func (m *Metrics) RecordHTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
