package maintenance

import (
	"github.com/kabieror/elwasys-common/pkg/message"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of one server or client. A nil
// *Metrics disables collection.
type Metrics struct {
	connections        prometheus.Gauge
	handshakes         *prometheus.CounterVec // result: ok, failed
	evictions          prometheus.Counter
	inactivityTimeouts prometheus.Counter
	heartbeatFailures  prometheus.Counter
	requestTimeouts    prometheus.Counter
	protocolErrors     *prometheus.CounterVec // kind: malformed, unmatched, unknown
	messages           *prometheus.CounterVec // direction: in, out
}

// NewMetrics creates the collectors and registers them with registry. A nil
// registry returns nil, which disables metrics.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elwasys",
			Subsystem: "maintenance",
			Name:      "connections",
			Help:      "Number of established maintenance connections",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elwasys",
			Subsystem: "maintenance",
			Name:      "handshakes_total",
			Help:      "Handshakes attempted, by result",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elwasys",
			Subsystem: "maintenance",
			Name:      "evictions_total",
			Help:      "Connections shut down because a newer handshake took over their location",
		}),
		inactivityTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elwasys",
			Subsystem: "maintenance",
			Name:      "inactivity_timeouts_total",
			Help:      "Connections closed by the inactivity watchdog",
		}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elwasys",
			Subsystem: "maintenance",
			Name:      "heartbeat_failures_total",
			Help:      "Connections closed because a heartbeat round trip failed",
		}),
		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elwasys",
			Subsystem: "maintenance",
			Name:      "request_timeouts_total",
			Help:      "Queries that received no response within the request timeout",
		}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elwasys",
			Subsystem: "maintenance",
			Name:      "protocol_errors_total",
			Help:      "Inbound messages answered with an error message, by kind",
		}, []string{"kind"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elwasys",
			Subsystem: "maintenance",
			Name:      "messages_total",
			Help:      "Messages sent and received, by direction and type",
		}, []string{"direction", "type"}),
	}

	collectors := []prometheus.Collector{
		m.connections,
		m.handshakes,
		m.evictions,
		m.inactivityTimeouts,
		m.heartbeatFailures,
		m.requestTimeouts,
		m.protocolErrors,
		m.messages,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) handshake(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.handshakes.WithLabelValues("ok").Inc()
	} else {
		m.handshakes.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) eviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *Metrics) inactivityTimeout() {
	if m != nil {
		m.inactivityTimeouts.Inc()
	}
}

func (m *Metrics) heartbeatFailure() {
	if m != nil {
		m.heartbeatFailures.Inc()
	}
}

func (m *Metrics) requestTimeout() {
	if m != nil {
		m.requestTimeouts.Inc()
	}
}

func (m *Metrics) protocolError(kind string) {
	if m != nil {
		m.protocolErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) messageReceived(t message.MessageType) {
	if m != nil {
		m.messages.WithLabelValues("in", t.String()).Inc()
	}
}

func (m *Metrics) messageSent(t message.MessageType) {
	if m != nil {
		m.messages.WithLabelValues("out", t.String()).Inc()
	}
}
