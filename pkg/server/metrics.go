package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// Metrics holds all Prometheus metrics for the server. Each instance owns
// its registry so several servers can live in one process. All methods are
// no-ops on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      *prometheus.CounterVec
	sessionsDisconnected *prometheus.CounterVec
	rooms                prometheus.Gauge

	// Message metrics
	messagesReceived *prometheus.CounterVec // by opcode
	messagesSent     *prometheus.CounterVec // by opcode
	deliveryFailures *prometheus.CounterVec // by opcode
	errorsSent       *prometheus.CounterVec // by reason code
	rateLimited      prometheus.Counter
	framingErrors    prometheus.Counter

	// Fan-out metrics
	fanout         *prometheus.HistogramVec
	fanoutDuration *prometheus.HistogramVec
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomchat_active_sessions",
				Help: "Current number of registered sessions",
			},
		),
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomchat_sessions_created_total",
				Help: "Total number of accepted connections by transport",
			},
			[]string{"transport"},
		),
		sessionsDisconnected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomchat_sessions_disconnected_total",
				Help: "Total number of closed connections by reason",
			},
			[]string{"reason"},
		),
		rooms: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomchat_rooms",
				Help: "Number of rooms",
			},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomchat_messages_received_total",
				Help: "Total number of frames received from clients by opcode",
			},
			[]string{"opcode"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomchat_messages_sent_total",
				Help: "Total number of frames sent to clients by opcode",
			},
			[]string{"opcode"},
		),
		deliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomchat_delivery_failures_total",
				Help: "Total number of failed sends to a recipient by opcode",
			},
			[]string{"opcode"},
		),
		errorsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomchat_errors_total",
				Help: "Total number of ERROR replies by reason",
			},
			[]string{"reason"},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roomchat_rate_limited_total",
				Help: "Total number of frames dropped by the per-session rate limit",
			},
		),
		framingErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roomchat_framing_errors_total",
				Help: "Total number of connections closed for a malformed frame",
			},
		),
		fanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomchat_fanout_recipients",
				Help:    "Number of recipients per delivery",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
			},
			[]string{"kind"}, // "all", "room" or "direct"
		),
		fanoutDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomchat_fanout_duration_seconds",
				Help:    "Time taken to deliver a message to all recipients",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordSessionCreated counts an accepted connection
func (m *Metrics) RecordSessionCreated(transport string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

// RecordSessionDisconnected counts a closed connection
func (m *Metrics) RecordSessionDisconnected(reason string) {
	if m == nil {
		return
	}
	m.sessionsDisconnected.WithLabelValues(reason).Inc()
}

// RecordActiveSessions sets the registered session gauge
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordRooms sets the room gauge
func (m *Metrics) RecordRooms(count int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(count))
}

// RecordMessageReceived counts an inbound frame
func (m *Metrics) RecordMessageReceived(opcode uint32) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(protocol.OpcodeName(opcode)).Inc()
}

// RecordMessageSent counts an outbound frame
func (m *Metrics) RecordMessageSent(opcode uint32) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(protocol.OpcodeName(opcode)).Inc()
}

// RecordDeliveryFailure counts a send that failed for one recipient
func (m *Metrics) RecordDeliveryFailure(opcode uint32) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(protocol.OpcodeName(opcode)).Inc()
}

// RecordError counts an ERROR reply by reason code
func (m *Metrics) RecordError(code uint32) {
	if m == nil {
		return
	}
	m.errorsSent.WithLabelValues(protocol.ErrCodeName(code)).Inc()
}

// RecordRateLimited counts a dropped frame
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// RecordFramingError counts a connection closed for a bad frame
func (m *Metrics) RecordFramingError() {
	if m == nil {
		return
	}
	m.framingErrors.Inc()
}

// RecordFanout records the size and duration of one delivery
func (m *Metrics) RecordFanout(kind string, recipients int, duration time.Duration) {
	if m == nil {
		return
	}
	m.fanout.WithLabelValues(kind).Observe(float64(recipients))
	m.fanoutDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
