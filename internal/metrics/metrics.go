package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crab_handoff"

// Metrics holds the service instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	inboundEvents    *prometheus.CounterVec
	eventDuration    *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	storeFailures    *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	connections      *prometheus.GaugeVec
	droppedConns     prometheus.Counter
	sweptSessions    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		inboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound realtime events by name and outcome.",
		}, []string{"event", "result"}),
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Time spent handling a session event inside its worker.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Committed session transitions by resulting status.",
		}, []string{"status"}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Durable store operations that failed after retries.",
		}, []string{"op"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_delivery_failures_total",
			Help:      "Outbound channel sends that failed.",
		}, []string{"channel"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open realtime connections by role.",
		}, []string{"role"}),
		droppedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_connections_dropped_total",
			Help:      "Connections closed because their outbound buffer filled up.",
		}),
		sweptSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_sessions_closed_total",
			Help:      "Sessions closed by the idle sweeper.",
		}),
	}
	reg.MustRegister(
		m.inboundEvents,
		m.eventDuration,
		m.transitions,
		m.storeFailures,
		m.deliveryFailures,
		m.connections,
		m.droppedConns,
		m.sweptSessions,
		collectors.NewGoCollector(),
	)
	return m
}

// RegisterGaugeFunc exposes a value sampled at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) InboundEvent(event, result string) {
	if m == nil {
		return
	}
	m.inboundEvents.WithLabelValues(event, result).Inc()
}

func (m *Metrics) ObserveEvent(event string, started time.Time) {
	if m == nil {
		return
	}
	m.eventDuration.WithLabelValues(event).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) StoreFailure(op string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) DeliveryFailure(channel string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Dec()
}

func (m *Metrics) SlowConnectionDropped() {
	if m == nil {
		return
	}
	m.droppedConns.Inc()
}

func (m *Metrics) SessionSwept() {
	if m == nil {
		return
	}
	m.sweptSessions.Inc()
}
