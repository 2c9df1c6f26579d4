// Package metrics exposes Prometheus collectors for the notification
// subsystem. One Metrics value implements the observer hooks of the bus,
// preference filter, rule engine, dispatcher, scheduler, connection manager
// and supervisor.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crmnotify/internal/model"
)

const namespace = "crmnotify"

type Metrics struct {
	reg *prometheus.Registry

	eventsPublished  *prometheus.CounterVec
	subscriberPanics *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec

	prefDecisions *prometheus.CounterVec

	rulesMatched *prometheus.CounterVec
	deliveries   *prometheus.CounterVec

	scheduledFired   *prometheus.CounterVec
	scheduledPending prometheus.Gauge

	connState      prometheus.Gauge
	reconnects     prometheus.Counter
	reconnectDepth prometheus.Gauge
	inbound        *prometheus.CounterVec

	restarts *prometheus.CounterVec
	panics   *prometheus.CounterVec
}

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "events_total",
			Help: "Events dispatched on the bus, by kind and whether any subscriber received them.",
		}, []string{"kind", "delivered"}),
		subscriberPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "subscriber_panics_total",
			Help: "Recovered subscriber panics, by event kind.",
		}, []string{"kind"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rules", Name: "events_dropped_total",
			Help: "Events dropped because the dispatch queue was full.",
		}, []string{"kind"}),
		prefDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "prefs", Name: "decisions_total",
			Help: "Preference decisions, by channel and reason.",
		}, []string{"channel", "reason"}),
		rulesMatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rules", Name: "matched_total",
			Help: "Rule matches, by rule id.",
		}, []string{"rule"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "attempts_total",
			Help: "Delivery attempts, by channel and outcome.",
		}, []string{"channel", "status"}),
		scheduledFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "fired_total",
			Help: "Scheduled entries fired, by event kind.",
		}, []string{"kind"}),
		scheduledPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "pending",
			Help: "Scheduled entries waiting to fire.",
		}),
		connState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connection", Name: "state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed.",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "reconnects_total",
			Help: "Reconnect attempts scheduled.",
		}),
		reconnectDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connection", Name: "reconnect_attempt",
			Help: "Current reconnect attempt number.",
		}),
		inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "inbound_messages_total",
			Help: "Inbound transport messages, by kind and whether they were accepted.",
		}, []string{"kind", "accepted"}),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "restarts_total",
			Help: "Supervised goroutine restarts, by name.",
		}, []string{"name"}),
		panics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "supervisor", Name: "panics_total",
			Help: "Supervised goroutine panics, by name.",
		}, []string{"name"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// eventbus.Observer

func (m *Metrics) Dispatched(kind model.EventKind, delivered int) {
	m.eventsPublished.WithLabelValues(string(kind), strconv.FormatBool(delivered > 0)).Inc()
}

func (m *Metrics) SubscriberPanicked(kind model.EventKind) {
	m.subscriberPanics.WithLabelValues(string(kind)).Inc()
}

// prefs.Observer

func (m *Metrics) PreferenceDecision(ch model.Channel, reason string) {
	m.prefDecisions.WithLabelValues(string(ch), reason).Inc()
}

// rules.Observer and rules.DropObserver

func (m *Metrics) RuleMatched(ruleID string) { m.rulesMatched.WithLabelValues(ruleID).Inc() }

func (m *Metrics) DeliveryOutcome(ch model.Channel, status string) {
	m.deliveries.WithLabelValues(string(ch), status).Inc()
}

func (m *Metrics) EventDropped(kind model.EventKind) {
	m.eventsDropped.WithLabelValues(string(kind)).Inc()
}

// scheduler.Observer

func (m *Metrics) ScheduledFired(kind model.EventKind) {
	m.scheduledFired.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ScheduledPending(n int) { m.scheduledPending.Set(float64(n)) }

// connection.Observer

func (m *Metrics) ConnectionState(s model.ConnectionState) {
	m.connState.Set(float64(s))
	if s == model.StateConnected {
		m.reconnectDepth.Set(0)
	}
}

func (m *Metrics) ReconnectScheduled(attempt int) {
	m.reconnects.Inc()
	m.reconnectDepth.Set(float64(attempt))
}

func (m *Metrics) InboundMessage(kind string, accepted bool) {
	m.inbound.WithLabelValues(kind, strconv.FormatBool(accepted)).Inc()
}

// supervisor.Hook

func (m *Metrics) GoroutineRestarted(name string) { m.restarts.WithLabelValues(name).Inc() }

func (m *Metrics) GoroutinePanicked(name string) { m.panics.WithLabelValues(name).Inc() }
