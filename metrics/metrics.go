// Package metrics exports runtime counters through prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "icelite"

type Metrics struct {
	Invocations        *prometheus.CounterVec
	Retries            prometheus.Counter
	ConnectionsOpened  *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	ConnectionFailures *prometheus.CounterVec
	Dispatches         *prometheus.CounterVec
	LocatorLookups     *prometheus.CounterVec
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
}

// New creates the collectors and registers them with reg when reg is not
// nil. instance labels every series, so several communicators can share a
// registry.
func New(reg prometheus.Registerer, instance string) *Metrics {
	labels := prometheus.Labels{"instance": instance}
	m := &Metrics{
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "invocations_total",
			Help:        "Completed outgoing invocations by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "invocation_retries_total",
			Help:        "Retried invocation attempts.",
			ConstLabels: labels,
		}),
		ConnectionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_opened_total",
			Help:        "Connections that reached the active state.",
			ConstLabels: labels,
		}, []string{"direction"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active",
			Help:        "Connections currently active.",
			ConstLabels: labels,
		}),
		ConnectionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_failures_total",
			Help:        "Connections closed or failed, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatches_total",
			Help:        "Incoming requests dispatched, by reply status.",
			ConstLabels: labels,
		}, []string{"status"}),
		LocatorLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "locator_lookups_total",
			Help:        "Locator resolutions by kind and outcome.",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help:        "Bytes written to transports.",
			ConstLabels: labels,
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help:        "Bytes read from transports.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Invocations, m.Retries, m.ConnectionsOpened, m.ConnectionsActive,
			m.ConnectionFailures, m.Dispatches, m.LocatorLookups, m.BytesSent, m.BytesReceived)
	}
	return m
}

func (m *Metrics) Invocation(result string) {
	if m != nil {
		m.Invocations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Metrics) ConnectionOpened(incoming bool) {
	if m == nil {
		return
	}
	direction := "outgoing"
	if incoming {
		direction = "incoming"
	}
	m.ConnectionsOpened.WithLabelValues(direction).Inc()
	m.ConnectionsActive.Inc()
}

// ConnectionClosed is called once per connection that was opened.
func (m *Metrics) ConnectionClosed(reason string) {
	if m != nil {
		m.ConnectionsActive.Dec()
		m.ConnectionFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Dispatch(status string) {
	if m != nil {
		m.Dispatches.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) LocatorLookup(kind, outcome string) {
	if m != nil {
		m.LocatorLookups.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) Sent(n int) {
	if m != nil {
		m.BytesSent.Add(float64(n))
	}
}

func (m *Metrics) Received(n int) {
	if m != nil {
		m.BytesReceived.Add(float64(n))
	}
}
