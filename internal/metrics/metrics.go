// Package metrics exposes server counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fentz26/xqserver/internal/broker"
)

const namespace = "xqserver"

// Metrics holds the collectors of one server. Each instance has its own
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	sessions       prometheus.Gauge
	actionsRunning prometheus.Gauge
	actionOutcomes *prometheus.CounterVec
}

// New registers the server collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP requests by command and status code.",
		}, []string{"command", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Library sessions currently open.",
		}),
		actionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "actions_running",
			Help:      "Long actions currently running.",
		}),
		actionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Terminated long actions by kind and state.",
		}, []string{"kind", "state"}),
	}
	m.Registry.MustRegister(
		m.requests, m.duration, m.sessions, m.actionsRunning, m.actionOutcomes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(command string, code int, d time.Duration) {
	m.requests.WithLabelValues(command, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(command).Observe(d.Seconds())
}

// Hooks returns broker hooks feeding the gauges, chained before next.
func (m *Metrics) Hooks(next broker.Hooks) broker.Hooks {
	return broker.Hooks{
		SessionOpened: func(lib string) {
			m.sessions.Inc()
			if next.SessionOpened != nil {
				next.SessionOpened(lib)
			}
		},
		SessionClosed: func(lib string) {
			m.sessions.Dec()
			if next.SessionClosed != nil {
				next.SessionClosed(lib)
			}
		},
		ActionStarted: func(info broker.ActionInfo) {
			m.actionsRunning.Inc()
			if next.ActionStarted != nil {
				next.ActionStarted(info)
			}
		},
		ActionEnded: func(info broker.ActionInfo) {
			m.actionsRunning.Dec()
			m.actionOutcomes.WithLabelValues(info.Kind, info.State).Inc()
			if next.ActionEnded != nil {
				next.ActionEnded(info)
			}
		},
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
