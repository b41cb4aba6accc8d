package burstwatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for one engine. Each Metrics owns its
// registry so several engines can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	EventsTotal      *prometheus.CounterVec
	EventsIgnored    prometheus.Counter
	AlertsTotal      *prometheus.CounterVec
	AlertsSuppressed prometheus.Counter
	ClassifierErrors prometheus.Counter
	SinkErrors       prometheus.Counter
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "burstwatch_events_total",
			Help: "Filesystem events counted, by kind",
		}, []string{"kind"}),
		EventsIgnored: factory.NewCounter(prometheus.CounterOpts{
			Name: "burstwatch_events_ignored_total",
			Help: "Filesystem events dropped because their kind is not counted",
		}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "burstwatch_alerts_total",
			Help: "Alerts emitted, by signal that fired",
		}, []string{"signal"}),
		AlertsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "burstwatch_alerts_suppressed_total",
			Help: "Positive decisions swallowed by the cooldown",
		}),
		ClassifierErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "burstwatch_classifier_errors_total",
			Help: "Classifier invocations that failed and were treated as negative",
		}),
		SinkErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "burstwatch_sink_errors_total",
			Help: "Alerts a sink failed to deliver",
		}),
	}
}

func (m *Metrics) observeEvent(kind EventKind) {
	if m == nil {
		return
	}
	if !kind.Valid() {
		m.EventsIgnored.Inc()
		return
	}
	m.EventsTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeAlert(a Alert) {
	if m == nil {
		return
	}
	for _, r := range a.Reasons() {
		m.AlertsTotal.WithLabelValues(r).Inc()
	}
}

func (m *Metrics) observeSuppressed() {
	if m != nil {
		m.AlertsSuppressed.Inc()
	}
}

func (m *Metrics) observeClassifierError() {
	if m != nil {
		m.ClassifierErrors.Inc()
	}
}

func (m *Metrics) observeSinkError() {
	if m != nil {
		m.SinkErrors.Inc()
	}
}
