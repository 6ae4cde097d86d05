// Package metrics holds the prometheus collectors for the write and read
// sides. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "es"

type Metrics struct {
	gatherer prometheus.Gatherer

	commands         *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	conflicts        *prometheus.CounterVec
	eventsAppended   *prometheus.CounterVec
	snapshots        *prometheus.CounterVec
	publishFailures  prometheus.Counter
	projectionEvents *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled, by aggregate type and outcome.",
		}, []string{"aggregate", "outcome"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command handling latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"aggregate"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Optimistic concurrency conflicts observed at append time.",
		}, []string{"aggregate"}),
		eventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events durably appended.",
		}, []string{"aggregate"}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot save attempts by outcome.",
		}, []string{"aggregate", "outcome"}),
		publishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Committed events that could not be published.",
		}),
		projectionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_events_total",
			Help:      "Events handled by projections, by outcome.",
		}, []string{"projection", "outcome"}),
		deadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Events dead-lettered after exhausting projection retries.",
		}, []string{"projection"}),
	}
}

func (m *Metrics) ObserveCommand(aggregate, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(aggregate, outcome).Inc()
	m.commandDuration.WithLabelValues(aggregate).Observe(elapsed.Seconds())
}

func (m *Metrics) Conflict(aggregate string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(aggregate).Inc()
}

func (m *Metrics) EventsAppended(aggregate string, n int) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(aggregate).Add(float64(n))
}

func (m *Metrics) Snapshot(aggregate, outcome string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(aggregate, outcome).Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) ProjectionEvent(projection, outcome string) {
	if m == nil {
		return
	}
	m.projectionEvents.WithLabelValues(projection, outcome).Inc()
}

func (m *Metrics) DeadLetter(projection string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(projection).Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
