// Package metrics exposes Prometheus instrumentation for factory ticks.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crescenthq/notion-task-orchestrator-sub000/internal/ir"
)

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Tick outcome labels.
const (
	OutcomeDone      = "done"
	OutcomeBlocked   = "blocked"
	OutcomeFailed    = "failed"
	OutcomeFeedback  = "feedback"
	OutcomeYielded   = "yielded"
	OutcomeConflict  = "conflict"
	OutcomeLeaseLost = "lease_denied"
	OutcomeError     = "error"
	OutcomeIdle      = "idle"
)

// Metrics holds Prometheus metrics for the runner.
type Metrics struct {
	TicksTotal       *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	TickDuration     *prometheus.HistogramVec
	ReplayChecks     *prometheus.CounterVec
	RepliesConsumed  prometheus.Counter

	gatherer prometheus.Gatherer
}

// Default returns the process-wide metrics registered on the default
// Prometheus registry.
//
// This function uses sync.Once to ensure metrics are only registered once
// globally, preventing "duplicate metrics collector registration" panics.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return defaultMetrics
}

// NewMetrics creates metrics on a private registry, for tests and embedding.
//
// All metrics are prefixed with "factory_" for namespacing.
//
// Metrics:
//   - factory_ticks_total{workflow,outcome} - Count of Advance calls by outcome
//   - factory_transitions_total{workflow,reason} - Count of ledger events by reason code
//   - factory_retries_total{workflow,state} - Count of failed attempts that were retried
//   - factory_tick_duration_seconds{workflow} - Histogram of tick wall time
//   - factory_replay_checks_total{result} - Count of post-tick ledger verifications
//   - factory_replies_consumed_total - Count of feedback replies handed to a handler
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TicksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factory_ticks_total",
				Help: "Total number of task ticks by outcome",
			},
			[]string{"workflow", "outcome"},
		),
		TransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factory_transitions_total",
				Help: "Total number of ledger transitions by reason code",
			},
			[]string{"workflow", "reason"},
		),
		RetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factory_retries_total",
				Help: "Total number of failed attempts followed by a retry",
			},
			[]string{"workflow", "state"},
		),
		TickDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "factory_tick_duration_seconds",
				Help:    "Duration of one task tick in seconds",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 8), // 5ms .. ~80s
			},
			[]string{"workflow"},
		),
		ReplayChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factory_replay_checks_total",
				Help: "Total number of ledger replay verifications by result",
			},
			[]string{"result"},
		),
		RepliesConsumed: f.NewCounter(
			prometheus.CounterOpts{
				Name: "factory_replies_consumed_total",
				Help: "Total number of feedback replies consumed by a tick",
			},
		),
		gatherer: g,
	}
}

// ObserveTick records one tick's outcome, duration and events.
func (m *Metrics) ObserveTick(workflow, outcome string, d time.Duration, events []ir.TransitionEvent) {
	m.TicksTotal.WithLabelValues(workflow, outcome).Inc()
	m.TickDuration.WithLabelValues(workflow).Observe(d.Seconds())
	for _, ev := range events {
		m.TransitionsTotal.WithLabelValues(workflow, string(ev.Reason)).Inc()
		if ev.Reason == ir.ReasonAttemptFailed {
			m.RetriesTotal.WithLabelValues(workflow, ev.From).Inc()
		}
	}
}

// ObserveReplay records a post-tick verification result.
func (m *Metrics) ObserveReplay(ok bool) {
	result := "ok"
	if !ok {
		result = "diverged"
	}
	m.ReplayChecks.WithLabelValues(result).Inc()
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
