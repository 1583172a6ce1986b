package orch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for orchestration runs.
//
// Exposed series (namespace "orchestrate"):
//   - inflight_steps (gauge): steps currently dispatched and not yet complete
//   - pending_steps (gauge): steps waiting on requisites or the serial lane
//   - step_duration_ms (histogram, labels kind/status): dispatch-to-complete
//     latency per backend kind; status is success, failed, or none
//   - retries_total (counter, labels kind): transport retry attempts
//   - softkill_skips_total (counter): steps skipped via the soft-kill registry
//   - runs_total (counter, labels outcome): completed runs by outcome
//     (success, failed, aborted)
//
// Wire to an engine with WithMetrics. Expose via promhttp over the registry
// passed to NewMetrics.
type Metrics struct {
	inflightSteps prometheus.Gauge
	pendingSteps  prometheus.Gauge
	stepDuration  *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	softKillSkips prometheus.Counter
	runs          *prometheus.CounterVec
}

// NewMetrics creates and registers the orchestration metric set with the
// given registry (the default registerer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightSteps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrate",
			Name:      "inflight_steps",
			Help:      "Steps currently dispatched and awaiting completion",
		}),
		pendingSteps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrate",
			Name:      "pending_steps",
			Help:      "Steps waiting on requisites or the serial lane",
		}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrate",
			Name:      "step_duration_ms",
			Help:      "Step dispatch duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"kind", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrate",
			Name:      "retries_total",
			Help:      "Transport-level dispatch retry attempts",
		}, []string{"kind"}),
		softKillSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrate",
			Name:      "softkill_skips_total",
			Help:      "Steps skipped because of a soft-kill mark",
		}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrate",
			Name:      "runs_total",
			Help:      "Completed orchestration runs by outcome",
		}, []string{"outcome"}),
	}
}

// ObserveStep records one step completion.
func (m *Metrics) ObserveStep(kind Kind, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(string(kind), status).Observe(float64(d.Milliseconds()))
}

// SetInflight updates the in-flight step gauge.
func (m *Metrics) SetInflight(n int) {
	if m == nil {
		return
	}
	m.inflightSteps.Set(float64(n))
}

// SetPending updates the pending step gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingSteps.Set(float64(n))
}

// IncRetry counts one transport retry for the given backend kind.
func (m *Metrics) IncRetry(kind Kind) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(kind)).Inc()
}

// IncSoftKillSkip counts one skipped step.
func (m *Metrics) IncSoftKillSkip() {
	if m == nil {
		return
	}
	m.softKillSkips.Inc()
}

// IncRun counts one completed run with the given outcome.
func (m *Metrics) IncRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}
