package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for run execution
// monitoring in production environments.
//
// Metrics exposed (all namespaced with "procflow_"):
//
//  1. queue_depth (gauge): run jobs currently queued and due.
//  2. inflight_runs (gauge): runs currently being executed by this
//     worker process.
//  3. active_leases (gauge): unexpired resource leases held.
//  4. step_latency_ms (histogram): step execution duration, labeled by
//     node type and outcome. Buckets cover 1ms to 60s (external agents
//     can be slow).
//  5. steps_total (counter): executed steps by outcome
//     (success, error, replayed).
//  6. retries_total (counter): retry attempts by error kind.
//  7. jobs_claimed_total (counter): queue claims by this worker.
//  8. jobs_finished_total (counter): jobs finished, by terminal status.
//  9. rate_limit_waits_total (counter): dispatches that blocked on a
//     rate-limit token.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: Prometheus collectors handle concurrent updates.
type Metrics struct {
	queueDepth   prometheus.Gauge
	inflightRuns prometheus.Gauge
	activeLeases prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	steps          *prometheus.CounterVec
	retries        *prometheus.CounterVec
	jobsClaimed    prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	rateLimitWaits prometheus.Counter

	enabled bool
}

// NewMetrics creates and registers the engine metrics with the given
// registry (prometheus.DefaultRegisterer when nil). Use a dedicated
// registry per process for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "procflow",
		Name:      "queue_depth",
		Help:      "Run jobs queued and due for execution",
	})

	m.inflightRuns = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "procflow",
		Name:      "inflight_runs",
		Help:      "Runs currently executing in this worker process",
	})

	m.activeLeases = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "procflow",
		Name:      "active_leases",
		Help:      "Unexpired resource leases currently held",
	})

	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "procflow",
		Name:      "step_latency_ms",
		Help:      "Step execution duration in milliseconds, dispatch to completion",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 15000, 60000},
	}, []string{"node_type", "status"}) // status: success, error, replayed

	m.steps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procflow",
		Name:      "steps_total",
		Help:      "Executed steps by outcome",
	}, []string{"status"}) // status: success, error, replayed

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procflow",
		Name:      "retries_total",
		Help:      "Step retry attempts by error kind",
	}, []string{"kind"})

	m.jobsClaimed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "procflow",
		Name:      "jobs_claimed_total",
		Help:      "Queue jobs claimed by this worker",
	})

	m.jobsFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procflow",
		Name:      "jobs_finished_total",
		Help:      "Queue jobs finished, by terminal status",
	}, []string{"status"}) // status: done, failed, requeued

	m.rateLimitWaits = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "procflow",
		Name:      "rate_limit_waits_total",
		Help:      "Dispatches that blocked waiting for a rate-limit token",
	})

	return m
}

// RecordStepLatency records one step's execution duration.
func (m *Metrics) RecordStepLatency(nodeType string, latency time.Duration, status string) {
	if m == nil || !m.enabled {
		return
	}
	m.stepLatency.WithLabelValues(nodeType, status).Observe(float64(latency.Milliseconds()))
	m.steps.WithLabelValues(status).Inc()
}

// IncrementRetries counts one retry attempt for the given error kind.
func (m *Metrics) IncrementRetries(kind string) {
	if m == nil || !m.enabled {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

// UpdateQueueDepth sets the current due-job count.
func (m *Metrics) UpdateQueueDepth(depth int) {
	if m == nil || !m.enabled {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// UpdateInflightRuns sets the count of runs executing locally.
func (m *Metrics) UpdateInflightRuns(count int) {
	if m == nil || !m.enabled {
		return
	}
	m.inflightRuns.Set(float64(count))
}

// UpdateActiveLeases sets the held-lease gauge.
func (m *Metrics) UpdateActiveLeases(count int) {
	if m == nil || !m.enabled {
		return
	}
	m.activeLeases.Set(float64(count))
}

// IncrementJobsClaimed counts claimed queue jobs.
func (m *Metrics) IncrementJobsClaimed(n int) {
	if m == nil || !m.enabled {
		return
	}
	m.jobsClaimed.Add(float64(n))
}

// IncrementJobsFinished counts one finished job by status
// (done, failed, requeued).
func (m *Metrics) IncrementJobsFinished(status string) {
	if m == nil || !m.enabled {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
}

// IncrementRateLimitWaits counts one dispatch that had to wait for a
// rate-limit token.
func (m *Metrics) IncrementRateLimitWaits() {
	if m == nil || !m.enabled {
		return
	}
	m.rateLimitWaits.Inc()
}

// Disable turns off metric recording (useful in tests that reuse a
// registry).
func (m *Metrics) Disable() { m.enabled = false }

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() { m.enabled = true }
