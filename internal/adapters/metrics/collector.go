// Package metrics exports engine and queue telemetry as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eleven-am/weft/internal/ports"
)

// Collector implements ports.MetricsPort on its own registry so several
// engines in one process never collide on registration.
type Collector struct {
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	nodesFinished *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	stepsExecuted *prometheus.CounterVec
	stepSize      prometheus.Histogram

	jobsSubmitted  *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobAttempts    *prometheus.HistogramVec
	jobsRetried    *prometheus.CounterVec
	queueAvailable prometheus.Gauge
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "weft"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.runsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "runs_started_total",
			Help:      "Total number of workflow runs started",
		},
		[]string{"graph_id"},
	)

	c.runsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "runs_finished_total",
			Help:      "Total number of workflow run attempts that ended, by outcome",
		},
		[]string{"graph_id", "status"},
	)

	c.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a workflow run attempt",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
		},
		[]string{"status"},
	)

	c.nodesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "nodes_finished_total",
			Help:      "Total number of node executions, by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	c.nodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "node_duration_seconds",
			Help:      "Time taken by an operation handler",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"operation"},
	)

	c.stepsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "steps_executed_total",
			Help:      "Total number of plan steps executed",
		},
		[]string{"parallel"},
	)

	c.stepSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "step_size",
			Help:      "Number of nodes run in one plan step",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
	)

	c.jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs accepted by the queue",
		},
		[]string{"type"},
	)

	c.jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a final state",
		},
		[]string{"type", "status"},
	)

	c.jobAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_attempts",
			Help:      "Attempts used by finished jobs",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{"type"},
	)

	c.jobsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_retried_total",
			Help:      "Total number of job retries scheduled",
		},
		[]string{"type"},
	)

	c.queueAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "available",
			Help:      "Whether the job queue backend is reachable (1) or not (0)",
		},
	)

	c.registry.MustRegister(
		c.runsStarted,
		c.runsFinished,
		c.runDuration,
		c.nodesFinished,
		c.nodeDuration,
		c.stepsExecuted,
		c.stepSize,
		c.jobsSubmitted,
		c.jobsFinished,
		c.jobAttempts,
		c.jobsRetried,
		c.queueAvailable,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RunStarted(graphID string) {
	c.runsStarted.WithLabelValues(graphID).Inc()
}

func (c *Collector) RunFinished(graphID string, status string, duration time.Duration) {
	c.runsFinished.WithLabelValues(graphID, status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (c *Collector) NodeFinished(operation string, status string, duration time.Duration) {
	c.nodesFinished.WithLabelValues(operation, status).Inc()
	c.nodeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) StepExecuted(parallel bool, size int) {
	label := "false"
	if parallel {
		label = "true"
	}
	c.stepsExecuted.WithLabelValues(label).Inc()
	c.stepSize.Observe(float64(size))
}

func (c *Collector) JobSubmitted(jobType string) {
	c.jobsSubmitted.WithLabelValues(jobType).Inc()
}

func (c *Collector) JobFinished(jobType string, status string, attempts int) {
	c.jobsFinished.WithLabelValues(jobType, status).Inc()
	c.jobAttempts.WithLabelValues(jobType).Observe(float64(attempts))
}

func (c *Collector) JobRetried(jobType string) {
	c.jobsRetried.WithLabelValues(jobType).Inc()
}

func (c *Collector) QueueAvailability(available bool) {
	if available {
		c.queueAvailable.Set(1)
		return
	}
	c.queueAvailable.Set(0)
}

var _ ports.MetricsPort = (*Collector)(nil)
