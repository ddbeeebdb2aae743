// ============================================================================
// Job metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Prometheus collectors for queueing, execution and message handling
//
// Metrics (namespace cp_async):
//
//   1. Queueing (Counter)
//      - jobs_queued_total             statuses created and dispatched
//      - jobs_deduplicated_total       submissions collapsed onto an existing job
//      - dispatch_failures_total       queueing aborted by the broker
//
//   2. Execution
//      - jobs_executed_total{outcome}  finished | failed | retried
//      - job_duration_seconds          histogram of execution attempts
//      - jobs_running                  gauge of executions in progress
//
//   3. Message handling
//      - messages_total{action}        commit | rollback
//      - dead_letters_total            messages handed to the dead-letter sink
//      - receiver_sessions             gauge of open listener sessions
//
// Example queries:
//
//   # retry ratio
//   rate(cp_async_jobs_executed_total{outcome="retried"}[5m])
//     / rate(cp_async_jobs_executed_total[5m])
//
//   # redelivery pressure
//   rate(cp_async_messages_total{action="rollback"}[1m])
//
// A nil *Collector is valid and records nothing.
//
// ============================================================================

package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cp_async"

// Execution outcomes
const (
	OutcomeFinished = "finished"
	OutcomeFailed   = "failed"
	OutcomeRetried  = "retried"
)

// Message actions
const (
	ActionCommit   = "commit"
	ActionRollback = "rollback"
)

// Collector holds the job metrics
type Collector struct {
	jobsQueued       prometheus.Counter
	jobsDeduplicated prometheus.Counter
	dispatchFailures prometheus.Counter

	jobsExecuted *prometheus.CounterVec
	jobDuration  prometheus.Histogram
	jobsRunning  prometheus.Gauge

	messages         *prometheus.CounterVec
	deadLetters      prometheus.Counter
	receiverSessions prometheus.Gauge
}

// NewCollector creates the collectors and registers them with reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		jobsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_queued_total",
			Help:      "Total number of jobs queued",
		}),
		jobsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_deduplicated_total",
			Help:      "Total number of submissions answered with an existing job",
		}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Total number of job messages the broker did not accept",
		}),
		jobsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_executed_total",
			Help:      "Total number of job execution attempts by outcome",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Current number of executing jobs",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of handled job messages by action",
		}, []string{"action"}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Total number of job messages sent to the dead-letter sink",
		}),
		receiverSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "receiver_sessions",
			Help:      "Current number of open receiver sessions",
		}),
	}

	for _, collector := range []prometheus.Collector{
		c.jobsQueued, c.jobsDeduplicated, c.dispatchFailures,
		c.jobsExecuted, c.jobDuration, c.jobsRunning,
		c.messages, c.deadLetters, c.receiverSessions,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, errors.Wrap(err, "failed to register job metrics")
		}
	}
	return c, nil
}

// MustNewCollector is NewCollector that panics on registration errors
func MustNewCollector(reg prometheus.Registerer) *Collector {
	c, err := NewCollector(reg)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Collector) RecordQueued() {
	if c != nil {
		c.jobsQueued.Inc()
	}
}

func (c *Collector) RecordDeduplicated() {
	if c != nil {
		c.jobsDeduplicated.Inc()
	}
}

func (c *Collector) RecordDispatchFailure() {
	if c != nil {
		c.dispatchFailures.Inc()
	}
}

// JobStarted marks an execution in progress and returns the function that
// ends it with the given outcome
func (c *Collector) JobStarted() func(outcome string) {
	if c == nil {
		return func(string) {}
	}

	start := time.Now()
	c.jobsRunning.Inc()
	return func(outcome string) {
		c.jobsRunning.Dec()
		c.jobDuration.Observe(time.Since(start).Seconds())
		if outcome != "" {
			c.jobsExecuted.WithLabelValues(outcome).Inc()
		}
	}
}

func (c *Collector) RecordMessage(action string) {
	if c != nil {
		c.messages.WithLabelValues(action).Inc()
	}
}

func (c *Collector) RecordDeadLetter() {
	if c != nil {
		c.deadLetters.Inc()
	}
}

func (c *Collector) SetReceiverSessions(n int) {
	if c != nil {
		c.receiverSessions.Set(float64(n))
	}
}

// Server exposes /metrics over HTTP
type Server struct {
	srv *http.Server
}

// NewServer serves the metrics gathered by g on addr
func NewServer(addr string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server failed")
	}
	return nil
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
