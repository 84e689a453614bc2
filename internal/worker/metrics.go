package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thebtf/pausepoint/internal/burden"
	"github.com/thebtf/pausepoint/internal/outcome"
	"github.com/thebtf/pausepoint/pkg/models"
)

// Metrics is the Prometheus registry served at /metrics. Each instance has
// its own registry so tests never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	opportunity prometheus.Histogram
	responses   *prometheus.CounterVec
	burdenScore prometheus.Gauge
	burdenLevel prometheus.Gauge
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	sweeps      *prometheus.CounterVec
	rewards     prometheus.Counter
	httpTotal   *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pausepoint_decisions_total",
				Help: "Intervention decisions by outcome and blocking reason",
			},
			[]string{"decision", "reason"},
		),
		opportunity: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pausepoint_opportunity_score",
				Help:    "Opportunity score of evaluated triggers",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
		),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pausepoint_responses_total",
				Help: "User responses to shown interventions",
			},
			[]string{"response"},
		),
		burdenScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pausepoint_burden_score",
				Help: "Latest intervention burden score",
			},
		),
		burdenLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pausepoint_burden_level",
				Help: "Latest effective burden level (0 low, 3 critical)",
			},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pausepoint_job_runs_total",
				Help: "Background job runs by status",
			},
			[]string{"job", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pausepoint_job_duration_seconds",
				Help:    "Background job duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pausepoint_sweep_outcomes_total",
				Help: "Outcome rows handled by stage sweeps",
			},
			[]string{"stage", "result"},
		),
		rewards: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pausepoint_rewards_finalized_total",
				Help: "Outcomes whose reward was computed and applied",
			},
		),
		httpTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pausepoint_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions,
		m.opportunity,
		m.responses,
		m.burdenScore,
		m.burdenLevel,
		m.jobRuns,
		m.jobDuration,
		m.sweeps,
		m.rewards,
		m.httpTotal,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision counts one recorded decision.
func (m *Metrics) ObserveDecision(exp models.DecisionExplanation) {
	m.decisions.WithLabelValues(string(exp.Decision), string(exp.BlockingReason)).Inc()
	m.opportunity.Observe(float64(exp.OpportunityScore))
}

// ObserveResponse counts one user response.
func (m *Metrics) ObserveResponse(r models.UserResponse) {
	m.responses.WithLabelValues(string(r)).Inc()
}

// SetBurden publishes the latest assessment.
func (m *Metrics) SetBurden(a burden.Assessment) {
	m.burdenScore.Set(float64(a.Score))
	m.burdenLevel.Set(float64(a.Effective()))
}

// ObserveJob records one scheduler job run.
func (m *Metrics) ObserveJob(job string, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

// ObserveSweep records the per-stage results of one SweepAll run.
func (m *Metrics) ObserveSweep(results []outcome.SweepResult, finalized int) {
	for _, r := range results {
		if r.Stage == "" {
			continue
		}
		stage := string(r.Stage)
		m.sweeps.WithLabelValues(stage, "collected").Add(float64(r.Collected))
		m.sweeps.WithLabelValues(stage, "skipped").Add(float64(r.Skipped))
		m.sweeps.WithLabelValues(stage, "failed").Add(float64(r.Failed))
	}
	m.rewards.Add(float64(finalized))
}
