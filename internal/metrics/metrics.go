package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	registry *prometheus.Registry

	// Run metrics
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RunErrorsTotal  *prometheus.CounterVec
	RunsCancelled   prometheus.Counter
	RunsAsyncQueued prometheus.Counter

	// Tool metrics
	ToolExecutionsTotal   prometheus.Counter
	ToolTimeoutsTotal     prometheus.Counter
	ToolOutputTruncations prometheus.Counter

	// Recovery metrics
	JobPollsTotal     *prometheus.CounterVec
	JobsFinishedTotal *prometheus.CounterVec

	// Token metrics
	TokensTotal *prometheus.CounterVec
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_runs_total",
			Help: "Runs finalized, by provider and terminal status",
		}, []string{"provider", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weft_run_duration_seconds",
			Help:    "Run wall time from start to finalization",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider"}),
		RunErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_run_errors_total",
			Help: "Failed runs, by provider",
		}, []string{"provider"}),
		RunsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_runs_cancelled_total",
			Help: "Runs completed through cancellation",
		}),
		RunsAsyncQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_runs_async_queued_total",
			Help: "Runs accepted for asynchronous completion",
		}),

		ToolExecutionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_tool_executions_total",
			Help: "Shell tool invocations",
		}),
		ToolTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_tool_timeouts_total",
			Help: "Tool invocations terminated by the execution timeout",
		}),
		ToolOutputTruncations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weft_tool_output_truncations_total",
			Help: "Tool invocations whose output hit the size cap",
		}),

		JobPollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_job_polls_total",
			Help: "Background poll cycles, by outcome",
		}, []string{"outcome"}),
		JobsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_jobs_finished_total",
			Help: "Background jobs reaching a terminal state",
		}, []string{"state"}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weft_tokens_total",
			Help: "Tokens consumed, by provider and direction",
		}, []string{"provider", "direction"}),
	}

	registry.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunErrorsTotal,
		m.RunsCancelled,
		m.RunsAsyncQueued,
		m.ToolExecutionsTotal,
		m.ToolTimeoutsTotal,
		m.ToolOutputTruncations,
		m.JobPollsTotal,
		m.JobsFinishedTotal,
		m.TokensTotal,
	)

	return m
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRun records one finalized run.
func (m *Metrics) ObserveRun(provider, status string, seconds float64) {
	m.RunsTotal.WithLabelValues(provider, status).Inc()
	m.RunDuration.WithLabelValues(provider).Observe(seconds)
	if status == "failed" {
		m.RunErrorsTotal.WithLabelValues(provider).Inc()
	}
}

// ObserveTokens records token consumption for a provider.
func (m *Metrics) ObserveTokens(provider string, input, output int64) {
	m.TokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	m.TokensTotal.WithLabelValues(provider, "output").Add(float64(output))
}
