// Package observability exposes Prometheus metrics for the runtime:
// HTTP traffic, LLM calls, consensus rounds and condensation work.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the runtime records into. All methods
// are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	llmRequests     *prometheus.CounterVec
	llmDuration     *prometheus.HistogramVec
	llmInputTokens  *prometheus.CounterVec
	llmOutputTokens *prometheus.CounterVec

	consensusRounds  prometheus.Histogram
	consensusReached *prometheus.CounterVec

	condensationRuns   *prometheus.CounterVec
	condensationLevels prometheus.Histogram

	guardBlocks *prometheus.CounterVec

	turns        *prometheus.CounterVec
	turnDuration prometheus.Histogram
}

// NewMetrics builds a self-contained registry so tests never collide on
// the global default.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurelius_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aurelius_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurelius_llm_requests_total",
			Help: "LLM requests by model and outcome.",
		}, []string{"model", "outcome"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aurelius_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		llmInputTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurelius_llm_tokens_input_total",
			Help: "Input tokens sent to the LLM.",
		}, []string{"model"}),
		llmOutputTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurelius_llm_tokens_output_total",
			Help: "Output tokens returned by the LLM.",
		}, []string{"model"}),

		consensusRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aurelius_consensus_rounds",
			Help:    "Rounds needed per consensus run.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
		consensusReached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurelius_consensus_runs_total",
			Help: "Consensus runs by outcome (reached or fallback).",
		}, []string{"outcome"}),

		condensationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurelius_condensation_runs_total",
			Help: "Condensation passes by outcome.",
		}, []string{"outcome"}),
		condensationLevels: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aurelius_condensation_summary_level",
			Help:    "Level of each summary produced.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		}),

		guardBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurelius_guard_blocks_total",
			Help: "Replies replaced by the response guard, by reason.",
		}, []string{"reason"}),

		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aurelius_turns_total",
			Help: "Conversational turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aurelius_turn_duration_seconds",
			Help:    "End-to-end turn duration in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
	}

	registry.MustRegister(
		m.httpRequests, m.httpDuration,
		m.llmRequests, m.llmDuration, m.llmInputTokens, m.llmOutputTokens,
		m.consensusRounds, m.consensusReached,
		m.condensationRuns, m.condensationLevels,
		m.guardBlocks,
		m.turns, m.turnDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, route, statusLabel(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) RecordLLMRequest(model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.llmRequests.WithLabelValues(model, outcome).Inc()
	m.llmDuration.WithLabelValues(model).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.llmInputTokens.WithLabelValues(model).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmOutputTokens.WithLabelValues(model).Add(float64(outputTokens))
	}
}

func (m *Metrics) RecordConsensusRun(rounds int, reached bool) {
	m.consensusRounds.Observe(float64(rounds))
	outcome := "fallback"
	if reached {
		outcome = "reached"
	}
	m.consensusReached.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordCondensation(level int, err error) {
	if err != nil {
		m.condensationRuns.WithLabelValues("error").Inc()
		return
	}
	m.condensationRuns.WithLabelValues("ok").Inc()
	m.condensationLevels.Observe(float64(level))
}

func (m *Metrics) RecordGuardBlock(reason string) {
	m.guardBlocks.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTurn(duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
