// Package metrics provides Prometheus instrumentation for the engine's
// hot paths (turns, tool dispatch, compaction, loop blocks). Grounded on
// the metrics registry/vec pattern in the example pack's observability
// package: a nil-safe *Metrics, one CounterVec/HistogramVec pair per
// concern, and a promhttp handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and every Record/Observe method becomes a no-op, so callers don't
// need to branch on whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	turnDuration   *prometheus.HistogramVec
	turnsTotal     *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	approvalsTotal *prometheus.CounterVec
	loopBlocks     *prometheus.CounterVec
	compactions    *prometheus.CounterVec
	contextTokens  *prometheus.GaugeVec
	subAgentRuns   *prometheus.CounterVec
}

// New constructs a Metrics instance registered on a fresh Prometheus
// registry, namespaced "agent_engine".
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.turnDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agent_engine", Subsystem: "turn", Name: "duration_seconds",
		Help:    "Turn execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"outcome"})

	m.turnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_engine", Subsystem: "turn", Name: "total",
		Help: "Total number of turns by outcome",
	}, []string{"outcome"})

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_engine", Subsystem: "tool", Name: "calls_total",
		Help: "Total number of tool dispatches",
	}, []string{"tool_name", "success"})

	m.toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agent_engine", Subsystem: "tool", Name: "duration_seconds",
		Help:    "Tool dispatch duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"tool_name"})

	m.approvalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_engine", Subsystem: "approval", Name: "decisions_total",
		Help: "Total number of approval decisions by kind",
	}, []string{"tool_name", "decision"})

	m.loopBlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_engine", Subsystem: "loop", Name: "blocks_total",
		Help: "Total number of loop-detector blocks",
	}, []string{"tool_name"})

	m.compactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_engine", Subsystem: "context", Name: "compactions_total",
		Help: "Total number of context compactions by outcome",
	}, []string{"outcome"})

	m.contextTokens = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agent_engine", Subsystem: "context", Name: "tokens_used",
		Help: "Cumulative tokens used against the session's context budget",
	}, []string{"session_id"})

	m.subAgentRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agent_engine", Subsystem: "subagent", Name: "runs_total",
		Help: "Total number of sub-agent executions by outcome",
	}, []string{"agent_id", "outcome"})

	m.registry.MustRegister(
		m.turnDuration, m.turnsTotal, m.toolCalls, m.toolDuration,
		m.approvalsTotal, m.loopBlocks, m.compactions, m.contextTokens, m.subAgentRuns,
	)
	return m
}

func (m *Metrics) RecordTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) RecordToolCall(toolName string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "true"
	if !success {
		label = "false"
	}
	m.toolCalls.WithLabelValues(toolName, label).Inc()
	m.toolDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

func (m *Metrics) RecordApproval(toolName, decision string) {
	if m == nil {
		return
	}
	m.approvalsTotal.WithLabelValues(toolName, decision).Inc()
}

func (m *Metrics) RecordLoopBlock(toolName string) {
	if m == nil {
		return
	}
	m.loopBlocks.WithLabelValues(toolName).Inc()
}

func (m *Metrics) RecordCompaction(outcome string) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetContextTokens(sessionID string, tokens int) {
	if m == nil {
		return
	}
	m.contextTokens.WithLabelValues(sessionID).Set(float64(tokens))
}

func (m *Metrics) RecordSubAgentRun(agentID, outcome string) {
	if m == nil {
		return
	}
	m.subAgentRuns.WithLabelValues(agentID, outcome).Inc()
}

// Handler returns an HTTP handler serving the Prometheus text exposition
// format, for mounting at /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
