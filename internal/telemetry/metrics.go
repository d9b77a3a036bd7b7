package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var connectionStates = []string{"disconnected", "connecting", "ready", "failed"}

// Metrics holds the runtime's Prometheus collectors on a private registry.
// A nil *Metrics discards every observation.
type Metrics struct {
	registry *prometheus.Registry

	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	connState     *prometheus.GaugeVec
	modelTurns    prometheus.Counter
	conversations *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	tokens        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a new registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpagent_tool_calls_total",
			Help: "Tool calls by server, tool and outcome.",
		}, []string{"server", "tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpagent_tool_call_duration_seconds",
			Help:    "Tool call latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"server"}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcpagent_connection_state",
			Help: "1 for the current state of each server connection.",
		}, []string{"server", "state"}),
		modelTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpagent_model_turns_total",
			Help: "Model calls made by conversations.",
		}),
		conversations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpagent_conversations_total",
			Help: "Finished conversations by terminal state.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpagent_reconnects_total",
			Help: "Reconnect attempts by server and result.",
		}, []string{"server", "result"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpagent_tokens_total",
			Help: "Model tokens consumed by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(m.toolCalls, m.toolDuration, m.connState, m.modelTurns, m.conversations, m.reconnects, m.tokens)
	return m
}

// Registry exposes the underlying registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordToolCall records one routed call. Outcome is "ok" or a failure kind.
func (m *Metrics) RecordToolCall(server, tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if server == "" {
		server = "none"
	}
	m.toolCalls.WithLabelValues(server, tool, outcome).Inc()
	m.toolDuration.WithLabelValues(server).Observe(d.Seconds())
}

// SetConnectionState marks state as the current state of server.
func (m *Metrics) SetConnectionState(server, state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connState.WithLabelValues(server, s).Set(v)
	}
}

// ForgetConnection drops the state series of a removed server.
func (m *Metrics) ForgetConnection(server string) {
	if m == nil {
		return
	}
	m.connState.DeletePartialMatch(prometheus.Labels{"server": server})
}

// RecordModelTurn counts one model call and its token usage.
func (m *Metrics) RecordModelTurn(inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.modelTurns.Inc()
	m.tokens.WithLabelValues("input").Add(float64(inputTokens))
	m.tokens.WithLabelValues("output").Add(float64(outputTokens))
}

// RecordConversation counts a conversation reaching a terminal state.
func (m *Metrics) RecordConversation(state string) {
	if m == nil {
		return
	}
	m.conversations.WithLabelValues(state).Inc()
}

// RecordReconnect counts a reconnect with result "ok" or "error".
func (m *Metrics) RecordReconnect(server, result string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(server, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
