// Package metrics exposes relay counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stupiduntilnot/mctrelay/internal/session"
)

const namespace = "mctrelay"

// Message kinds recorded by RecordMessage.
const (
	KindCommand     = "command"
	KindChat        = "chat"
	KindAckPrompt   = "ack_prompt"
	KindAckAccepted = "ack_accepted"
	KindDuplicate   = "duplicate"
	KindIgnored     = "ignored"
)

// Metrics owns a private registry so tests can create as many as they like.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messages           *prometheus.CounterVec
	completions        *prometheus.CounterVec
	completionDuration prometheus.Histogram
	tokens             *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	sweepRemovals      *prometheus.CounterVec
}

// New registers every collector plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by handling path.",
		}, []string{"kind"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion calls by result (ok or failure kind).",
		}, []string{"result"}),
		completionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Completion call latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by the completion endpoint.",
		}, []string{"type"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held by the store.",
		}),
		sweepRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removals_total",
			Help:      "Sessions removed by the sweeper.",
		}, []string{"cause"}),
	}
	m.registry.MustRegister(
		m.messages,
		m.completions,
		m.completionDuration,
		m.tokens,
		m.activeSessions,
		m.sweepRemovals,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordMessage(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

// RecordCompletion records one provider call. failure is empty on success.
func (m *Metrics) RecordCompletion(d time.Duration, failure string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	result := failure
	if result == "" {
		result = "ok"
	}
	m.completions.WithLabelValues(result).Inc()
	m.completionDuration.Observe(d.Seconds())
	if inputTokens > 0 {
		m.tokens.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.tokens.WithLabelValues("output").Add(float64(outputTokens))
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// ObserveSweep is a session.SweepHook.
func (m *Metrics) ObserveSweep(res session.SweepResult) {
	if m == nil {
		return
	}
	m.sweepRemovals.WithLabelValues("ttl").Add(float64(res.Expired))
	m.sweepRemovals.WithLabelValues("capacity").Add(float64(res.Evicted))
	m.activeSessions.Set(float64(res.Remaining))
}
