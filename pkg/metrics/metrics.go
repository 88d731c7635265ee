// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMStreamDuration tracks generation duration per model and outcome.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120, 300},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// StreamsActive tracks stream records that have not been finalized.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_streams_active",
			Help: "Number of stream records still generating",
		},
	)

	// StreamsFinalized tracks finalized stream records by status.
	StreamsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_streams_finalized_total",
			Help: "Stream records finalized, by status",
		},
		[]string{"status"},
	)

	// StreamEventsTotal tracks events appended to stream records.
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_stream_events_total",
			Help: "Events appended to stream records, by type",
		},
		[]string{"type"},
	)

	// StreamResumesTotal tracks resume requests by how they were served.
	StreamResumesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_stream_resumes_total",
			Help: "Resume requests, by source (live, replay, message, empty)",
		},
		[]string{"source"},
	)

	// JournalErrorsTotal tracks failed writes to the durable stream journal.
	JournalErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_journal_errors_total",
			Help: "Failed stream journal writes",
		},
	)

	// PersistenceFailuresTotal tracks assistant messages that could not be stored.
	PersistenceFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_persistence_failures_total",
			Help: "Assistant messages that failed to persist after retries",
		},
	)

	// QuotaDecisionsTotal tracks usage guard decisions.
	QuotaDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_quota_decisions_total",
			Help: "Usage guard decisions, by tier and result",
		},
		[]string{"tier", "result"},
	)

	// MessagesTotal tracks total messages stored.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages stored",
		},
		[]string{"role"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
