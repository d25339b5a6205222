// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the RLM core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// STEP METRICS
// =============================================================================

var (
	stepExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_step_executions_total",
			Help: "Total number of sandboxed step executions",
		},
		[]string{"outcome"}, // outcome: ok, step_error, policy_reject, limit_exceeded, final
	)

	stepDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rlm_step_duration_seconds",
			Help:    "Step execution duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	spanEntriesPerStep = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rlm_span_entries_per_step",
			Help:    "Span log entries recorded per step",
			Buckets: []float64{0, 1, 4, 16, 64, 256, 1024, 4096},
		},
	)
)

// =============================================================================
// POLICY METRICS
// =============================================================================

var (
	policyRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_policy_rejections_total",
			Help: "Total number of programs rejected by the AST policy",
		},
		[]string{"code"}, // code: SyntaxError, BannedConstruct, UnknownName
	)
)

// =============================================================================
// CITATION METRICS
// =============================================================================

var (
	citationVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_citation_verifications_total",
			Help: "Total number of SpanRef verifications",
		},
		[]string{"result"}, // result: valid, invalid, error
	)
)

// =============================================================================
// READER METRICS
// =============================================================================

var (
	readerRangeReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_reader_range_reads_total",
			Help: "Total number of canonical range reads",
		},
		[]string{"backend"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordStep records step execution metrics.
// This should be called after a step completes.
func RecordStep(outcome string, durationMS int) {
	stepExecutionsTotal.WithLabelValues(outcome).Inc()
	stepDurationSeconds.WithLabelValues(outcome).Observe(float64(durationMS) / 1000.0)
}

// RecordSpanEntries records the span log size of a completed step.
func RecordSpanEntries(count int) {
	spanEntriesPerStep.Observe(float64(count))
}

// RecordPolicyRejection records a policy rejection by code.
func RecordPolicyRejection(code string) {
	policyRejectionsTotal.WithLabelValues(code).Inc()
}

// RecordCitationVerification records a SpanRef verification result.
func RecordCitationVerification(result string) {
	citationVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordRangeRead records a canonical range read against a backend.
func RecordRangeRead(backend string) {
	readerRangeReadsTotal.WithLabelValues(backend).Inc()
}
