package raincheck

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raincheck_sends_total",
			Help: "Total number of dispatcher sends by final outcome",
		},
		[]string{"queue", "outcome"},
	)

	enqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raincheck_enqueued_total",
			Help: "Total number of failed requests queued for later delivery",
		},
		[]string{"queue"},
	)

	skippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raincheck_skipped_total",
			Help: "Total number of failed requests that were not queued",
		},
		[]string{"queue", "reason"},
	)

	drainTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raincheck_drain_total",
			Help: "Total number of drain steps by outcome",
		},
		[]string{"queue", "outcome"},
	)

	storeTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raincheck_store_timeouts_total",
			Help: "Total number of list operations abandoned after the store timeout",
		},
		[]string{"operation"},
	)
)

const (
	sendOutcomeSucceeded   = "succeeded"
	sendOutcomeQueued      = "queued"
	sendOutcomeSkipped     = "skipped"
	sendOutcomeUnsupported = "unsupported"
	sendOutcomeError       = "error"

	skipReasonDisabled = "guaranteed_delivery_disabled"
	skipReasonStatus   = "skip_status"
)

func recordSend(queue, outcome string) {
	sendsTotal.WithLabelValues(
		normalizeMetricLabel(queue, "unknown"),
		normalizeMetricLabel(outcome, "unknown"),
	).Inc()
}

func recordEnqueued(queue string) {
	enqueuedTotal.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Inc()
}

func recordSkipped(queue, reason string) {
	skippedTotal.WithLabelValues(
		normalizeMetricLabel(queue, "unknown"),
		normalizeMetricLabel(reason, "unknown"),
	).Inc()
}

func recordDrain(queue string, outcome Outcome) {
	drainTotal.WithLabelValues(
		normalizeMetricLabel(queue, "unknown"),
		normalizeMetricLabel(string(outcome), "unknown"),
	).Inc()
}

func recordStoreTimeout(operation string) {
	storeTimeoutsTotal.WithLabelValues(normalizeMetricLabel(operation, "unknown")).Inc()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
