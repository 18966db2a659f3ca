// SPDX-License-Identifier: MIT

// Package metrics provides the Prometheus metrics for the comradarr daemon.
// Labels stay low-cardinality: connector ids and enum values only, never
// content ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Counters

	// SearchesDispatchedTotal counts search commands sent, by connector and
	// search type.
	SearchesDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comradarr_searches_dispatched_total",
		Help: "Total number of search commands dispatched, by connector and search type.",
	}, []string{"connector", "search_type"})

	// SearchOutcomesTotal counts recorded search outcomes.
	SearchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comradarr_search_outcomes_total",
		Help: "Total number of recorded search outcomes, by connector and outcome.",
	}, []string{"connector", "outcome"})

	// ThrottleDenialsTotal counts dispatch attempts denied by the throttle.
	ThrottleDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comradarr_throttle_denials_total",
		Help: "Total number of dispatch slots denied, by connector and reason.",
	}, []string{"connector", "reason"})

	// SlotAcquisitionsTotal counts granted per-minute slots.
	SlotAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comradarr_slot_acquisitions_total",
		Help: "Total number of per-minute throttle slots granted, by connector.",
	}, []string{"connector"})

	// ReconnectAttemptsTotal counts reconnect probe results.
	ReconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comradarr_reconnect_attempts_total",
		Help: "Total number of reconnect attempts, by connector and result.",
	}, []string{"connector", "result"})

	// UpstreamErrorsTotal counts connector client failures by category.
	UpstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comradarr_upstream_errors_total",
		Help: "Total number of upstream request failures, by connector and category.",
	}, []string{"connector", "category"})

	// Gauges

	// QueueDepth tracks the current request queue depth per connector.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "comradarr_queue_depth",
		Help: "Current number of queued search requests, by connector.",
	}, []string{"connector"})

	// RegistryRows tracks registry rows by state.
	RegistryRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "comradarr_registry_rows",
		Help: "Current number of search registry rows, by state.",
	}, []string{"state"})

	// ConnectorHealth reports connector health as a numeric level
	// (0 healthy, 1 degraded, 2 unhealthy, 3 offline).
	ConnectorHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "comradarr_connector_health",
		Help: "Connector health level (0 healthy, 1 degraded, 2 unhealthy, 3 offline).",
	}, []string{"connector"})

	// DispatchPaused reports whether dispatch is paused for a connector.
	DispatchPaused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "comradarr_dispatch_paused",
		Help: "Whether dispatch is currently paused for a connector (1 paused).",
	}, []string{"connector"})

	// Histograms

	// DispatchPassDuration observes how long one dispatch pass takes.
	DispatchPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "comradarr_dispatch_pass_duration_seconds",
		Help:    "Duration of a full dispatch pass in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2.0, 12), // 10ms .. ~20s
	})

	// UpstreamRequestDuration observes upstream round-trip latency.
	UpstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comradarr_upstream_request_duration_seconds",
		Help:    "Upstream request latency in seconds, by connector.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2.0, 10), // 50ms .. ~25s
	}, []string{"connector"})
)

// RecordDispatch increments the dispatched-search counter.
func RecordDispatch(connector, searchType string) {
	SearchesDispatchedTotal.WithLabelValues(connector, searchType).Inc()
}

// RecordOutcome increments the search-outcome counter.
func RecordOutcome(connector, outcome string) {
	SearchOutcomesTotal.WithLabelValues(connector, outcome).Inc()
}

// RecordThrottleDenial increments the denial counter.
func RecordThrottleDenial(connector, reason string) {
	ThrottleDenialsTotal.WithLabelValues(connector, reason).Inc()
}

// RecordSlotAcquisition increments the granted-slot counter.
func RecordSlotAcquisition(connector string) {
	SlotAcquisitionsTotal.WithLabelValues(connector).Inc()
}

// RecordReconnect increments the reconnect-attempt counter.
func RecordReconnect(connector, result string) {
	ReconnectAttemptsTotal.WithLabelValues(connector, result).Inc()
}

// RecordUpstreamError increments the upstream-error counter.
func RecordUpstreamError(connector, category string) {
	UpstreamErrorsTotal.WithLabelValues(connector, category).Inc()
}

// SetQueueDepth sets the queue depth gauge for a connector.
func SetQueueDepth(connector string, depth float64) {
	QueueDepth.WithLabelValues(connector).Set(depth)
}

// SetRegistryRows sets the registry-state gauge.
func SetRegistryRows(state string, count float64) {
	RegistryRows.WithLabelValues(state).Set(count)
}

// SetConnectorHealth sets the health level gauge.
func SetConnectorHealth(connector string, level float64) {
	ConnectorHealth.WithLabelValues(connector).Set(level)
}

// SetDispatchPaused flags a connector's dispatch pause state.
func SetDispatchPaused(connector string, paused bool) {
	v := 0.0
	if paused {
		v = 1.0
	}
	DispatchPaused.WithLabelValues(connector).Set(v)
}

// GetCounterValue reads a labelled counter's current value, for tests.
func GetCounterValue(vec *prometheus.CounterVec, labels ...string) float64 {
	var m dto.Metric
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
