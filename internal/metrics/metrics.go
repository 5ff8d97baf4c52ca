// Package metrics provides Prometheus metrics for the lease lifecycle
// engine. Labels stay low-cardinality: event types, statuses and
// operation names only, never lease or reservation ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessedTotal counts executed events by type and final status.
	EventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "croft_events_processed_total",
		Help: "Total number of lifecycle events executed, by event type and final status.",
	}, []string{"event_type", "status"})

	// EventsSkippedTotal counts events skipped because their lease was
	// in a transitional status at dispatch time.
	EventsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "croft_events_skipped_total",
		Help: "Total number of due events skipped because the lease status was transitional.",
	})

	// EventRetriesTotal counts events reverted to UNDONE for retry.
	EventRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "croft_event_retries_total",
		Help: "Total number of events reverted to UNDONE for retry, by event type.",
	}, []string{"event_type"})

	// LeaseOperationsTotal counts lease service operations by outcome.
	LeaseOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "croft_lease_operations_total",
		Help: "Total number of lease operations, by operation and outcome (ok/error).",
	}, []string{"operation", "outcome"})

	// EnforcementDenialsTotal counts filter denials by checkpoint.
	EnforcementDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "croft_enforcement_denials_total",
		Help: "Total number of enforcement denials, by checkpoint.",
	}, []string{"checkpoint"})

	// TickDuration observes the wall time of one engine tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "croft_engine_tick_duration_seconds",
		Help:    "Duration of one event engine tick.",
		Buckets: prometheus.DefBuckets,
	})

	// DueEvents tracks how many events were due at the last tick.
	DueEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "croft_engine_due_events",
		Help: "Number of due events fetched at the last engine tick.",
	})

	// DegradedLeases tracks leases currently flagged degraded by the monitor.
	DegradedLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "croft_degraded_leases",
		Help: "Number of leases currently marked degraded.",
	})
)
