// Kiiteitte - Kiite Cafe now-playing ActivityPub bot
// Copyright 2026 Kiiteitte contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kiiteitte/kiiteitte

// Package metrics provides Prometheus instrumentation for:
//   - Cafe API calls (latency, errors, circuit breaker state)
//   - Event loop iterations and outcomes
//   - Follower inbox deliveries
//   - Database query performance
//   - HTTP request handling
//   - Mirror sink side effects
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cafe API metrics

	CafeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cafe_request_duration_seconds",
			Help:    "Duration of Kiite Cafe API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	CafeRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cafe_request_errors_total",
			Help: "Total number of failed Kiite Cafe API requests",
		},
		[]string{"endpoint"},
	)

	// Circuit breaker metrics

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Event loop metrics

	WatcherIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watcher_iterations_total",
			Help: "Total number of cafe watcher loop iterations by outcome",
		},
		[]string{"outcome"}, // "published", "too_close", "closed", "error"
	)

	WatcherClockOffset = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watcher_clock_offset_seconds",
			Help: "Most recent local-minus-remote clock offset in seconds",
		},
	)

	HistoryRecordsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_records_inserted_total",
			Help: "Total number of history records inserted",
		},
		[]string{"source"}, // "watcher", "reconciler"
	)

	StatsBackfills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_stats_backfills_total",
			Help: "Total number of trailing stat updates by outcome",
		},
		[]string{"outcome"}, // "updated", "not_found", "error"
	)

	// Delivery metrics

	DeliveriesIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_deliveries_total",
			Help: "Total number of follower inbox delivery attempts by status",
		},
		[]string{"status"}, // "2xx", "4xx", "5xx", "error"
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inbox_delivery_duration_seconds",
			Help:    "Duration of follower inbox POSTs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeliveryTargets = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inbox_delivery_targets",
			Help:    "Distinct inbox targets per notification",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		},
	)

	// Database metrics

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// HTTP server metrics

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of handled HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)

	FollowEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "follow_events_total",
			Help: "Total number of processed Follow and Undo activities",
		},
		[]string{"type"}, // "follow", "unfollow"
	)

	// Mirror sink metrics

	MirrorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_events_total",
			Help: "Total number of mirror sink invocations by sink and outcome",
		},
		[]string{"sink", "outcome"},
	)
)

// ObserveDBQuery records the duration of a database operation and counts the
// error if the operation failed.
func ObserveDBQuery(operation, table string, start time.Time, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// DeliveryStatusLabel maps an HTTP status code to the delivery metric label.
func DeliveryStatusLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "error"
	}
}
