// Reolink Feed - Camera Detection Timeline and Recording Linker
// Copyright 2026 Jef Vlamings (jefvlamings)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jefvlamings/reolink-feed

// Package metrics provides Prometheus instrumentation for the feed
// engine, the recording resolver, and the HTTP/WebSocket surfaces.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Feed engine metrics
	SensorTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_sensor_transitions_total",
			Help: "Sensor edges processed by the feed engine",
		},
		[]string{"edge", "label"}, // edge: "start", "end"
	)

	ItemsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_items_opened_total",
			Help: "Detection items created",
		},
		[]string{"label"},
	)

	ItemsMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_items_merged_total",
			Help: "Start edges absorbed into an existing item by burst merge",
		},
		[]string{"label"},
	)

	ItemsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_items_closed_total",
			Help: "Detection items closed",
		},
		[]string{"label"},
	)

	EngineAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_engine_anomalies_total",
			Help: "Out-of-order or duplicate sensor edges observed",
		},
		[]string{"kind"}, // "duplicate_start", "orphan_end", "unmapped_sensor"
	)

	OpenItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_open_items",
			Help: "Detection items currently open",
		},
	)

	StoredItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_stored_items",
			Help: "Detection items currently persisted",
		},
	)

	// Recording resolver metrics
	ResolveAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_attempts_total",
			Help: "Recording resolution attempts by outcome",
		},
		[]string{"outcome"}, // "linked", "pending", "not_found", "download_failed", "error"
	)

	ResolveLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resolver_attempt_duration_seconds",
			Help:    "Duration of a single resolution attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	CatalogFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resolver_catalog_failures_total",
			Help: "Catalog browse calls that failed",
		},
	)

	CatalogBreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resolver_catalog_breaker_open",
			Help: "1 while the catalog circuit breaker is open",
		},
	)

	PendingResolutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resolver_pending_items",
			Help: "Items with resolution attempts still scheduled",
		},
	)

	// API metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// WebSocket metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Currently connected WebSocket clients",
		},
	)

	WSBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_broadcasts_total",
			Help: "Item lifecycle events broadcast to clients",
		},
		[]string{"type"},
	)

	// Event bus metrics
	BusEventsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_events_consumed_total",
			Help: "Sensor state events received from the message bus",
		},
	)

	BusParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbus_parse_failures_total",
			Help: "Bus messages that could not be decoded",
		},
	)

	// Retention janitor metrics
	ItemsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "store_items_evicted_total",
			Help: "Items removed by retention or capacity sweeps",
		},
	)
)

// RecordEdge counts one processed sensor transition.
func RecordEdge(edge, label string) {
	SensorTransitions.WithLabelValues(edge, label).Inc()
}

// RecordAnomaly counts an out-of-order or duplicate edge.
func RecordAnomaly(kind string) {
	EngineAnomalies.WithLabelValues(kind).Inc()
}

// RecordResolveAttempt counts one resolution attempt and its latency.
func RecordResolveAttempt(outcome string, duration time.Duration) {
	ResolveAttempts.WithLabelValues(outcome).Inc()
	ResolveLatency.Observe(duration.Seconds())
}

// RecordAPIRequest counts a completed HTTP request.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}

// SetBreakerOpen reflects the catalog circuit breaker state.
func SetBreakerOpen(open bool) {
	if open {
		CatalogBreakerOpen.Set(1)
		return
	}
	CatalogBreakerOpen.Set(0)
}
