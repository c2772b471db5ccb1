// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

// Package metrics provides Prometheus instrumentation for the sync pipeline.
//
// All collectors are registered at package load via promauto. Emission is
// inherently best-effort: mutating a counter or histogram cannot fail, so
// telemetry can never abort a run. The host runtime decides how the default
// registry is scraped or exported.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Catalog / Diff Metrics

	CatalogTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_catalog_total",
			Help: "Total number of activities listed by the remote catalog",
		},
	)

	DiffUnchanged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_diff_unchanged_total",
			Help: "Activities carried forward from the prior index without refetch",
		},
	)

	DiffFetchRequested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_diff_fetch_requested_total",
			Help: "Activities enqueued for download because they are new or changed",
		},
	)

	// Fetch / Convert Metrics

	FetchSucceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_fetch_succeeded_total",
			Help: "Activities downloaded and converted with at least one feature",
		},
	)

	FetchEmptyGPS = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_fetch_empty_gps_total",
			Help: "Activities downloaded whose FIT stream carried no usable GPS samples",
		},
	)

	FetchFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_fetch_failed_total",
			Help: "Activities skipped after download, decode, or scratch I/O failure",
		},
	)

	// Archive Metrics

	ArchiveBytesCompressed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_archive_bytes_compressed",
			Help: "Size in bytes of the most recently composed compressed archive",
		},
	)

	ArchiveCompressionRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_archive_compression_ratio",
			Help: "Compressed/uncompressed byte ratio of the most recent archive",
		},
	)

	// Tile Metrics

	TileBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_tile_bytes",
			Help: "Size in bytes of the most recently produced tile bundle",
		},
	)

	// CDN Metrics

	CDNInvalidationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_cdn_invalidation_failures_total",
			Help: "CDN invalidation requests that failed (non-fatal; reissued next run)",
		},
	)

	// Phase Durations

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_phase_duration_seconds",
			Help:    "Duration of each sync phase in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600}, // Fetch can take minutes
		},
		[]string{"phase"}, // "load", "diff", "fetch", "finalize"
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_run_duration_seconds",
			Help:    "End-to-end duration of a sync run in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 900},
		},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total sync runs by terminal state",
		},
		[]string{"result"}, // "done", "aborted"
	)

	// Upstream Reliability Metrics

	CatalogRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_requests_total",
			Help: "Remote catalog HTTP requests by outcome",
		},
		[]string{"operation", "result"}, // operation: "list", "download"
	)

	CatalogRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalog_retries_total",
			Help: "Remote catalog requests retried after a transient failure",
		},
	)

	// Circuit Breaker Metrics

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
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Blob Store Metrics

	BlobOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blob_operations_total",
			Help: "Blob store operations by outcome",
		},
		[]string{"operation", "result"}, // operation: "get", "put", "invalidate"
	)
)

// ObservePhase records the duration of a single sync phase.
func ObservePhase(phase string, d time.Duration) {
	PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordRun records a terminal run outcome and its total duration.
func RecordRun(done bool, d time.Duration) {
	result := "aborted"
	if done {
		result = "done"
	}
	RunsTotal.WithLabelValues(result).Inc()
	RunDuration.Observe(d.Seconds())
}

// RecordCatalogRequest records the outcome of one catalog HTTP operation.
func RecordCatalogRequest(operation string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	CatalogRequests.WithLabelValues(operation, result).Inc()
}

// RecordBlobOperation records the outcome of one blob store operation.
func RecordBlobOperation(operation string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	BlobOperations.WithLabelValues(operation, result).Inc()
}

// RecordArchive records the composed archive sizes after compression.
func RecordArchive(uncompressed, compressed int64) {
	ArchiveBytesCompressed.Set(float64(compressed))
	if uncompressed > 0 {
		ArchiveCompressionRatio.Set(float64(compressed) / float64(uncompressed))
	}
}
