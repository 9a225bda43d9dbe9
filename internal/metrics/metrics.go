// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vidrelay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, including streamed bodies",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"method", "route"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vidrelay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Stream metrics
var (
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidrelay_streams_total",
			Help: "Stream requests by serving decision",
		},
		[]string{"source"}, // "cache", "direct", "needs_transcoding", "pending", "failed", "not_found"
	)

	StreamBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidrelay_stream_bytes_total",
			Help: "Bytes written to stream clients",
		},
		[]string{"source"},
	)

	ProbeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidrelay_probe_total",
			Help: "Format probes by outcome",
		},
		[]string{"result"}, // "extension", "memo", "remux", "direct", "error"
	)
)

// Remux job metrics
var (
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidrelay_jobs_submitted_total",
			Help: "Transcode submissions by outcome",
		},
		[]string{"outcome"}, // "cached", "coalesced", "queued", "rejected"
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidrelay_jobs_finished_total",
			Help: "Remux jobs that reached a terminal state",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vidrelay_job_duration_seconds",
			Help:    "Remux job duration from start to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vidrelay_jobs_in_flight",
			Help: "Remux jobs currently queued or running",
		},
	)
)

// Cache metrics
var (
	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vidrelay_cache_size_bytes",
			Help: "Total size of cached artifacts after the last scan",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vidrelay_cache_entries",
			Help: "Number of cached artifacts after the last scan",
		},
	)

	CacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vidrelay_cache_evictions_total",
			Help: "Total number of evicted cache artifacts",
		},
	)

	CacheEvictedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vidrelay_cache_evicted_bytes_total",
			Help: "Total bytes freed by eviction",
		},
	)
)

// Scheduler metrics
var (
	MaintenanceRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vidrelay_maintenance_runs_total",
			Help: "Maintenance task runs by task and status",
		},
		[]string{"task", "status"},
	)
)
