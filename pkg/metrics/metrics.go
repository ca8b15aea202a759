// Package metrics defines the Prometheus metric collectors for the export
// pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	PipelineRunsTotal    *prometheus.CounterVec
	StageDuration        *prometheus.HistogramVec
	ExportPollsTotal     prometheus.Counter
	UploadedObjectsTotal prometheus.Counter
	UploadedBytesTotal   prometheus.Counter
	TokenRefreshesTotal  prometheus.Counter
	RoleAssumptionsTotal prometheus.Counter
	NotifyFailuresTotal  prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		PipelineRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_runs_total",
				Help: "Total pipeline runs by outcome (completed, auth_error, export_error, timeout, archive_error, credential_error, upload_error, dispatch_error).",
			},
			[]string{"outcome"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"stage"},
		),
		ExportPollsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "export_polls_total",
				Help: "Total export job status polls issued.",
			},
		),
		UploadedObjectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "uploaded_objects_total",
				Help: "Total objects uploaded to the catalog bucket.",
			},
		),
		UploadedBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "uploaded_bytes_total",
				Help: "Total bytes uploaded to the catalog bucket.",
			},
		),
		TokenRefreshesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "source_token_refreshes_total",
				Help: "Total OAuth token exchanges against the source API.",
			},
		),
		RoleAssumptionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "role_assumptions_total",
				Help: "Total assume-role calls issued by the credential broker.",
			},
		),
		NotifyFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "notify_failures_total",
				Help: "Total failed status-surface updates (best-effort, not fatal).",
			},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.PipelineRunsTotal,
		m.StageDuration,
		m.ExportPollsTotal,
		m.UploadedObjectsTotal,
		m.UploadedBytesTotal,
		m.TokenRefreshesTotal,
		m.RoleAssumptionsTotal,
		m.NotifyFailuresTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
