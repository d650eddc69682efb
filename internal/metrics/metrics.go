package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bugscout_ingest_requests_total",
		Help: "Total number of ingest calls, labelled by outcome.",
	}, []string{"outcome"})

	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bugscout_events_received_total",
		Help: "Total number of events submitted in accepted ingest calls.",
	})

	EventsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bugscout_events_saved_total",
		Help: "Total number of events newly stored (duplicates excluded).",
	})

	IssuesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bugscout_issues_detected_total",
		Help: "Total number of issue upserts, labelled by issue type.",
	}, []string{"issue_type"})

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bugscout_ingest_duration_ms",
		Help:    "End-to-end ingest latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	ArchiveFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bugscout_archive_flushes_total",
		Help: "Total number of archive flushes, labelled by status.",
	}, []string{"status"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bugscout_http_requests_total",
		Help: "Total number of HTTP requests, labelled by method, route and status.",
	}, []string{"method", "route", "status"})
)

// Outcome labels for IngestRequests.
const (
	OutcomeSuccess           = "success"
	OutcomeInvalidCredential = "invalid_credential"
	OutcomeRateLimited       = "rate_limited"
	OutcomeInvalidPayload    = "invalid_payload"
	OutcomeStoreFailure      = "store_failure"
)
