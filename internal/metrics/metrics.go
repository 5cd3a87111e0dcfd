package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "dirsyncd"
)

var (
	syncDurationBuckets = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

	// Sync metrics
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_duration_seconds",
		Help:      "Time taken for a directory sync to complete.",
		Buckets:   syncDurationBuckets,
	}, []string{"provider", "directory"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Count of sync executions.",
	}, []string{"provider", "directory", "status"})

	SyncLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful sync.",
	}, []string{"provider", "directory"})

	// Reconciliation metrics
	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_written_total",
		Help:      "Rows inserted or updated during reconciliation.",
	}, []string{"provider", "directory", "entity"})

	RowsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_deleted_total",
		Help:      "Rows deleted as no longer present upstream.",
	}, []string{"provider", "directory", "entity"})

	DeletionBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deletion_breaker_trips_total",
		Help:      "Syncs aborted because the stale-row ratio exceeded the deletion threshold.",
	}, []string{"provider", "directory"})

	// Provider API metrics
	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_requests_total",
		Help:      "HTTP requests issued to identity providers.",
	}, []string{"provider", "status"})

	ProviderRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_retries_total",
		Help:      "Retried identity provider requests, by reason.",
	}, []string{"provider", "reason"})
)
