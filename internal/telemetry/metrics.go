package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsEnqueued    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "edge_events_enqueued_total", Help: "Events durably enqueued, by kind"}, []string{"kind"})
	UploadSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "edge_uploads_succeeded_total", Help: "Events delivered and acknowledged"})
	UploadFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "edge_upload_failures_total", Help: "Upload attempts that failed and were rescheduled"})
	UploadDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "edge_uploads_failed_total", Help: "Events that exhausted their retries"})
	UploadThrottled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "edge_upload_throttled_total", Help: "Worker iterations skipped by the upload rate limit"})
	QueuePendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "edge_queue_pending", Help: "Events waiting for delivery"})
	QueueFailedGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "edge_queue_failed", Help: "Events parked as failed"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "edge_queue_inflight", Help: "Events currently being uploaded"})
	StorageUsedBytes  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "edge_storage_used_bytes", Help: "Bytes used by local captures"})
	StorageUsageRatio = prometheus.NewGauge(prometheus.GaugeOpts{Name: "edge_storage_usage_ratio", Help: "Capture bytes over the byte quota"})
	CapturesDeleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "edge_captures_deleted_total", Help: "Capture files removed by capacity enforcement"})
	SessionSyncErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "edge_session_sync_errors_total", Help: "Failed session polls"})
	ActionsSkipped    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "edge_actions_skipped_total", Help: "Operator actions rejected or aborted, by action"}, []string{"action"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsEnqueued,
			UploadSuccess,
			UploadFailures,
			UploadDeadLetter,
			UploadThrottled,
			QueuePendingGauge,
			QueueFailedGauge,
			InFlightGauge,
			StorageUsedBytes,
			StorageUsageRatio,
			CapturesDeleted,
			SessionSyncErrors,
			ActionsSkipped,
		)
	})
	return promhttp.Handler()
}
