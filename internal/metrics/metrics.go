// Package metrics exposes Prometheus instrumentation for the sync core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OpsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_queue_enqueued_total",
		Help: "Total operations appended to the durable queue.",
	})
	OpsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_queue_delivered_total",
		Help: "Total queued operations delivered successfully.",
	})
	OpsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_queue_failed_total",
		Help: "Total queued operations that reached a terminal failure.",
	})
	OpsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_queue_retried_total",
		Help: "Total delivery attempts that were rescheduled with backoff.",
	})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_transport_reconnects_total",
		Help: "Total reconnect attempts scheduled by the transport.",
	})
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_transport_frames_dropped_total",
		Help: "Total inbound frames dropped as malformed or unrecognized.",
	})
	ConnectionUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_transport_connected",
		Help: "1 while the realtime transport is in the Connected phase.",
	})

	Uploads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_media_uploads_total",
		Help: "Total attachment uploads attempted.",
	})
	UploadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_media_upload_failures_total",
		Help: "Total attachment uploads that failed.",
	})
)

// Register registers all sync-core collectors with the default registry.
// Called once by the cmd binary; embedding apps may skip it.
func Register() {
	prometheus.MustRegister(
		OpsEnqueued, OpsDelivered, OpsFailed, OpsRetried,
		Reconnects, FramesDropped, ConnectionUp,
		Uploads, UploadFailures,
	)
}
