package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_sessions_active",
		Help: "Number of camera sessions currently held by the registry",
	})

	SessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_sessions_failed_total",
		Help: "Recording processes that exited without a stop request",
	})

	SegmentsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_segments_detected_total",
		Help: "Completed segment files emitted by the detector",
	}, []string{"camera_id"})

	SegmentsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_segments_skipped_total",
		Help: "Segment notifications dropped by the detector, by reason",
	}, []string{"reason"})

	QueuePersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_queue_persist_failures_total",
		Help: "Failed writes of the durable queue snapshot",
	})

	QueueSegments = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vigil_queue_segments",
		Help: "Segments held by the durable queue, by sync status",
	}, []string{"status"})

	SyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_sync_attempts_total",
		Help: "Remote push attempts, by result",
	}, []string{"result"})

	SyncAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_sync_abandoned_total",
		Help: "Segments that exhausted their retry budget",
	})

	SchedulerTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_scheduler_triggers_total",
		Help: "Schedule triggers fired, by action",
	}, []string{"action"})

	DiskFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_recordings_disk_free_bytes",
		Help: "Free bytes on the filesystem holding the recordings root",
	})
)

// Sync attempt results.
const (
	ResultSynced    = "synced"
	ResultDuplicate = "duplicate"
	ResultFailed    = "failed"
)
