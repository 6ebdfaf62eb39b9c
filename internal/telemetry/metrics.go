package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	UploadCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "interview_uploads_total", Help: "Audio uploads accepted"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "interview_rate_limit_rejects_total", Help: "Uploads rejected by rate limiter"})
	JobsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "interview_jobs_started_total", Help: "Jobs whose lock was acquired"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "interview_jobs_completed_total", Help: "Jobs completed, by quality status"}, []string{"quality"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "interview_jobs_failed_total", Help: "Jobs failed, by failed step"}, []string{"step"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "interview_jobs_retry_scheduled_total", Help: "Failed jobs scheduled for another attempt"})
	JobsDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "interview_jobs_dead_letter_total", Help: "Jobs moved to DLQ"})
	LockResults      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "interview_lock_results_total", Help: "Lock acquisition outcomes"}, []string{"result"})
	HeartbeatErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "interview_heartbeat_failures_total", Help: "Heartbeat writes that failed"})
	SweptJobs        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "interview_stalled_jobs_swept_total", Help: "Jobs force-failed by the stall sweeper"}, []string{"reason"})
	ChunkResults     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "interview_chunks_transcribed_total", Help: "Chunk transcription outcomes"}, []string{"status"})
	StepDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interview_step_duration_seconds",
		Help:    "Pipeline step wall time",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"step", "status"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "interview_queue_depth", Help: "Ready queue depth"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "interview_jobs_inflight", Help: "Jobs currently running on this worker"})
	JobsByStatus    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "interview_jobs_by_status", Help: "Job rows per lifecycle status"}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			UploadCounter,
			RateLimitRejects,
			JobsStarted,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsDeadLetter,
			LockResults,
			HeartbeatErrors,
			SweptJobs,
			ChunkResults,
			StepDuration,
			QueueDepthGauge,
			InFlightGauge,
			JobsByStatus,
		)
	})
	return promhttp.Handler()
}
