package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "active_client_sessions",
		Help:      "Number of tracked client playback sessions.",
	})

	ActiveTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "active_transcoding_tasks",
		Help:      "Number of live transcoding tasks in the registry.",
	})

	SegmentsServedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "segments_served_total",
		Help:      "Segments served by outcome (hit, produced, failed).",
	}, []string{"outcome"})

	EnsureSegmentDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "ensure_segment_duration_seconds",
		Help:      "Wall time of ensureSegment from request to stable file.",
		Buckets:   []float64{0.01, 0.05, 0.2, 0.5, 1, 2, 5, 10, 30, 60},
	})

	TranscodesStartedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "transcodes_started_total",
		Help:      "Encoder processes started, by encode mode (hw, cpu).",
	}, []string{"mode"})

	TranscodesKilledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "transcodes_killed_total",
		Help:      "Encoder processes terminated, by reason.",
	}, []string{"reason"})

	TranscodeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "transcode_failures_total",
		Help:      "Encoder processes that exited nonzero.",
	})

	HWSlotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "hardware_slots_in_use",
		Help:      "Hardware encode slots currently held.",
	})

	IntentClassificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "intent_classifications_total",
		Help:      "Request analyzer verdicts by intent.",
	}, []string{"intent"})

	PlaylistCacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "playlist_cache_requests_total",
		Help:      "Playlist cache requests by result (hit, miss).",
	}, []string{"result"})

	TaskEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "task_evictions_total",
		Help:      "Tasks evicted to make room under the concurrency caps.",
	})

	JanitorSweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "janitor_sweeps_total",
		Help:      "Janitor sweep actions by kind.",
	}, []string{"kind"})

	CleanupErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "cleanup_errors_total",
		Help:      "Failures while removing stale output directories.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		ActiveTasks,
		SegmentsServedTotal,
		EnsureSegmentDuration,
		TranscodesStartedTotal,
		TranscodesKilledTotal,
		TranscodeFailuresTotal,
		HWSlotsInUse,
		IntentClassificationsTotal,
		PlaylistCacheHitsTotal,
		TaskEvictionsTotal,
		JanitorSweepsTotal,
		CleanupErrorsTotal,
	)
}
