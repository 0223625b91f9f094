package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "modelswarm"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30, 120, 300},
	}, []string{"method", "path"})

	RegistrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registrations_total",
		Help:      "File and seeding registrations by kind and outcome.",
	}, []string{"kind", "outcome"})

	FallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fallbacks_total",
		Help:      "Requests handed to the fallback transport by reason.",
	}, []string{"reason"})

	SessionFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_failures_total",
		Help:      "Sessions that became invalid because of a fatal error.",
	})

	FilesCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_completed_total",
		Help:      "Files delivered through the swarm.",
	})

	ResumeSnapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resume_snapshots_total",
		Help:      "Resume state snapshots by result.",
	}, []string{"result"})

	SessionInitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_init_duration_seconds",
		Help:      "Time from first request to transfer added.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	})

	TrackerRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tracker_requests_total",
		Help:      "Tracker requests by operation and result.",
	}, []string{"op", "result"})

	DescriptorCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "descriptor_cache_total",
		Help:      "Descriptor cache lookups by result.",
	}, []string{"result"})

	FetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetches_total",
		Help:      "Per-file fetches by serving transport and outcome.",
	}, []string{"transport", "outcome"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of sessions currently registered.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RegistrationsTotal,
		FallbacksTotal,
		SessionFailuresTotal,
		FilesCompletedTotal,
		ResumeSnapshotsTotal,
		SessionInitDuration,
		TrackerRequestsTotal,
		DescriptorCacheTotal,
		FetchesTotal,
		ActiveSessions,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
	)
}
